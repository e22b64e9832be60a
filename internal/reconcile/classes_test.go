package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/internal/snapshot"
	"github.com/ChuLiYu/annosync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeDataset struct {
	remote.Dataset
	created  []types.AnnotationClass
	attached []string
	failOn   string
}

func (f *fakeDataset) Slug() string { return "cars" }

func (f *fakeDataset) CreateClass(_ context.Context, c types.AnnotationClass) (types.RemoteClass, error) {
	if c.Name == f.failOn {
		return types.RemoteClass{}, errors.New("create failed")
	}
	f.created = append(f.created, c)
	return types.RemoteClass{ID: "new-" + c.Name, Name: c.Name, AnnotationTypes: []string{c.EffectiveType()}, Available: true}, nil
}

func (f *fakeDataset) AddClass(_ context.Context, id string) error {
	f.attached = append(f.attached, id)
	return nil
}

type recordingPrompter struct {
	answer   bool
	messages []string
}

func (p *recordingPrompter) Confirm(_ context.Context, msg string) (bool, error) {
	p.messages = append(p.messages, msg)
	return p.answer, nil
}

func class(name, typ string) types.AnnotationClass {
	return types.AnnotationClass{Name: name, AnnotationType: typ}
}

func testSnapshot() *snapshot.Snapshot {
	return snapshot.New([]types.RemoteClass{
		{ID: "c-car", Name: "car", AnnotationTypes: []string{"bounding_box"}, Available: true},
		{ID: "c-tree", Name: "tree", AnnotationTypes: []string{"polygon"}},
		{ID: "c-road", Name: "road", AnnotationTypes: []string{"mask"}},
	}, nil)
}

// ============================================================================
// ResolveClasses
// ============================================================================

func TestResolveClassesSplitsAttachAndCreate(t *testing.T) {
	snap := testSnapshot()
	local := []types.AnnotationClass{
		class("car", "bounding_box"),
		class("tree", "polygon"),
		{Name: "lake", AnnotationType: "complex_polygon", InternalType: "polygon"},
		class("tree", "polygon"),
		class("road", "mask"),
	}

	plan := ResolveClasses(local, snap.InDataset, snap.InTeam)
	assert.Equal(t, []types.AnnotationClass{class("tree", "polygon"), class("road", "mask")}, plan.ToAttach)
	assert.Equal(t, []types.AnnotationClass{{Name: "lake", AnnotationType: "complex_polygon", InternalType: "polygon"}}, plan.ToCreate)
	assert.False(t, plan.Empty())
}

// TestResolveClassesDedupesPerType tests the same name under two types is
// queued once per type, and both outputs together hold every local class the
// dataset lacks
func TestResolveClassesDedupesPerType(t *testing.T) {
	snap := testSnapshot()
	local := []types.AnnotationClass{
		class("bike", "bounding_box"),
		class("bike", "polygon"),
		class("bike", "bounding_box"),
		class("tree", "polygon"),
		class("tree", "bounding_box"),
		class("tree", "polygon"),
		class("car", "bounding_box"),
	}

	plan := ResolveClasses(local, snap.InDataset, snap.InTeam)
	assert.Equal(t, []types.AnnotationClass{
		class("bike", "bounding_box"),
		class("bike", "polygon"),
		class("tree", "bounding_box"),
	}, plan.ToCreate)
	assert.Equal(t, []types.AnnotationClass{class("tree", "polygon")}, plan.ToAttach)

	// 兩個集合互斥，聯集恰為資料集缺少的本地類別
	missing := make(map[classKey]bool)
	for _, c := range local {
		if !snap.InDataset.Has(c.EffectiveType(), c.Name) {
			missing[classKey{c.EffectiveType(), c.Name}] = true
		}
	}
	union := make(map[classKey]bool)
	for _, c := range append(append([]types.AnnotationClass{}, plan.ToAttach...), plan.ToCreate...) {
		key := classKey{c.EffectiveType(), c.Name}
		assert.False(t, union[key], "%s/%s queued twice", c.Name, c.EffectiveType())
		union[key] = true
	}
	assert.Equal(t, missing, union)
}

func TestResolveClassesNothingToDo(t *testing.T) {
	snap := testSnapshot()
	plan := ResolveClasses([]types.AnnotationClass{class("car", "bounding_box")}, snap.InDataset, snap.InTeam)
	assert.True(t, plan.Empty())
}

// ============================================================================
// ApplyClasses
// ============================================================================

func TestApplyClassesSkeletonAbortsBeforeMutation(t *testing.T) {
	ds := &fakeDataset{}
	plan := ClassPlan{
		ToAttach: []types.AnnotationClass{class("tree", "polygon")},
		ToCreate: []types.AnnotationClass{class("bike", "bounding_box"), class("person", "skeleton")},
	}

	_, err := ApplyClasses(context.Background(), ds, testSnapshot(), plan, nil)

	var skel *SkeletonClassesError
	require.ErrorAs(t, err, &skel)
	assert.Equal(t, []string{"person"}, skel.Names)
	assert.Contains(t, err.Error(), "person")
	assert.Empty(t, ds.created)
	assert.Empty(t, ds.attached)
}

func TestApplyClassesCreatesThenAttaches(t *testing.T) {
	ds := &fakeDataset{}
	prompter := &recordingPrompter{answer: true}
	plan := ClassPlan{
		ToAttach: []types.AnnotationClass{class("tree", "polygon")},
		ToCreate: []types.AnnotationClass{{Name: "lake", AnnotationType: "complex_polygon", InternalType: "polygon"}},
	}

	res, err := ApplyClasses(context.Background(), ds, testSnapshot(), plan, prompter)
	require.NoError(t, err)

	assert.True(t, res.Changed())
	require.Len(t, res.Created, 1)
	assert.Equal(t, "new-lake", res.Created[0].ID)
	assert.Equal(t, []string{"c-tree"}, ds.attached)
	require.Len(t, prompter.messages, 1, "only creation is confirmed")
	assert.Contains(t, prompter.messages[0], "lake (polygon)")
}

func TestApplyClassesAttachesWithoutPrompt(t *testing.T) {
	ds := &fakeDataset{}
	prompter := &recordingPrompter{answer: false}
	plan := ClassPlan{ToAttach: []types.AnnotationClass{class("tree", "polygon")}}

	res, err := ApplyClasses(context.Background(), ds, testSnapshot(), plan, prompter)
	require.NoError(t, err)
	assert.Equal(t, []string{"c-tree"}, ds.attached)
	assert.Len(t, res.Attached, 1)
	assert.Empty(t, prompter.messages)
}

func TestApplyClassesDeclined(t *testing.T) {
	ds := &fakeDataset{}
	plan := ClassPlan{ToCreate: []types.AnnotationClass{class("bike", "bounding_box")}}

	_, err := ApplyClasses(context.Background(), ds, testSnapshot(), plan, &recordingPrompter{answer: false})
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Empty(t, ds.created)
}

func TestApplyClassesCreateError(t *testing.T) {
	ds := &fakeDataset{failOn: "bike"}
	plan := ClassPlan{ToCreate: []types.AnnotationClass{class("bike", "bounding_box")}}

	res, err := ApplyClasses(context.Background(), ds, testSnapshot(), plan, nil)
	assert.Error(t, err)
	assert.False(t, res.Changed())
}
