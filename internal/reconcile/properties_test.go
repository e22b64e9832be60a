package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/ChuLiYu/annosync/internal/metadata"
	"github.com/ChuLiYu/annosync/pkg/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `{
  "version": "1.0",
  "classes": [
    {
      "name": "car",
      "type": "bounding_box",
      "properties": [
        {"name": "color", "type": "single_select", "required": true,
         "property_values": [{"value": "red", "color": "#f00"}, {"value": "blue", "color": "#00f"}]},
        {"name": "tags", "type": "multi_select", "required": false,
         "property_values": [{"value": "old"}, {"value": "new"}]}
      ]
    }
  ]
}`

// ============================================================================
// Test Helpers
// ============================================================================

func loadManifest(t *testing.T) *metadata.Manifest {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/.v7/metadata.json", []byte(testManifest), 0o644))
	m, err := metadata.Load(fs, "/data/.v7/metadata.json")
	require.NoError(t, err)
	return m
}

func resolver(ids map[string]string) ClassResolver {
	return func(c types.AnnotationClass) (string, bool) {
		id, ok := ids[c.Name]
		return id, ok
	}
}

func carAnnotation(props ...types.SelectedProperty) *types.Annotation {
	return &types.Annotation{Class: class("car", "bounding_box"), Properties: props}
}

func sel(name, value string) types.SelectedProperty {
	return types.SelectedProperty{Name: name, Value: value}
}

// fakeTeam 記錄建立與更新請求
type fakeTeam struct {
	props   []types.Property
	created []types.Property
	updated []types.Property
	calls   []string
	nextID  int
}

func (f *fakeTeam) Slug() string { return "acme" }

func (f *fakeTeam) Properties(context.Context) ([]types.Property, error) {
	return f.props, nil
}

func (f *fakeTeam) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeTeam) CreateProperty(_ context.Context, p types.Property) (types.Property, error) {
	f.calls = append(f.calls, "create:"+p.Name)
	f.created = append(f.created, p)
	p.ID = f.id("prop")
	for i := range p.Values {
		p.Values[i].ID = f.id("val")
	}
	return p, nil
}

func (f *fakeTeam) UpdateProperty(_ context.Context, p types.Property) (types.Property, error) {
	f.calls = append(f.calls, "update:"+p.Name)
	f.updated = append(f.updated, p)
	for _, existing := range f.props {
		if existing.ID != p.ID {
			continue
		}
		out := existing
		for _, v := range p.Values {
			v.ID = f.id("val")
			out.Values = append(out.Values, v)
		}
		return out, nil
	}
	return types.Property{}, fmt.Errorf("property %s not found", p.ID)
}

// ============================================================================
// ResolveProperties
// ============================================================================

func TestResolvePropertiesQueuesCreateOnce(t *testing.T) {
	m := loadManifest(t)
	anns := []*types.Annotation{
		carAnnotation(sel("color", "red")),
		carAnnotation(sel("color", "blue")),
	}

	plan, err := ResolveProperties(anns, resolver(map[string]string{"car": "c1"}), m, nil, "acme")
	require.NoError(t, err)

	require.Len(t, plan.Create, 1)
	p := plan.Create[0]
	assert.Equal(t, "color", p.Name)
	assert.Equal(t, "single_select", p.Type)
	assert.True(t, p.Required)
	assert.Equal(t, "c1", p.AnnotationClassID)
	assert.Equal(t, "acme", p.TeamSlug)
	assert.Equal(t, DescriptionCreated, p.Description)
	require.Len(t, p.Values, 2)
	assert.Equal(t, "red", p.Values[0].Value)
	assert.Equal(t, "single_select", p.Values[0].Type)
	assert.Empty(t, plan.Update)
}

func TestResolvePropertiesReusesRegisteredValue(t *testing.T) {
	m := loadManifest(t)
	team := []types.Property{{
		ID: "p1", Name: "color", Type: "single_select", AnnotationClassID: "c1",
		Values: []types.PropertyValue{{ID: "v-red", Value: "red", Type: "single_select"}},
	}}

	plan, err := ResolveProperties([]*types.Annotation{carAnnotation(sel("color", "red"))},
		resolver(map[string]string{"car": "c1"}), m, team, "acme")
	require.NoError(t, err)

	assert.True(t, plan.Empty())
	assert.Equal(t, PropertyMap{"c1": {"p1": {"v-red"}}}, plan.Existing)
}

func TestResolvePropertiesQueuesUpdateForNewValue(t *testing.T) {
	m := loadManifest(t)
	team := []types.Property{{
		ID: "p1", Name: "color", Type: "single_select", AnnotationClassID: "c1",
		Values: []types.PropertyValue{{ID: "v-red", Value: "red", Type: "single_select"}},
	}}
	anns := []*types.Annotation{
		carAnnotation(sel("color", "blue")),
		carAnnotation(sel("color", "blue")),
	}

	plan, err := ResolveProperties(anns, resolver(map[string]string{"car": "c1"}), m, team, "acme")
	require.NoError(t, err)

	require.Len(t, plan.Update, 1)
	u := plan.Update[0]
	assert.Equal(t, "p1", u.ID)
	assert.Equal(t, DescriptionUpdated, u.Description)
	assert.Equal(t, []types.PropertyValue{{Type: "single_select", Value: "blue", Color: "#00f"}}, u.Values)
}

func TestResolvePropertiesErrors(t *testing.T) {
	m := loadManifest(t)
	ids := resolver(map[string]string{"car": "c1", "truck": "c2"})

	testCases := []struct {
		name   string
		ann    *types.Annotation
		team   []types.Property
		reason error
	}{
		{"class missing from metadata", &types.Annotation{Class: class("truck", "bounding_box"), Properties: []types.SelectedProperty{sel("color", "red")}}, nil, ErrClassNotInManifest},
		{"class type mismatch", &types.Annotation{Class: class("car", "polygon"), Properties: []types.SelectedProperty{sel("color", "red")}}, nil, ErrClassNotInManifest},
		{"class without selections missing from metadata", &types.Annotation{Class: class("truck", "bounding_box")}, nil, ErrClassNotInManifest},
		{"property missing from metadata", carAnnotation(sel("size", "big")), nil, ErrPropertyNotInManifest},
		{"required without value", carAnnotation(sel("color", "")), nil, ErrValueRequired},
		{"value not an option", carAnnotation(sel("color", "green")), nil, ErrOptionNotInManifest},
		{"type not an option", carAnnotation(types.SelectedProperty{Name: "color", Value: "red", Type: "multi_select"}), nil, ErrOptionNotInManifest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ResolveProperties([]*types.Annotation{tc.ann}, ids, m, tc.team, "acme")
			var perr *PropertyError
			require.ErrorAs(t, err, &perr)
			assert.ErrorIs(t, err, tc.reason)
		})
	}
}

// TestResolvePropertiesOptionalEmptyValueFailsOptionCheck tests an empty
// value still has to be a declared option
func TestResolvePropertiesOptionalEmptyValueFailsOptionCheck(t *testing.T) {
	m := loadManifest(t)
	_, err := ResolveProperties([]*types.Annotation{carAnnotation(sel("tags", ""))},
		resolver(map[string]string{"car": "c1"}), m, nil, "acme")
	assert.ErrorIs(t, err, ErrOptionNotInManifest)
}

// TestResolvePropertiesTeamRequiresValue tests the team definition is
// checked for a required value even when the metadata allows an empty one
func TestResolvePropertiesTeamRequiresValue(t *testing.T) {
	fs := afero.NewMemMapFs()
	manifest := `
classes:
  - name: car
    type: bounding_box
    properties:
      - name: notes
        type: text
        property_values:
          - value: ""
`
	require.NoError(t, afero.WriteFile(fs, "/m.yaml", []byte(manifest), 0o644))
	m, err := metadata.Load(fs, "/m.yaml")
	require.NoError(t, err)

	team := []types.Property{{ID: "p-notes", Name: "notes", Type: "text", Required: true, AnnotationClassID: "c1"}}
	_, err = ResolveProperties([]*types.Annotation{carAnnotation(sel("notes", ""))},
		resolver(map[string]string{"car": "c1"}), m, team, "acme")
	assert.ErrorIs(t, err, ErrValueRequired)

	// without the team property the same selection is queued for creation
	plan, err := ResolveProperties([]*types.Annotation{carAnnotation(sel("notes", ""))},
		resolver(map[string]string{"car": "c1"}), m, nil, "acme")
	require.NoError(t, err)
	assert.Len(t, plan.Create, 1)
}

// TestResolvePropertiesChecksEveryAnnotationClass tests an annotation with no
// selected property still needs its class declared in the metadata
func TestResolvePropertiesChecksEveryAnnotationClass(t *testing.T) {
	m := loadManifest(t)
	anns := []*types.Annotation{
		carAnnotation(sel("color", "red")),
		{Class: class("bus", "bounding_box")},
	}

	_, err := ResolveProperties(anns, resolver(map[string]string{"car": "c1", "bus": "c2"}), m, nil, "acme")
	var perr *PropertyError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrClassNotInManifest)
	assert.Equal(t, "bus", perr.Class)

	// a declared class without selections needs nothing
	plan, err := ResolveProperties([]*types.Annotation{carAnnotation()},
		resolver(map[string]string{"car": "c1"}), m, nil, "acme")
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestResolvePropertiesSkipsUnresolvedClasses(t *testing.T) {
	m := loadManifest(t)
	plan, err := ResolveProperties([]*types.Annotation{carAnnotation(sel("color", "red"))},
		resolver(nil), m, nil, "acme")
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

// ============================================================================
// ApplyProperties / ReconcileProperties
// ============================================================================

func TestReconcilePropertiesCreatesBeforeUpdates(t *testing.T) {
	m := loadManifest(t)
	team := &fakeTeam{props: []types.Property{{
		ID: "p-tags", Name: "tags", Type: "multi_select", AnnotationClassID: "c1",
		Values: []types.PropertyValue{{ID: "v-old", Value: "old", Type: "multi_select"}},
	}}}
	anns := []*types.Annotation{
		carAnnotation(sel("tags", "new"), sel("color", "red")),
		carAnnotation(sel("tags", "old")),
	}

	res, err := ReconcileProperties(context.Background(), team, m, anns, resolver(map[string]string{"car": "c1"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"create:color", "update:tags"}, team.calls)
	require.Len(t, res.Created, 1)
	require.Len(t, res.Updated, 1)

	createdID := res.Created[0].ID
	createdValues := []string{res.Created[0].Values[0].ID, res.Created[0].Values[1].ID}
	assert.Equal(t, createdValues, res.Map["c1"][createdID])

	// existing "old" plus the id the update registered for "new"
	require.Len(t, res.Map["c1"]["p-tags"], 2)
	assert.Equal(t, "v-old", res.Map["c1"]["p-tags"][0])
}

func TestPropertyMapAddDedupes(t *testing.T) {
	m := make(PropertyMap)
	m.Add("c1", "p1", "v1", "v2")
	m.Add("c1", "p1", "v1")
	m.Add("c1", "p2")
	assert.Equal(t, []string{"v1", "v2"}, m["c1"]["p1"])
	assert.Equal(t, []string{}, m["c1"]["p2"])
}
