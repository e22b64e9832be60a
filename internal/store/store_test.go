package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// openTestStore opens an in-memory store and closes it with the test
func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(":memory:", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func testDataset(t *testing.T, s *Store) *Dataset {
	t.Helper()
	d, err := s.EnsureDataset(context.Background(), DatasetInfo{Slug: "cars", Version: 2})
	require.NoError(t, err)
	return d
}

func classNames(classes []types.RemoteClass) []string {
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.Name
	}
	return names
}

// ============================================================================
// Datasets and classes
// ============================================================================

func TestEnsureDatasetIsIdempotent(t *testing.T) {
	s := openTestStore(t, Options{Team: "acme"})
	ctx := context.Background()

	d1 := testDataset(t, s)
	d2, err := s.EnsureDataset(ctx, DatasetInfo{Slug: "cars", Name: "ignored", Version: 1})
	require.NoError(t, err)

	assert.Equal(t, "cars", d1.Name())
	assert.Equal(t, d1.Info(), d2.Info())
	assert.Equal(t, 2, d2.Version())

	classes, err := d1.FetchClasses(ctx, true)
	require.NoError(t, err)
	require.Len(t, classes, 1)
	assert.Equal(t, types.RasterLayerClassName, classes[0].Name)
	assert.Equal(t, []string{types.TypeRasterLayer}, classes[0].AnnotationTypes)
	assert.True(t, classes[0].Available)
}

func TestOpenDatasetNotFound(t *testing.T) {
	s := openTestStore(t, Options{})
	_, err := s.OpenDataset(context.Background(), "nope")
	assert.ErrorIs(t, err, remote.ErrNotFound)
}

func TestFetchClassesTeamWideAndDatasetOnly(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	_, err := d.CreateClass(ctx, types.AnnotationClass{Name: "car", AnnotationType: types.TypeBoundingBox})
	require.NoError(t, err)
	_, err = s.CreateTeamClass(ctx, types.AnnotationClass{Name: "tree", AnnotationType: types.TypePolygon})
	require.NoError(t, err)

	team, err := d.FetchClasses(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{types.RasterLayerClassName, "car", "tree"}, classNames(team))
	for _, c := range team {
		assert.Equal(t, c.Name != "tree", c.Available, c.Name)
	}

	inDataset, err := d.FetchClasses(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{types.RasterLayerClassName, "car"}, classNames(inDataset))
}

func TestCreateClassUsesEffectiveTypeAndRejectsDuplicates(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	rc, err := d.CreateClass(ctx, types.AnnotationClass{
		Name: "road", AnnotationType: types.TypeComplexPolygon, InternalType: types.TypePolygon,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{types.TypePolygon}, rc.AnnotationTypes)
	assert.True(t, rc.Available)

	_, err = d.CreateClass(ctx, types.AnnotationClass{Name: "road", AnnotationType: types.TypePolygon})
	assert.ErrorIs(t, err, remote.ErrInvalidArgument)
}

func TestAddClass(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	rc, err := s.CreateTeamClass(ctx, types.AnnotationClass{Name: "tree", AnnotationType: types.TypeTag})
	require.NoError(t, err)

	require.NoError(t, d.AddClass(ctx, rc.ID))
	// Attaching twice is harmless
	require.NoError(t, d.AddClass(ctx, rc.ID))

	classes, err := d.FetchClasses(ctx, false)
	require.NoError(t, err)
	assert.Contains(t, classNames(classes), "tree")

	assert.ErrorIs(t, d.AddClass(ctx, "missing"), remote.ErrNotFound)
}

func TestFetchAttributesOnlyForDatasetClasses(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	car, err := d.CreateClass(ctx, types.AnnotationClass{Name: "car", AnnotationType: types.TypeBoundingBox})
	require.NoError(t, err)
	tree, err := s.CreateTeamClass(ctx, types.AnnotationClass{Name: "tree", AnnotationType: types.TypeTag})
	require.NoError(t, err)

	red, err := s.CreateAttribute(ctx, car.ID, "red")
	require.NoError(t, err)
	_, err = s.CreateAttribute(ctx, tree.ID, "tall")
	require.NoError(t, err)
	_, err = s.CreateAttribute(ctx, "missing", "x")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	attrs, err := d.FetchAttributes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.RemoteAttribute{red}, attrs)
}

// ============================================================================
// Files and imports
// ============================================================================

func TestFetchFilesFilters(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	a, err := d.RegisterFile(ctx, types.RemoteFile{Filename: "a.jpg", Slots: []types.Slot{{Name: "left"}}}, "")
	require.NoError(t, err)
	_, err = d.RegisterFile(ctx, types.RemoteFile{Filename: "b.jpg", Path: "sub"}, "")
	require.NoError(t, err)
	_, err = d.RegisterFile(ctx, types.RemoteFile{Filename: "c.pdf"}, "pdf")
	require.NoError(t, err)

	files, err := d.FetchFiles(ctx, remote.FileFilter{Types: remote.MediaTypes, Filenames: []string{"a.jpg", "c.pdf"}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, a.ID, files[0].ID)
	assert.Equal(t, "/a.jpg", files[0].FullPath())
	assert.Equal(t, []types.Slot{{Name: "left"}}, files[0].Slots)

	all, err := d.FetchFiles(ctx, remote.FileFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFetchFilesRequestTooLarge(t *testing.T) {
	s := openTestStore(t, Options{MaxFilenames: 2})
	d := testDataset(t, s)

	_, err := d.FetchFiles(context.Background(), remote.FileFilter{Filenames: []string{"a", "b", "c"}})
	assert.ErrorIs(t, err, remote.ErrRequestTooLarge)

	_, err = d.FetchFiles(context.Background(), remote.FileFilter{Filenames: []string{"a", "b"}})
	assert.NoError(t, err)
}

func TestImportAnnotationsOverwriteAndAppend(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	car, err := d.CreateClass(ctx, types.AnnotationClass{Name: "car", AnnotationType: types.TypeTag})
	require.NoError(t, err)
	f, err := d.RegisterFile(ctx, types.RemoteFile{Filename: "a.jpg"}, "")
	require.NoError(t, err)

	record := func(id string) types.AnnotationRecord {
		return types.AnnotationRecord{
			AnnotationClassID: car.ID,
			Data:              map[string]any{"tag": map[string]any{}},
			ContextKeys:       types.ContextKeys{SlotNames: []string{"0"}},
			ID:                id,
		}
	}

	require.NoError(t, d.ImportAnnotations(ctx, f.ID, types.Payload{Annotations: []types.AnnotationRecord{record("1")}, Overwrite: "true"}))
	require.NoError(t, d.ImportAnnotations(ctx, f.ID, types.Payload{Annotations: []types.AnnotationRecord{record("2")}, Overwrite: "false"}))

	got, err := d.Annotations(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)

	require.NoError(t, d.ImportAnnotations(ctx, f.ID, types.Payload{Annotations: []types.AnnotationRecord{record("3")}, Overwrite: "true"}))
	got, err = d.Annotations(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)
}

func TestImportAnnotationsRejectsUnknownFileAndClass(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)

	err := d.ImportAnnotations(ctx, "missing", types.Payload{Overwrite: "true"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	f, err := d.RegisterFile(ctx, types.RemoteFile{Filename: "a.jpg"}, "")
	require.NoError(t, err)
	tree, err := s.CreateTeamClass(ctx, types.AnnotationClass{Name: "tree", AnnotationType: types.TypeTag})
	require.NoError(t, err)

	err = d.ImportAnnotations(ctx, f.ID, types.Payload{
		Annotations: []types.AnnotationRecord{{AnnotationClassID: tree.ID, Data: map[string]any{}}},
		Overwrite:   "true",
	})
	assert.ErrorIs(t, err, remote.ErrInvalidArgument)
}

// ============================================================================
// Team properties
// ============================================================================

func TestCreateAndUpdateProperty(t *testing.T) {
	s := openTestStore(t, Options{Team: "acme"})
	ctx := context.Background()
	d := testDataset(t, s)
	team := s.Team()

	car, err := d.CreateClass(ctx, types.AnnotationClass{Name: "car", AnnotationType: types.TypeTag})
	require.NoError(t, err)

	created, err := team.CreateProperty(ctx, types.Property{
		Name:              "color",
		Type:              "single_select",
		Required:          true,
		AnnotationClassID: car.ID,
		Values:            []types.PropertyValue{{Value: "red", Color: "rgba(255,0,0,1)"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", created.TeamSlug)
	assert.True(t, created.Required)
	require.Len(t, created.Values, 1)
	redID := created.Values[0].ID
	assert.Equal(t, "single_select", created.Values[0].Type)

	updated, err := team.UpdateProperty(ctx, types.Property{
		ID:     created.ID,
		Values: []types.PropertyValue{{Value: "red"}, {Value: "blue"}},
	})
	require.NoError(t, err)
	require.Len(t, updated.Values, 2)
	assert.Equal(t, redID, updated.Values[0].ID, "existing value keeps its id")
	assert.Equal(t, "blue", updated.Values[1].Value)
	require.NotNil(t, updated.Values[1].Position)
	assert.Equal(t, 1, *updated.Values[1].Position)

	props, err := team.Properties(ctx)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, updated, props[0])
}

func TestCreatePropertyErrors(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	d := testDataset(t, s)
	team := s.Team()

	_, err := team.CreateProperty(ctx, types.Property{Name: "color", Type: "single_select", AnnotationClassID: "missing"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	car, err := d.CreateClass(ctx, types.AnnotationClass{Name: "car", AnnotationType: types.TypeTag})
	require.NoError(t, err)
	_, err = team.CreateProperty(ctx, types.Property{Name: "color", Type: "single_select", AnnotationClassID: car.ID})
	require.NoError(t, err)
	_, err = team.CreateProperty(ctx, types.Property{Name: "color", Type: "single_select", AnnotationClassID: car.ID})
	assert.ErrorIs(t, err, remote.ErrInvalidArgument)

	_, err = team.UpdateProperty(ctx, types.Property{ID: "missing"})
	assert.ErrorIs(t, err, remote.ErrNotFound)
}
