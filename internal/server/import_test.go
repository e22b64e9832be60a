package server

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/annosync/internal/formats/darwinjson"
	"github.com/ChuLiYu/annosync/internal/importer"
	"github.com/ChuLiYu/annosync/internal/ledger"
	"github.com/ChuLiYu/annosync/internal/store"
	"github.com/ChuLiYu/annosync/pkg/types"
)

const propertyManifest = `{
  "classes": [
    {"name": "car", "type": "bounding_box", "properties": [
      {"name": "color", "type": "single_select", "required": true,
       "property_values": [{"value": "red"}, {"value": "blue"}]}
    ]}
  ]
}`

// TestImportOverGRPC runs a full import through the client against the served
// store.
func TestImportOverGRPC(t *testing.T) {
	h := newHarness(t, store.Options{Team: "acme"})
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/in/.v7/metadata.json", []byte(propertyManifest), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/in/a.json", []byte(`{
  "version": "2.0",
  "item": {"name": "a.jpg", "path": "/cars", "slots": [{"slot_name": "front", "type": "image"}]},
  "annotations": [
    {"id": "1", "name": "car", "bounding_box": {"x": 1, "y": 2, "w": 3, "h": 4},
     "properties": [{"name": "color", "value": "red"}]}
  ]
}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/in/b.json", []byte(`{
  "version": "2.0",
  "item": {"name": "b.jpg", "path": "/cars"},
  "annotations": []
}`), 0o644))

	a, err := h.dataset.RegisterFile(ctx, types.RemoteFile{Filename: "a.jpg", Path: "/cars"}, "")
	require.NoError(t, err)
	_, err = h.dataset.RegisterFile(ctx, types.RemoteFile{Filename: "b.jpg", Path: "/cars"}, "")
	require.NoError(t, err)

	ds, err := h.client.Dataset(ctx, "cars")
	require.NoError(t, err)
	team, err := h.client.Team(ctx)
	require.NoError(t, err)

	im := &importer.Importer{
		Dataset:    ds,
		Team:       team,
		Parser:     darwinjson.NewReader(fs),
		Extensions: darwinjson.Extensions,
		Fs:         fs,
	}
	report, err := im.Run(ctx, []string{"/in"})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stats[ledger.StatusImported])
	assert.Equal(t, 1, report.Stats[ledger.StatusSkipped])
	require.Len(t, report.ClassesCreated, 1)
	require.Len(t, report.PropertiesCreated, 1)
	prop := report.PropertiesCreated[0]
	assert.Equal(t, "acme", prop.TeamSlug)

	records, err := h.dataset.Annotations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, report.ClassesCreated[0].ID, rec.AnnotationClassID)
	assert.Equal(t, []string{"front"}, rec.ContextKeys.SlotNames)
	require.Contains(t, rec.AnnotationProperties, "0")
	assert.Len(t, rec.AnnotationProperties["0"][prop.ID], 2, "a created property contributes all its values")
}
