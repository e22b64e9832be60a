package metadata

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestJSON = `{
  "version": "1.0",
  "classes": [
    {
      "name": "car",
      "type": "bounding_box",
      "properties": [
        {
          "name": "color",
          "type": "single_select",
          "required": true,
          "property_values": [
            {"value": "red", "color": "rgba(255,0,0,1)"},
            {"value": "blue", "color": "rgba(0,0,255,1)"}
          ]
        }
      ]
    }
  ]
}`

const manifestYAML = `
version: "1.0"
classes:
  - name: lake
    type: polygon
    properties:
      - name: depth
        type: multi_select
        property_values:
          - value: shallow
          - value: deep
            type: single_select
`

func TestLoadJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/.v7/metadata.json", []byte(manifestJSON), 0o644))

	m, err := Load(fs, "/data/.v7/metadata.json")
	require.NoError(t, err)
	assert.Equal(t, "/data/.v7/metadata.json", m.Path())
	assert.True(t, m.HasClass("car", "bounding_box"))
	assert.False(t, m.HasClass("car", "polygon"))

	p, ok := m.Property("car", "color")
	require.True(t, ok)
	assert.True(t, p.Required)

	opt, ok := p.HasOption("red", "single_select")
	require.True(t, ok)
	assert.Equal(t, "rgba(255,0,0,1)", opt.Color)

	_, ok = p.HasOption("green", "single_select")
	assert.False(t, ok)
}

func TestLoadYAMLDefaultsOptionType(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/manifest.yaml", []byte(manifestYAML), 0o644))

	m, err := Load(fs, "/manifest.yaml")
	require.NoError(t, err)

	p, ok := m.Property("lake", "depth")
	require.True(t, ok)
	opts := p.Options()
	require.Len(t, opts, 2)
	assert.Equal(t, "multi_select", opts[0].Type)
	assert.Equal(t, "single_select", opts[1].Type)
}

func TestLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte("{"), 0o644))
	_, err = Load(fs, "/bad.json")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDiscover(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/.v7/metadata.json", []byte(manifestJSON), 0o644))

	path, ok := Discover(fs, "/data/image1.json")
	assert.True(t, ok)
	assert.Equal(t, "/data/.v7/metadata.json", path)

	_, ok = Discover(fs, "/other/image1.json")
	assert.False(t, ok)
}
