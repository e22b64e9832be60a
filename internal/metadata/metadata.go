// Package metadata reads the property manifest exported next to annotation
// files (.v7/metadata.json). The manifest declares, per annotation class, the
// properties an annotation may select and their allowed values.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// DirName and FileName locate the manifest relative to an annotation folder.
const (
	DirName  = ".v7"
	FileName = "metadata.json"
)

var (
	ErrNotFound = errors.New("metadata manifest not found")
	ErrInvalid  = errors.New("invalid metadata manifest")
)

// Value is one allowed option of a property.
type Value struct {
	Value string `json:"value" yaml:"value"`
	Color string `json:"color,omitempty" yaml:"color,omitempty"`
	Type  string `json:"type,omitempty" yaml:"type,omitempty"`
}

// Property describes a property a class may carry.
type Property struct {
	Name        string  `json:"name" yaml:"name"`
	Type        string  `json:"type" yaml:"type"`
	Required    bool    `json:"required" yaml:"required"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Values      []Value `json:"property_values" yaml:"property_values"`
}

// Options returns the allowed values with each option's type defaulting to
// the property's type.
func (p Property) Options() []Value {
	out := make([]Value, len(p.Values))
	for i, v := range p.Values {
		if v.Type == "" {
			v.Type = p.Type
		}
		out[i] = v
	}
	return out
}

// HasOption reports whether (value, type) is one of the allowed options.
func (p Property) HasOption(value, typ string) (Value, bool) {
	for _, o := range p.Options() {
		if o.Value == value && o.Type == typ {
			return o, true
		}
	}
	return Value{}, false
}

// Class is an annotation class declared in the manifest.
type Class struct {
	Name       string     `json:"name" yaml:"name"`
	Type       string     `json:"type" yaml:"type"`
	Properties []Property `json:"properties" yaml:"properties"`
}

// Manifest is a parsed metadata file.
type Manifest struct {
	Version string  `json:"version" yaml:"version"`
	Classes []Class `json:"classes" yaml:"classes"`

	path string
}

// Path is where the manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// HasClass reports whether a class with this name and type is declared.
func (m *Manifest) HasClass(name, typ string) bool {
	for _, c := range m.Classes {
		if c.Name == name && c.Type == typ {
			return true
		}
	}
	return false
}

// Property finds a class's property by name. Later declarations win, as the
// same class name may appear with several types.
func (m *Manifest) Property(className, propName string) (Property, bool) {
	var (
		found Property
		ok    bool
	)
	for _, c := range m.Classes {
		if c.Name != className {
			continue
		}
		for _, p := range c.Properties {
			if p.Name == propName {
				found, ok = p, true
			}
		}
	}
	return found, ok
}

// Load reads a manifest. Files ending in .json are decoded as JSON, anything
// else as YAML.
func Load(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var m Manifest
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &m)
	} else {
		err = yaml.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	m.path = path
	return &m, nil
}

// Discover returns the manifest path that sits next to an annotation file,
// i.e. <dir>/.v7/metadata.json, when it exists.
func Discover(fs afero.Fs, annotationPath string) (string, bool) {
	candidate := filepath.Join(filepath.Dir(annotationPath), DirName, FileName)
	info, err := fs.Stat(candidate)
	if err != nil || info.IsDir() {
		return "", false
	}
	return candidate, true
}
