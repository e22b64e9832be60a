// Package darwinjson reads annotation files in the Darwin JSON 2.0 format.
//
// A file describes one item (name, folder path, slots) and its annotations.
// Each annotation carries exactly one main type key (bounding_box, polygon,
// ...) next to optional sub-annotation keys (text, attributes, instance_id,
// ...). Video annotations carry per-frame data under "frames" instead.
package darwinjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/annosync/pkg/types"
)

var (
	// ErrUnsupportedVersion is returned for files that are not Darwin JSON 2.x.
	ErrUnsupportedVersion = errors.New("unsupported darwin json version")
	// ErrInvalidFile is returned for files that cannot be decoded.
	ErrInvalidFile = errors.New("invalid darwin json file")
)

// Extensions are the file extensions this reader handles.
var Extensions = []string{".json"}

// mainTypes in detection order. Polygon comes before bounding_box because
// exported polygons also carry their bounding box.
var mainTypes = []string{
	types.TypePolygon,
	types.TypeComplexPolygon,
	types.TypeBoundingBox,
	types.TypeTag,
	types.TypeLine,
	types.TypeKeypoint,
	types.TypeEllipse,
	types.TypeCuboid,
	types.TypeSkeleton,
	types.TypeTable,
	types.TypeString,
	types.TypeGraph,
	types.TypeMask,
	types.TypeRasterLayer,
	types.TypeLink,
}

// rawSubTypes are sub-annotations passed through verbatim.
var rawSubTypes = []string{"directional_vector", "inference", "measures"}

type document struct {
	Version     string            `json:"version"`
	Item        item              `json:"item"`
	Annotations []json.RawMessage `json:"annotations"`
}

type item struct {
	Name  string       `json:"name"`
	Path  string       `json:"path"`
	Slots []types.Slot `json:"slots"`
}

// Reader parses Darwin JSON files from a filesystem.
type Reader struct {
	Fs afero.Fs
}

// NewReader returns a reader over fs; nil means the OS filesystem.
func NewReader(fs afero.Fs) *Reader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Reader{Fs: fs}
}

// Parse implements worker.Parser. A file yields exactly one AnnotationFile.
func (r *Reader) Parse(path string) ([]*types.AnnotationFile, error) {
	data, err := afero.ReadFile(r.Fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return []*types.AnnotationFile{f}, nil
}

// Decode parses one Darwin JSON document.
func Decode(data []byte) (*types.AnnotationFile, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFile, err)
	}
	if !strings.HasPrefix(doc.Version, "2.") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, doc.Version)
	}
	if doc.Item.Name == "" {
		return nil, fmt.Errorf("%w: item name is missing", ErrInvalidFile)
	}

	remotePath := doc.Item.Path
	if remotePath == "" {
		remotePath = "/"
	}
	f := &types.AnnotationFile{
		Filename:    doc.Item.Name,
		RemotePath:  remotePath,
		Slots:       doc.Item.Slots,
		Annotations: make([]*types.Annotation, 0, len(doc.Annotations)),
	}

	seen := make(map[types.AnnotationClass]bool)
	for i, raw := range doc.Annotations {
		ann, err := decodeAnnotation(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: annotation %d: %v", ErrInvalidFile, i, err)
		}
		f.Annotations = append(f.Annotations, ann)
		if !seen[ann.Class] {
			seen[ann.Class] = true
			f.AnnotationClasses = append(f.AnnotationClasses, ann.Class)
		}
	}
	return f, nil
}

type fields map[string]json.RawMessage

func (f fields) decode(key string, v any) (bool, error) {
	raw, ok := f[key]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return true, nil
}

type header struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	SlotNames  []string                 `json:"slot_names"`
	Annotators []types.Author           `json:"annotators"`
	Reviewers  []types.Author           `json:"reviewers"`
	Properties []types.SelectedProperty `json:"properties"`
}

func decodeAnnotation(raw json.RawMessage) (*types.Annotation, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if h.Name == "" {
		return nil, errors.New("annotation name is missing")
	}

	ann := &types.Annotation{
		ID:         h.ID,
		SlotNames:  h.SlotNames,
		Annotators: h.Annotators,
		Reviewers:  h.Reviewers,
		Properties: h.Properties,
	}

	if _, ok := f["frames"]; ok {
		return decodeVideo(ann, h.Name, f)
	}

	class, data, err := mainData(h.Name, f)
	if err != nil {
		return nil, err
	}
	subs, err := subAnnotations(f)
	if err != nil {
		return nil, err
	}
	ann.Class = class
	ann.Data = data
	ann.Subs = subs
	return ann, nil
}

// mainData finds the annotation's main type and returns its class and data.
func mainData(name string, f fields) (types.AnnotationClass, map[string]any, error) {
	for _, t := range mainTypes {
		var data map[string]any
		ok, err := f.decode(t, &data)
		if err != nil {
			return types.AnnotationClass{}, nil, err
		}
		if !ok {
			continue
		}
		if data == nil {
			data = map[string]any{}
		}
		if t == types.TypePolygon {
			return polygon(name, data)
		}
		class := types.AnnotationClass{Name: name, AnnotationType: t}
		if t == types.TypeComplexPolygon {
			class.InternalType = types.TypePolygon
		}
		return class, data, nil
	}
	return types.AnnotationClass{}, nil, fmt.Errorf("annotation %q has no supported type", name)
}

// polygon maps {"paths": [...]} to a polygon with one path, or to a complex
// polygon when there are several.
func polygon(name string, data map[string]any) (types.AnnotationClass, map[string]any, error) {
	paths, _ := data["paths"].([]any)
	if len(paths) > 1 {
		return types.AnnotationClass{
			Name:           name,
			AnnotationType: types.TypeComplexPolygon,
			InternalType:   types.TypePolygon,
		}, map[string]any{"paths": paths}, nil
	}
	class := types.AnnotationClass{Name: name, AnnotationType: types.TypePolygon}
	if len(paths) == 1 {
		return class, map[string]any{"path": paths[0]}, nil
	}
	return class, data, nil
}

func subAnnotations(f fields) ([]types.SubAnnotation, error) {
	var subs []types.SubAnnotation

	var text struct {
		Text string `json:"text"`
	}
	if ok, err := f.decode("text", &text); err != nil {
		return nil, err
	} else if ok {
		subs = append(subs, types.TextSub{Text: text.Text})
	}

	var attrs []string
	if ok, err := f.decode("attributes", &attrs); err != nil {
		return nil, err
	} else if ok {
		subs = append(subs, types.AttributesSub{Names: attrs})
	}

	var instance struct {
		Value int `json:"value"`
	}
	if ok, err := f.decode("instance_id", &instance); err != nil {
		return nil, err
	} else if ok {
		subs = append(subs, types.InstanceIDSub{Value: instance.Value})
	}

	for _, t := range rawSubTypes {
		var data any
		if ok, err := f.decode(t, &data); err != nil {
			return nil, err
		} else if ok {
			subs = append(subs, types.RawSub{Type: t, Data: data})
		}
	}
	return subs, nil
}

func decodeVideo(ann *types.Annotation, name string, f fields) (*types.Annotation, error) {
	var frames map[string]json.RawMessage
	if _, err := f.decode("frames", &frames); err != nil {
		return nil, err
	}
	video := &types.VideoData{
		Frames:    make(map[int]*types.Annotation, len(frames)),
		Keyframes: make(map[int]bool, len(frames)),
	}
	if _, err := f.decode("ranges", &video.Segments); err != nil {
		return nil, err
	}
	if _, err := f.decode("interpolated", &video.Interpolated); err != nil {
		return nil, err
	}
	if _, err := f.decode("hidden_areas", &video.HiddenAreas); err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(frames))
	for key := range frames {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("frame index %q: %w", key, err)
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	for _, idx := range indexes {
		var ff fields
		if err := json.Unmarshal(frames[strconv.Itoa(idx)], &ff); err != nil {
			return nil, fmt.Errorf("frame %d: %w", idx, err)
		}
		class, data, err := mainData(name, ff)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", idx, err)
		}
		subs, err := subAnnotations(ff)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", idx, err)
		}
		var keyframe bool
		if _, err := ff.decode("keyframe", &keyframe); err != nil {
			return nil, fmt.Errorf("frame %d: %w", idx, err)
		}

		// The first frame decides the class of the whole annotation.
		if ann.Class.Name == "" {
			ann.Class = class
		}
		video.Frames[idx] = &types.Annotation{ID: ann.ID, Class: class, Data: data, Subs: subs}
		video.Keyframes[idx] = keyframe
	}
	if ann.Class.Name == "" {
		return nil, fmt.Errorf("video annotation %q has no frames", name)
	}
	ann.Video = video
	return ann, nil
}
