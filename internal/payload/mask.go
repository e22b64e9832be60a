package payload

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/ChuLiYu/annosync/pkg/types"
)

// Raster layer data keys.
const (
	keyDenseRLE    = "dense_rle"
	keyMaskMapping = "mask_annotation_ids_mapping"
)

// maskCheck is computed once per file. The first annotation whose nominal type
// is raster_layer is the reference; a mask survives only if its mapping value
// is one of the ids recorded at even positions of the layer's dense RLE.
type maskCheck struct {
	layer   *types.Annotation
	dropped map[string]bool
}

func newMaskCheck(annotations []*types.Annotation) maskCheck {
	mc := maskCheck{dropped: make(map[string]bool)}
	for _, a := range annotations {
		if a.Class.AnnotationType == types.TypeRasterLayer {
			mc.layer = a
			break
		}
	}
	if mc.layer == nil {
		return mc
	}

	ids := make(map[string]bool)
	rle := toSlice(mc.layer.Data[keyDenseRLE])
	for i := 0; i < len(rle); i += 2 {
		ids[numberKey(rle[i])] = true
	}
	mapping := toMap(mc.layer.Data[keyMaskMapping])

	for _, a := range annotations {
		if a.Class.EffectiveType() != types.TypeMask {
			continue
		}
		v, ok := mapping[a.ID]
		if !ok || !ids[numberKey(v)] {
			mc.dropped[a.ID] = true
		}
	}
	return mc
}

// keep reports whether a mask annotation survives.
func (mc maskCheck) keep(a *types.Annotation) bool {
	return !mc.dropped[a.ID]
}

// layerData returns a copy of the reference layer's data without the dropped
// masks in its mapping. Other raster layers are returned unchanged.
func (mc maskCheck) layerData(a *types.Annotation) map[string]any {
	if a != mc.layer || len(mc.dropped) == 0 {
		return a.Data
	}
	data := maps.Clone(a.Data)
	mapping := make(map[string]any)
	for id, v := range toMap(a.Data[keyMaskMapping]) {
		if !mc.dropped[id] {
			mapping[id] = v
		}
	}
	data[keyMaskMapping] = mapping
	return data
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	case []float64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	}
	return nil
}

func toMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]int:
		out := make(map[string]any, len(m))
		for k, x := range m {
			out[k] = x
		}
		return out
	}
	return nil
}

// numberKey normalizes JSON numbers and Go ints to the same key.
func numberKey(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case string:
		return n
	}
	return fmt.Sprint(v)
}
