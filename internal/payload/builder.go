// Package payload turns parsed annotations into the records uploaded for a
// file. Each record is {class id, type-keyed data, slot names, id, actors,
// properties}; the transforms run in a fixed order and never modify the
// parsed file.
package payload

import (
	"log/slog"
	"slices"
	"strconv"

	"github.com/ChuLiYu/annosync/internal/snapshot"
	"github.com/ChuLiYu/annosync/pkg/types"
)

// UnsupportedTypes cannot be imported and are skipped with a warning.
var UnsupportedTypes = []string{types.TypeString, types.TypeGraph}

// DefaultSlotName is used when a remote file has no slots.
const DefaultSlotName = "0"

// propertiesSlot is the container key annotation properties are stamped under.
const propertiesSlot = "0"

// Builder converts annotations into upload records.
type Builder struct {
	Snapshot         *snapshot.Snapshot
	DatasetVersion   int
	ImportAnnotators bool
	ImportReviewers  bool
	// Properties maps class id to property id to value ids.
	Properties map[string]types.PropertyValueIDs
	Logger     *slog.Logger
}

// Stats counts annotations left out of a file's payload.
type Stats struct {
	Unsupported  int
	Unresolved   int
	DroppedMasks int
	DroppedAttrs int
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build returns the records for one file, in annotation order.
func (b *Builder) Build(file *types.AnnotationFile, defaultSlot string) ([]types.AnnotationRecord, Stats) {
	var stats Stats
	log := b.logger().With("file", file.FullPath())
	records := make([]types.AnnotationRecord, 0, len(file.Annotations))
	masks := newMaskCheck(file.Annotations)

	for _, ann := range file.Annotations {
		t := ann.Class.EffectiveType()
		if slices.Contains(UnsupportedTypes, t) {
			log.Warn("Annotation type is not supported, skipping", "class", ann.Class.Name, "type", t)
			stats.Unsupported++
			continue
		}

		classID, ok := b.Snapshot.ClassID(ann.Class)
		if !ok {
			log.Warn("Annotation class is not in the remote classes, skipping", "class", ann.Class.Name, "type", t)
			stats.Unresolved++
			continue
		}

		if t == types.TypeMask && !masks.keep(ann) {
			log.Warn("Skipping mask annotation without a corresponding raster layer entry",
				"class", ann.Class.Name, "id", ann.ID)
			stats.DroppedMasks++
			continue
		}

		var data map[string]any
		if ann.IsVideo() {
			data = b.videoData(ann, classID, log, &stats)
		} else {
			raw := ann.Data
			if ann.Class.AnnotationType == types.TypeRasterLayer {
				raw = masks.layerData(ann)
			}
			data = b.frameData(ann, raw, classID, log, &stats)
		}

		rec := types.AnnotationRecord{
			AnnotationClassID: classID,
			Data:              data,
			ContextKeys:       types.ContextKeys{SlotNames: b.slotNames(ann, defaultSlot)},
			ID:                ann.ID,
			Actors:            b.actors(ann),
		}
		if props := b.Properties[classID]; len(props) > 0 {
			rec.AnnotationProperties = map[string]types.PropertyValueIDs{propertiesSlot: props}
		}
		records = append(records, rec)
	}
	return records, stats
}

// frameData builds {type: data} and applies the complex polygon rewrite and
// the sub-annotation merge.
func (b *Builder) frameData(ann *types.Annotation, raw map[string]any, classID string, log *slog.Logger, stats *Stats) map[string]any {
	data := map[string]any{ann.Class.AnnotationType: raw}
	rewriteComplexPolygon(data, raw)
	b.mergeSubs(data, ann, classID, log, stats)
	return data
}

// videoData keeps only keyframes; every keyframe goes through frameData.
func (b *Builder) videoData(ann *types.Annotation, classID string, log *slog.Logger, stats *Stats) map[string]any {
	v := ann.Video
	frames := make(map[string]any)
	for idx, frame := range v.Frames {
		if !v.Keyframes[idx] || frame == nil {
			continue
		}
		fd := b.frameData(frame, frame.Data, classID, log, stats)
		fd["keyframe"] = true
		frames[strconv.Itoa(idx)] = fd
	}

	out := map[string]any{
		"frames":       frames,
		"interpolated": v.Interpolated,
	}
	if v.Segments != nil {
		out["segments"] = v.Segments
	}
	if v.HiddenAreas != nil {
		out["hidden_areas"] = v.HiddenAreas
	}
	return out
}

// rewriteComplexPolygon replaces a complex_polygon key with a polygon whose
// primary path is the first path and the rest are additional paths.
func rewriteComplexPolygon(data map[string]any, raw map[string]any) {
	if _, ok := data[types.TypeComplexPolygon]; !ok {
		return
	}
	delete(data, types.TypeComplexPolygon)

	paths := toSlice(raw["paths"])
	polygon := map[string]any{"additional_paths": []any{}}
	if len(paths) > 0 {
		polygon["path"] = paths[0]
		polygon["additional_paths"] = paths[1:]
	}
	data[types.TypePolygon] = polygon
}

func (b *Builder) mergeSubs(data map[string]any, ann *types.Annotation, classID string, log *slog.Logger, stats *Stats) {
	for _, sub := range ann.Subs {
		switch s := sub.(type) {
		case types.TextSub:
			data["text"] = map[string]any{"text": s.Text}
		case types.AttributesSub:
			ids := make([]string, 0, len(s.Names))
			for _, name := range s.Names {
				id, ok := b.Snapshot.AttributeID(classID, name)
				if !ok {
					log.Warn("Attribute was not imported", "attribute", name, "class", ann.Class.Name)
					stats.DroppedAttrs++
					continue
				}
				ids = append(ids, id)
			}
			data["attributes"] = map[string]any{"attributes": ids}
		case types.InstanceIDSub:
			data["instance_id"] = map[string]any{"value": s.Value}
		case types.RawSub:
			data[s.Type] = s.Data
		}
	}
}

// slotNames defaults to the file's slot on datasets that use slots.
func (b *Builder) slotNames(ann *types.Annotation, defaultSlot string) []string {
	if len(ann.SlotNames) > 0 {
		return slices.Clone(ann.SlotNames)
	}
	if b.DatasetVersion > 1 {
		return []string{defaultSlot}
	}
	return []string{}
}

func (b *Builder) actors(ann *types.Annotation) []types.Actor {
	var actors []types.Actor
	if b.ImportAnnotators {
		for _, a := range ann.Annotators {
			actors = append(actors, types.Actor{Email: a.Email, Role: types.RoleAnnotator})
		}
	}
	if b.ImportReviewers {
		for _, r := range ann.Reviewers {
			actors = append(actors, types.Actor{Email: r.Email, Role: types.RoleReviewer})
		}
	}
	return actors
}

// DefaultSlot picks the slot used for annotations without slot names: the
// parsed file's first slot when named, else the remote file's first slot,
// else "0".
func DefaultSlot(local *types.AnnotationFile, remoteFile types.RemoteFile) string {
	if len(local.Slots) > 0 && local.Slots[0].Name != "" {
		return local.Slots[0].Name
	}
	if len(remoteFile.Slots) > 0 && remoteFile.Slots[0].Name != "" {
		return remoteFile.Slots[0].Name
	}
	return DefaultSlotName
}

// New wraps records into the upload payload.
func New(records []types.AnnotationRecord, appendMode bool) types.Payload {
	if records == nil {
		records = []types.AnnotationRecord{}
	}
	overwrite := "true"
	if appendMode {
		overwrite = "false"
	}
	return types.Payload{Annotations: records, Overwrite: overwrite}
}
