package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ChuLiYu/annosync/internal/metadata"
	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
)

// Property description markers stored on team properties touched by an import.
const (
	DescriptionCreated = "property-created-during-annotation-import"
	DescriptionUpdated = "property-updated-during-annotation-import"
)

// Reasons carried by PropertyError. Match them with errors.Is.
var (
	ErrClassNotInManifest    = errors.New("annotation class not found in metadata")
	ErrPropertyNotInManifest = errors.New("property not found in metadata")
	ErrValueRequired         = errors.New("property requires a value")
	ErrOptionNotInManifest   = errors.New("property value not found in metadata options")
)

// PropertyError aborts the whole import: a selection cannot be reconciled.
type PropertyError struct {
	Class    string
	Property string
	Value    string
	Type     string
	Manifest string
	Reason   error
}

func (e *PropertyError) Error() string {
	switch {
	case errors.Is(e.Reason, ErrClassNotInManifest):
		return fmt.Sprintf("annotation %q not found in %s", e.Class, e.Manifest)
	case errors.Is(e.Reason, ErrOptionNotInManifest):
		return fmt.Sprintf("annotation %q: property %q value %q (%s) not found in %s",
			e.Class, e.Property, e.Value, e.Type, e.Manifest)
	default:
		return fmt.Sprintf("annotation %q: property %q: %v", e.Class, e.Property, e.Reason)
	}
}

func (e *PropertyError) Unwrap() error { return e.Reason }

// PropertyMap maps annotation class id to property id to selected value ids.
type PropertyMap map[string]types.PropertyValueIDs

// Add records value ids, keeping each id once.
func (m PropertyMap) Add(classID, propertyID string, valueIDs ...string) {
	if m[classID] == nil {
		m[classID] = make(types.PropertyValueIDs)
	}
	ids := m[classID][propertyID]
	if ids == nil {
		ids = []string{}
	}
	for _, id := range valueIDs {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	m[classID][propertyID] = ids
}

// PropertyPlan holds the outcome of ResolveProperties.
type PropertyPlan struct {
	Create   []types.Property
	Update   []types.Property
	Existing PropertyMap
}

// Empty reports whether the team needs no change.
func (p PropertyPlan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0
}

// ClassResolver maps a local class to its dataset class id.
type ClassResolver func(types.AnnotationClass) (string, bool)

type propertyKey struct{ name, classID string }

type updateKey struct{ propertyID, value, typ string }

// ResolveProperties decides which team properties must be created or
// extended so that every selected property of the given annotations has a
// registered value. Every annotation's class must be declared in the
// manifest, whether or not it selects a property. Annotations whose class
// does not resolve are ignored; they never reach the payload either.
func ResolveProperties(
	annotations []*types.Annotation,
	resolve ClassResolver,
	manifest *metadata.Manifest,
	teamProps []types.Property,
	teamSlug string,
) (PropertyPlan, error) {
	plan := PropertyPlan{Existing: make(PropertyMap)}

	team := make(map[propertyKey]types.Property, len(teamProps))
	for _, p := range teamProps {
		team[propertyKey{p.Name, p.AnnotationClassID}] = p
	}
	creating := make(map[propertyKey]bool)
	updating := make(map[updateKey]bool)

	for _, ann := range annotations {
		classID, ok := resolve(ann.Class)
		if !ok {
			continue
		}
		name, typ := ann.Class.Name, ann.Class.EffectiveType()

		if !manifest.HasClass(name, typ) {
			return plan, &PropertyError{Class: name, Manifest: manifest.Path(), Reason: ErrClassNotInManifest}
		}

		for _, sel := range ann.Properties {
			perr := &PropertyError{Class: name, Property: sel.Name, Value: sel.Value, Type: sel.Type, Manifest: manifest.Path()}

			mProp, ok := manifest.Property(name, sel.Name)
			if !ok {
				perr.Reason = ErrPropertyNotInManifest
				return plan, perr
			}
			selType := sel.Type
			if selType == "" {
				selType = mProp.Type
				perr.Type = selType
			}
			if mProp.Required && sel.Value == "" {
				perr.Reason = ErrValueRequired
				return plan, perr
			}
			option, ok := mProp.HasOption(sel.Value, selType)
			if !ok {
				perr.Reason = ErrOptionNotInManifest
				return plan, perr
			}

			key := propertyKey{sel.Name, classID}
			tProp, exists := team[key]
			if !exists {
				if !creating[key] {
					creating[key] = true
					plan.Create = append(plan.Create, newTeamProperty(mProp, classID, teamSlug))
				}
				continue
			}

			if tProp.Required && sel.Value == "" {
				perr.Reason = ErrValueRequired
				return plan, perr
			}

			valueID, registered := registeredValue(tProp, sel.Value, selType)
			if !registered {
				uk := updateKey{tProp.ID, sel.Value, selType}
				if !updating[uk] {
					updating[uk] = true
					plan.Update = append(plan.Update, types.Property{
						ID:                tProp.ID,
						Name:              sel.Name,
						Type:              mProp.Type,
						Required:          mProp.Required,
						Description:       DescriptionUpdated,
						TeamSlug:          teamSlug,
						AnnotationClassID: classID,
						Values:            []types.PropertyValue{{Type: option.Type, Value: option.Value, Color: option.Color}},
					})
				}
				continue
			}
			plan.Existing.Add(classID, tProp.ID, valueID)
		}
	}
	return plan, nil
}

func newTeamProperty(m metadata.Property, classID, teamSlug string) types.Property {
	p := types.Property{
		Name:              m.Name,
		Type:              m.Type,
		Required:          m.Required,
		Description:       DescriptionCreated,
		TeamSlug:          teamSlug,
		AnnotationClassID: classID,
		Values:            []types.PropertyValue{},
	}
	for i, o := range m.Options() {
		pos := i
		p.Values = append(p.Values, types.PropertyValue{Type: o.Type, Value: o.Value, Color: o.Color, Position: &pos})
	}
	return p
}

func registeredValue(p types.Property, value, typ string) (string, bool) {
	for _, v := range p.Values {
		if v.Value == value && v.Type == typ {
			return v.ID, true
		}
	}
	return "", false
}

// PropertyResult summarizes what ApplyProperties did.
type PropertyResult struct {
	Map     PropertyMap
	Created []types.Property
	Updated []types.Property
}

// ApplyProperties runs the plan's creates, then its updates, and merges the
// resulting value ids into the plan's existing map. A created property
// contributes all of its values; an updated one contributes the values the
// update registered.
func ApplyProperties(ctx context.Context, team remote.Team, plan PropertyPlan) (PropertyResult, error) {
	res := PropertyResult{Map: plan.Existing}
	if res.Map == nil {
		res.Map = make(PropertyMap)
	}

	if len(plan.Create) > 0 {
		log.Info("Creating properties", "count", len(plan.Create))
	}
	for _, p := range plan.Create {
		log.Info("Creating property", "name", p.Name, "type", p.Type, "class_id", p.AnnotationClassID)
		created, err := team.CreateProperty(ctx, p)
		if err != nil {
			return res, fmt.Errorf("create property %q: %w", p.Name, err)
		}
		ids := make([]string, 0, len(created.Values))
		for _, v := range created.Values {
			ids = append(ids, v.ID)
		}
		res.Map.Add(p.AnnotationClassID, created.ID, ids...)
		res.Created = append(res.Created, created)
	}

	if len(plan.Update) > 0 {
		log.Info("Updating properties", "count", len(plan.Update))
	}
	for _, p := range plan.Update {
		log.Info("Updating property", "name", p.Name, "type", p.Type, "class_id", p.AnnotationClassID)
		updated, err := team.UpdateProperty(ctx, p)
		if err != nil {
			return res, fmt.Errorf("update property %q: %w", p.Name, err)
		}
		for _, want := range p.Values {
			if id, ok := registeredValue(updated, want.Value, want.Type); ok {
				res.Map.Add(p.AnnotationClassID, p.ID, id)
			}
		}
		res.Updated = append(res.Updated, updated)
	}
	return res, nil
}

// ReconcileProperties fetches the team's properties, resolves the plan and
// applies it. It is a barrier: run it once before any upload.
func ReconcileProperties(
	ctx context.Context,
	team remote.Team,
	manifest *metadata.Manifest,
	annotations []*types.Annotation,
	resolve ClassResolver,
) (PropertyResult, error) {
	teamProps, err := team.Properties(ctx)
	if err != nil {
		return PropertyResult{}, fmt.Errorf("fetch team properties: %w", err)
	}
	plan, err := ResolveProperties(annotations, resolve, manifest, teamProps, team.Slug())
	if err != nil {
		return PropertyResult{}, err
	}
	return ApplyProperties(ctx, team, plan)
}
