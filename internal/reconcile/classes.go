// Package reconcile brings the remote schema in line with what the local files
// use: missing classes are created or attached, and selected properties are
// created or extended on the team.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/internal/snapshot"
	"github.com/ChuLiYu/annosync/pkg/types"
)

var log = slog.Default()

var (
	// ErrDeclined is returned when the user refuses a schema change.
	ErrDeclined = errors.New("schema change declined")
)

// SkeletonClassesError lists skeleton classes that would have to be created.
// Skeleton classes cannot be created during import.
type SkeletonClassesError struct {
	Names []string
}

func (e *SkeletonClassesError) Error() string {
	return fmt.Sprintf("cannot create skeleton classes during import, create them first: %s",
		strings.Join(e.Names, ", "))
}

// ClassPlan is the outcome of comparing local classes with the remote schema.
type ClassPlan struct {
	ToAttach []types.AnnotationClass // 團隊已有，需加入資料集
	ToCreate []types.AnnotationClass // 團隊沒有，需新建
}

// Empty reports whether the plan changes nothing.
func (p ClassPlan) Empty() bool {
	return len(p.ToAttach) == 0 && len(p.ToCreate) == 0
}

// Skeletons returns the names of skeleton classes queued for creation.
func (p ClassPlan) Skeletons() []string {
	var names []string
	for _, c := range p.ToCreate {
		if c.EffectiveType() == types.TypeSkeleton {
			names = append(names, c.Name)
		}
	}
	return names
}

// Validate rejects plans that would create skeleton classes.
func (p ClassPlan) Validate() error {
	if names := p.Skeletons(); len(names) > 0 {
		return &SkeletonClassesError{Names: names}
	}
	return nil
}

type classKey struct{ typ, name string }

// ResolveClasses splits local classes into those to attach and those to
// create. A class already in the dataset is skipped, and a (type, name) pair
// already queued in either list is not queued again. Order follows first
// appearance.
func ResolveClasses(local []types.AnnotationClass, inDataset, inTeam snapshot.Lookup) ClassPlan {
	var plan ClassPlan
	queued := make(map[classKey]bool)

	for _, c := range local {
		t := c.EffectiveType()
		if inDataset.Has(t, c.Name) {
			continue
		}
		key := classKey{t, c.Name}
		if queued[key] {
			continue
		}
		queued[key] = true

		if inTeam.Has(t, c.Name) {
			plan.ToAttach = append(plan.ToAttach, c)
		} else {
			plan.ToCreate = append(plan.ToCreate, c)
		}
	}
	return plan
}

// ApplyResult summarizes the schema mutations performed.
type ApplyResult struct {
	Created  []types.RemoteClass
	Attached []types.AnnotationClass
}

// Changed reports whether the remote schema was modified.
func (r ApplyResult) Changed() bool {
	return len(r.Created) > 0 || len(r.Attached) > 0
}

// ApplyClasses executes a plan against the dataset. It validates first so no
// mutation happens when skeleton classes are queued. When prompter is not
// nil the user confirms the team classes to create; a refusal returns
// ErrDeclined. Attaching existing team classes needs no confirmation.
func ApplyClasses(ctx context.Context, ds remote.Dataset, snap *snapshot.Snapshot, plan ClassPlan, prompter remote.Prompter) (ApplyResult, error) {
	var res ApplyResult
	if err := plan.Validate(); err != nil {
		return res, err
	}

	if len(plan.ToCreate) > 0 {
		if err := confirm(ctx, prompter, fmt.Sprintf("Create %d new class(es) in the team: %s?",
			len(plan.ToCreate), classNames(plan.ToCreate))); err != nil {
			return res, err
		}
		for _, c := range plan.ToCreate {
			rc, err := ds.CreateClass(ctx, c)
			if err != nil {
				return res, fmt.Errorf("create class %q (%s): %w", c.Name, c.EffectiveType(), err)
			}
			log.Info("Created class", "name", c.Name, "type", c.EffectiveType(), "id", rc.ID)
			res.Created = append(res.Created, rc)
		}
	}

	if len(plan.ToAttach) > 0 {
		log.Info("Adding team classes to dataset", "dataset", ds.Slug(), "classes", classNames(plan.ToAttach))
		for _, c := range plan.ToAttach {
			id, _ := snap.InTeam.ID(c.EffectiveType(), c.Name)
			if err := ds.AddClass(ctx, id); err != nil {
				return res, fmt.Errorf("add class %q to dataset: %w", c.Name, err)
			}
			log.Info("Added class to dataset", "name", c.Name, "id", id)
			res.Attached = append(res.Attached, c)
		}
	}
	return res, nil
}

func confirm(ctx context.Context, prompter remote.Prompter, message string) error {
	if prompter == nil {
		return nil
	}
	ok, err := prompter.Confirm(ctx, message)
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	if !ok {
		return ErrDeclined
	}
	return nil
}

func classNames(classes []types.AnnotationClass) string {
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = fmt.Sprintf("%s (%s)", c.Name, c.EffectiveType())
	}
	return strings.Join(names, ", ")
}
