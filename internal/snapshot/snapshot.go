package snapshot

// ============================================================================
// 職責說明：
// 1. 將遠端類別清單整理成 type -> name -> id 的查詢表
// 2. 區分「已在資料集中」與「只在團隊中」兩種類別
// 3. 建立 class id -> attribute name -> attribute id 查詢表
// 4. 變更遠端 schema 之後重新抓取，產生新的 Snapshot（不修改舊的）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNoRemoteClasses = errors.New("unable to fetch remote class list")
)

// GlobalClasses are usable by every dataset without being attached to it.
var GlobalClasses = []string{types.RasterLayerClassName}

// ============================================================================
// 查詢表
// ============================================================================

// Lookup maps annotation type to class name to remote class id.
type Lookup map[string]map[string]string

// ID returns the class id for (type, name).
func (l Lookup) ID(annotationType, name string) (string, bool) {
	id, ok := l[annotationType][name]
	return id, ok
}

// Has reports whether (type, name) is present.
func (l Lookup) Has(annotationType, name string) bool {
	_, ok := l.ID(annotationType, name)
	return ok
}

// Len is the number of (type, name) entries.
func (l Lookup) Len() int {
	n := 0
	for _, names := range l {
		n += len(names)
	}
	return n
}

func (l Lookup) add(annotationType, name, id string) {
	if l[annotationType] == nil {
		l[annotationType] = make(map[string]string)
	}
	l[annotationType][name] = id
}

// newLookup indexes classes by each of their main annotation types.
func newLookup(classes []types.RemoteClass, keep func(types.RemoteClass) bool) Lookup {
	l := make(Lookup)
	for _, c := range classes {
		if !keep(c) {
			continue
		}
		for _, t := range c.AnnotationTypes {
			if slices.Contains(types.MainAnnotationTypes, t) {
				l.add(t, c.Name, c.ID)
			}
		}
	}
	return l
}

// ============================================================================
// Snapshot
// ============================================================================

// Snapshot is an immutable view of the remote schema at one point in time.
type Snapshot struct {
	Classes    []types.RemoteClass
	Attributes []types.RemoteAttribute
	InDataset  Lookup // 可直接使用的類別
	InTeam     Lookup // 只存在於團隊、需先加入資料集的類別
	TakenAt    time.Time

	attributes map[string]map[string]string // class id -> name -> attribute id
}

// New builds the lookups for the given classes and attributes.
func New(classes []types.RemoteClass, attributes []types.RemoteAttribute) *Snapshot {
	inDataset := func(c types.RemoteClass) bool {
		return c.Available || slices.Contains(GlobalClasses, c.Name)
	}
	s := &Snapshot{
		Classes:    classes,
		Attributes: attributes,
		InDataset:  newLookup(classes, inDataset),
		InTeam:     newLookup(classes, func(c types.RemoteClass) bool { return !inDataset(c) }),
		TakenAt:    time.Now(),
		attributes: make(map[string]map[string]string),
	}
	for _, a := range attributes {
		if s.attributes[a.ClassID] == nil {
			s.attributes[a.ClassID] = make(map[string]string)
		}
		s.attributes[a.ClassID][a.Name] = a.ID
	}
	return s
}

// Build fetches every team class and the dataset's attributes.
func Build(ctx context.Context, ds remote.Dataset) (*Snapshot, error) {
	return fetch(ctx, ds, true)
}

// Refresh re-fetches the dataset's classes after the schema changed.
// The previous Snapshot is left untouched.
func Refresh(ctx context.Context, ds remote.Dataset) (*Snapshot, error) {
	return fetch(ctx, ds, false)
}

func fetch(ctx context.Context, ds remote.Dataset, teamWide bool) (*Snapshot, error) {
	classes, err := ds.FetchClasses(ctx, teamWide)
	if err != nil {
		return nil, fmt.Errorf("fetch classes: %w", err)
	}
	if len(classes) == 0 {
		return nil, ErrNoRemoteClasses
	}
	attributes, err := ds.FetchAttributes(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch attributes: %w", err)
	}

	s := New(classes, attributes)
	log.Debug("Remote schema snapshot",
		"dataset", ds.Slug(),
		"team_wide", teamWide,
		"in_dataset", s.InDataset.Len(),
		"in_team", s.InTeam.Len(),
		"attributes", len(attributes))
	return s, nil
}

// ClassID resolves a local class to its dataset class id by effective type
// and name. Raster layers always resolve, falling back to the global class.
func (s *Snapshot) ClassID(class types.AnnotationClass) (string, bool) {
	t := class.EffectiveType()
	if id, ok := s.InDataset.ID(t, class.Name); ok {
		return id, true
	}
	if t == types.TypeRasterLayer {
		return s.InDataset.ID(t, types.RasterLayerClassName)
	}
	return "", false
}

// AttributeID resolves an attribute name within a class.
func (s *Snapshot) AttributeID(classID, name string) (string, bool) {
	id, ok := s.attributes[classID][name]
	return id, ok
}
