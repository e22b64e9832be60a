package snapshot

// ============================================================================
// Snapshot 測試檔案
// 職責：驗證查詢表分類、類別解析、原子性寫入與載入
// ============================================================================

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================

func testClasses() []types.RemoteClass {
	return []types.RemoteClass{
		{ID: "c1", Name: "car", AnnotationTypes: []string{"bounding_box"}, Available: true},
		{ID: "c2", Name: "tree", AnnotationTypes: []string{"polygon", "attributes"}, Available: false},
		{ID: "c3", Name: types.RasterLayerClassName, AnnotationTypes: []string{"raster_layer"}, Available: false},
		{ID: "c4", Name: "road", AnnotationTypes: []string{"mask"}, Available: true},
		{ID: "c5", Name: "label", AnnotationTypes: []string{"text"}, Available: true},
	}
}

// fakeDataset 只實作快照需要的方法
type fakeDataset struct {
	remote.Dataset
	classes  []types.RemoteClass
	attrs    []types.RemoteAttribute
	teamWide []bool
	err      error
}

func (f *fakeDataset) Slug() string { return "cars" }

func (f *fakeDataset) FetchClasses(_ context.Context, teamWide bool) ([]types.RemoteClass, error) {
	f.teamWide = append(f.teamWide, teamWide)
	return f.classes, f.err
}

func (f *fakeDataset) FetchAttributes(context.Context) ([]types.RemoteAttribute, error) {
	return f.attrs, nil
}

// ============================================================================
// 查詢表
// ============================================================================

// TestNewSplitsDatasetAndTeam 測試可用類別與全域類別歸入資料集，其餘歸入團隊
func TestNewSplitsDatasetAndTeam(t *testing.T) {
	s := New(testClasses(), nil)

	assert.True(t, s.InDataset.Has("bounding_box", "car"))
	assert.True(t, s.InDataset.Has("mask", "road"))
	assert.True(t, s.InDataset.Has("raster_layer", types.RasterLayerClassName))
	assert.False(t, s.InDataset.Has("polygon", "tree"))

	assert.True(t, s.InTeam.Has("polygon", "tree"))
	assert.False(t, s.InTeam.Has("bounding_box", "car"))

	// 非主要類型（attributes、text）不建索引
	assert.Nil(t, s.InTeam["attributes"])
	assert.Nil(t, s.InDataset["text"])
	assert.Equal(t, 3, s.InDataset.Len())
}

func TestClassIDUsesEffectiveType(t *testing.T) {
	s := New([]types.RemoteClass{
		{ID: "p1", Name: "lake", AnnotationTypes: []string{"polygon"}, Available: true},
	}, nil)

	id, ok := s.ClassID(types.AnnotationClass{Name: "lake", AnnotationType: "complex_polygon", InternalType: "polygon"})
	require.True(t, ok)
	assert.Equal(t, "p1", id)

	_, ok = s.ClassID(types.AnnotationClass{Name: "lake", AnnotationType: "bounding_box"})
	assert.False(t, ok)
}

func TestClassIDRasterLayerFallsBackToGlobal(t *testing.T) {
	s := New(testClasses(), nil)
	id, ok := s.ClassID(types.AnnotationClass{Name: "my layer", AnnotationType: "raster_layer"})
	require.True(t, ok)
	assert.Equal(t, "c3", id)
}

func TestAttributeID(t *testing.T) {
	s := New(testClasses(), []types.RemoteAttribute{
		{ID: "a1", Name: "occluded", ClassID: "c1"},
		{ID: "a2", Name: "occluded", ClassID: "c4"},
	})

	id, ok := s.AttributeID("c4", "occluded")
	require.True(t, ok)
	assert.Equal(t, "a2", id)

	_, ok = s.AttributeID("c1", "truncated")
	assert.False(t, ok)
}

// ============================================================================
// 遠端抓取
// ============================================================================

func TestBuildAndRefresh(t *testing.T) {
	ds := &fakeDataset{classes: testClasses()}

	first, err := Build(context.Background(), ds)
	require.NoError(t, err)

	ds.classes = append(ds.classes, types.RemoteClass{ID: "c9", Name: "bike", AnnotationTypes: []string{"bounding_box"}, Available: true})
	second, err := Refresh(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, ds.teamWide)
	assert.False(t, first.InDataset.Has("bounding_box", "bike"), "old snapshot must not change")
	assert.True(t, second.InDataset.Has("bounding_box", "bike"))
}

func TestBuildNoClasses(t *testing.T) {
	_, err := Build(context.Background(), &fakeDataset{})
	assert.ErrorIs(t, err, ErrNoRemoteClasses)
}

func TestBuildFetchError(t *testing.T) {
	boom := errors.New("unavailable")
	_, err := Build(context.Background(), &fakeDataset{err: boom})
	assert.ErrorIs(t, err, boom)
}

// ============================================================================
// 快照檔案
// ============================================================================

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")
	manager := NewManager(path)

	original := New(testClasses(), []types.RemoteAttribute{{ID: "a1", Name: "occluded", ClassID: "c1"}})
	require.NoError(t, manager.Write("cars", original))
	assert.True(t, manager.Exists())

	dataset, loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, "cars", dataset)
	assert.Equal(t, original.InDataset, loaded.InDataset)
	assert.Equal(t, original.InTeam, loaded.InTeam)

	id, ok := loaded.AttributeID("c1", "occluded")
	assert.True(t, ok)
	assert.Equal(t, "a1", id)

	// 臨時檔案不應殘留
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	_, _, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, _, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 7}`), 0644))

	_, _, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
