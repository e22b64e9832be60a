// Package types 定義了 annosync 系統中使用的核心領域模型
package types

import (
	"path"
	"strings"
)

// 標註類型常數
const (
	TypeBoundingBox    = "bounding_box"
	TypeCuboid         = "cuboid"
	TypeEllipse        = "ellipse"
	TypeKeypoint       = "keypoint"
	TypeLine           = "line"
	TypeLink           = "link"
	TypePolygon        = "polygon"
	TypeComplexPolygon = "complex_polygon"
	TypeSkeleton       = "skeleton"
	TypeTag            = "tag"
	TypeString         = "string"
	TypeTable          = "table"
	TypeGraph          = "graph"
	TypeMask           = "mask"
	TypeRasterLayer    = "raster_layer"
)

// MainAnnotationTypes are the class types indexed by a remote schema snapshot.
var MainAnnotationTypes = []string{
	TypeBoundingBox, TypeCuboid, TypeEllipse, TypeKeypoint, TypeLine, TypeLink,
	TypePolygon, TypeSkeleton, TypeTag, TypeString, TypeTable, TypeGraph,
	TypeMask, TypeRasterLayer,
}

// RasterLayerClassName 全域 raster layer 類別名稱，所有資料集皆可使用
const RasterLayerClassName = "__raster_layer__"

// ============================================================================
// 本地標註
// ============================================================================

// AnnotationClass 本地標註類別
type AnnotationClass struct {
	Name           string `json:"name"`                               // 類別名稱
	AnnotationType string `json:"annotation_type"`                    // 名義類型
	InternalType   string `json:"annotation_internal_type,omitempty"` // 內部類型（complex_polygon -> polygon）
}

// EffectiveType returns the internal type when present, the nominal type otherwise.
func (c AnnotationClass) EffectiveType() string {
	if c.InternalType != "" {
		return c.InternalType
	}
	return c.AnnotationType
}

// Author 標註者或審核者
type Author struct {
	Name  string `json:"full_name"`
	Email string `json:"email"`
}

// Slot 檔案中的一個 slot
type Slot struct {
	Name string `json:"slot_name"`
	Type string `json:"type,omitempty"`
}

// SubAnnotation is one of TextSub, AttributesSub, InstanceIDSub or RawSub.
type SubAnnotation interface {
	SubType() string
	isSubAnnotation()
}

// TextSub 文字子標註
type TextSub struct {
	Text string
}

// AttributesSub 屬性名稱清單
type AttributesSub struct {
	Names []string
}

// InstanceIDSub 實例 ID
type InstanceIDSub struct {
	Value int
}

// RawSub carries any other sub-annotation verbatim under its own type key.
type RawSub struct {
	Type string
	Data any
}

func (TextSub) SubType() string       { return "text" }
func (AttributesSub) SubType() string { return "attributes" }
func (InstanceIDSub) SubType() string { return "instance_id" }
func (r RawSub) SubType() string      { return r.Type }

func (TextSub) isSubAnnotation()       {}
func (AttributesSub) isSubAnnotation() {}
func (InstanceIDSub) isSubAnnotation() {}
func (RawSub) isSubAnnotation()        {}

// SelectedProperty 標註上選取的屬性值
type SelectedProperty struct {
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	Value      string `json:"value"`
	FrameIndex *int   `json:"frame_index,omitempty"`
}

// VideoData 影片標註的逐幀資料
type VideoData struct {
	Frames       map[int]*Annotation // 每一幀的標註
	Keyframes    map[int]bool        // 是否為關鍵幀
	Segments     [][]int
	Interpolated bool
	HiddenAreas  [][]int
}

// Annotation 單一標註
type Annotation struct {
	ID         string
	Class      AnnotationClass
	Data       map[string]any
	Subs       []SubAnnotation
	SlotNames  []string
	Annotators []Author
	Reviewers  []Author
	Properties []SelectedProperty
	Video      *VideoData // 非影片標註為 nil
}

// IsVideo reports whether the annotation carries per-frame data.
func (a *Annotation) IsVideo() bool {
	return a.Video != nil
}

// AnnotationFile 解析後的本地標註檔
// 產生後即不可修改，payload 建構不得改動其內容
type AnnotationFile struct {
	Path              string            // 來源路徑
	Filename          string            // 遠端檔名
	RemotePath        string            // 遠端資料夾
	Annotations       []*Annotation     // 標註
	AnnotationClasses []AnnotationClass // 檔案中出現的類別
	Slots             []Slot
}

// FullPath is the remote folder joined with the filename, always rooted at "/".
func (f *AnnotationFile) FullPath() string {
	return fullPath(f.RemotePath, f.Filename)
}

func fullPath(dir, name string) string {
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	return path.Join(dir, name)
}

// ============================================================================
// 遠端資料
// ============================================================================

// RemoteClass 遠端標註類別
type RemoteClass struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	AnnotationTypes []string `json:"annotation_types"`
	Available       bool     `json:"available"` // 是否已加入目前資料集
}

// RemoteAttribute 遠端屬性（attributes 子標註的名稱）
type RemoteAttribute struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ClassID string `json:"class_id"`
}

// RemoteFile 遠端資料集中的檔案紀錄
type RemoteFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Slots    []Slot `json:"slots,omitempty"`
}

// FullPath mirrors AnnotationFile.FullPath for matching.
func (f RemoteFile) FullPath() string {
	return fullPath(f.Path, f.Filename)
}

// PropertyValue 團隊屬性的一個選項
type PropertyValue struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Value    string `json:"value"`
	Color    string `json:"color,omitempty"`
	Position *int   `json:"position,omitempty"`
}

// Property 團隊屬性
type Property struct {
	ID                string          `json:"id,omitempty"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	Required          bool            `json:"required"`
	Description       string          `json:"description,omitempty"`
	TeamSlug          string          `json:"slug,omitempty"`
	AnnotationClassID string          `json:"annotation_class_id"`
	Values            []PropertyValue `json:"property_values"`
}

// ============================================================================
// 上傳 payload
// ============================================================================

// Actor 寫入 payload 的標註者/審核者
type Actor struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// 角色
const (
	RoleAnnotator = "annotator"
	RoleReviewer  = "reviewer"
)

// ContextKeys 標註所屬的 slot
type ContextKeys struct {
	SlotNames []string `json:"slot_names"`
}

// PropertyValueIDs maps property id to the selected value ids.
type PropertyValueIDs map[string][]string

// AnnotationRecord 單一標註在上傳 payload 中的形態
type AnnotationRecord struct {
	AnnotationClassID    string                      `json:"annotation_class_id"`
	Data                 map[string]any              `json:"data"`
	ContextKeys          ContextKeys                 `json:"context_keys"`
	ID                   string                      `json:"id,omitempty"`
	Actors               []Actor                     `json:"actors,omitempty"`
	AnnotationProperties map[string]PropertyValueIDs `json:"annotation_properties,omitempty"`
}

// Payload 一個檔案的上傳內容
type Payload struct {
	Annotations []AnnotationRecord `json:"annotations"`
	Overwrite   string             `json:"overwrite"`
}
