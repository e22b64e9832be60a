package remote

// ============================================================================
// gRPC 傳輸格式
// ============================================================================
//
// 服務 annosync.v1.DatasetService 的每個方法都以 google.protobuf.Struct
// 作為請求與回應，內容是下列 Go 結構的 JSON 形態。
// 錯誤以 gRPC status code 傳遞：
//   ResourceExhausted ↔ ErrRequestTooLarge
//   NotFound          ↔ ErrNotFound
//   InvalidArgument   ↔ ErrInvalidArgument
//
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/annosync/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "annosync.v1.DatasetService"

// Method names.
const (
	MethodDatasetInfo       = "DatasetInfo"
	MethodFetchClasses      = "FetchClasses"
	MethodFetchAttributes   = "FetchAttributes"
	MethodFetchFiles        = "FetchFiles"
	MethodCreateClass       = "CreateClass"
	MethodAddClass          = "AddClass"
	MethodImportAnnotations = "ImportAnnotations"
	MethodListProperties    = "ListProperties"
	MethodCreateProperty    = "CreateProperty"
	MethodUpdateProperty    = "UpdateProperty"
)

// FullMethod returns "/<service>/<method>".
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ============================================================================
// 請求 / 回應
// ============================================================================

// DatasetRequest addresses a dataset; the other fields depend on the method.
type DatasetRequest struct {
	Dataset  string                 `json:"dataset"`
	TeamWide bool                   `json:"team_wide,omitempty"`
	Filter   *FileFilter            `json:"filter,omitempty"`
	Class    *types.AnnotationClass `json:"class,omitempty"`
	ClassID  string                 `json:"class_id,omitempty"`
	FileID   string                 `json:"file_id,omitempty"`
	Payload  *types.Payload         `json:"payload,omitempty"`
}

// DatasetInfoResponse describes a dataset.
type DatasetInfoResponse struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// ClassesResponse carries FetchClasses results.
type ClassesResponse struct {
	Classes []types.RemoteClass `json:"classes"`
}

// AttributesResponse carries FetchAttributes results.
type AttributesResponse struct {
	Attributes []types.RemoteAttribute `json:"attributes"`
}

// FilesResponse carries FetchFiles results.
type FilesResponse struct {
	Files []types.RemoteFile `json:"files"`
}

// ClassResponse carries the class created by CreateClass.
type ClassResponse struct {
	Class types.RemoteClass `json:"class"`
}

// PropertyRequest carries the property to create or update.
type PropertyRequest struct {
	Property types.Property `json:"property"`
}

// PropertyResponse carries the stored property.
type PropertyResponse struct {
	Property types.Property `json:"property"`
}

// PropertiesResponse carries the team and its properties.
type PropertiesResponse struct {
	Team       string           `json:"team"`
	Properties []types.Property `json:"properties"`
}

// Empty is the response of methods returning nothing.
type Empty struct{}

// ============================================================================
// 編碼
// ============================================================================

// Encode converts v to a Struct through its JSON form. v must encode to a
// JSON object.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// Decode fills v from a Struct.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// ============================================================================
// 錯誤對應
// ============================================================================

// ToStatus maps an error to a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatus maps a gRPC status error back to this package's sentinels.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrRequestTooLarge, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, st.Message())
	default:
		return err
	}
}
