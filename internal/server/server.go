// Package server exposes a store over gRPC as annosync.v1.DatasetService.
// Messages are google.protobuf.Struct values; see internal/remote for the
// request and response shapes.
package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/annosync/internal/remote"
	"github.com/ChuLiYu/annosync/internal/store"
)

var log = slog.Default()

// DatasetService is the handler interface registered with gRPC.
type DatasetService interface {
	DatasetInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchClasses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchAttributes(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchFiles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateClass(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddClass(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ImportAnnotations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListProperties(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateProperty(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateProperty(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(DatasetService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(DatasetService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: remote.FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(DatasetService), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes DatasetService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: remote.ServiceName,
	HandlerType: (*DatasetService)(nil),
	Methods: []grpc.MethodDesc{
		unary(remote.MethodDatasetInfo, DatasetService.DatasetInfo),
		unary(remote.MethodFetchClasses, DatasetService.FetchClasses),
		unary(remote.MethodFetchAttributes, DatasetService.FetchAttributes),
		unary(remote.MethodFetchFiles, DatasetService.FetchFiles),
		unary(remote.MethodCreateClass, DatasetService.CreateClass),
		unary(remote.MethodAddClass, DatasetService.AddClass),
		unary(remote.MethodImportAnnotations, DatasetService.ImportAnnotations),
		unary(remote.MethodListProperties, DatasetService.ListProperties),
		unary(remote.MethodCreateProperty, DatasetService.CreateProperty),
		unary(remote.MethodUpdateProperty, DatasetService.UpdateProperty),
	},
	Streams: []grpc.StreamDesc{},
}

// Server implements DatasetService on top of a store.
type Server struct {
	store *store.Store
}

var _ DatasetService = (*Server)(nil)

// New creates a server for st.
func New(st *store.Store) *Server {
	return &Server{store: st}
}

// NewGRPCServer returns a grpc.Server with s registered and request logging
// installed.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(logRequests))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&ServiceDesc, s)
	return gs
}

func logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("Request failed", "method", info.FullMethod, "code", status.Code(err), "error", err, "duration", time.Since(start))
	} else {
		log.Debug("Request served", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// handle decodes the request, runs fn and encodes its response. Errors are
// mapped to status codes.
func handle[Req, Resp any](in *structpb.Struct, fn func(Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := remote.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := fn(req)
	if err != nil {
		return nil, remote.ToStatus(err)
	}
	out, err := remote.Encode(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ============================================================================
// Dataset methods
// ============================================================================

func (s *Server) DatasetInfo(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.DatasetInfoResponse, error) {
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.DatasetInfoResponse{}, err
		}
		info := d.Info()
		return remote.DatasetInfoResponse{Slug: info.Slug, Name: info.Name, Version: info.Version}, nil
	})
}

func (s *Server) FetchClasses(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.ClassesResponse, error) {
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.ClassesResponse{}, err
		}
		classes, err := d.FetchClasses(ctx, req.TeamWide)
		return remote.ClassesResponse{Classes: classes}, err
	})
}

func (s *Server) FetchAttributes(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.AttributesResponse, error) {
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.AttributesResponse{}, err
		}
		attrs, err := d.FetchAttributes(ctx)
		return remote.AttributesResponse{Attributes: attrs}, err
	})
}

func (s *Server) FetchFiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.FilesResponse, error) {
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.FilesResponse{}, err
		}
		var filter remote.FileFilter
		if req.Filter != nil {
			filter = *req.Filter
		}
		files, err := d.FetchFiles(ctx, filter)
		return remote.FilesResponse{Files: files}, err
	})
}

func (s *Server) CreateClass(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.ClassResponse, error) {
		if req.Class == nil {
			return remote.ClassResponse{}, status.Error(codes.InvalidArgument, "class is required")
		}
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.ClassResponse{}, err
		}
		rc, err := d.CreateClass(ctx, *req.Class)
		return remote.ClassResponse{Class: rc}, err
	})
}

func (s *Server) AddClass(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.Empty, error) {
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.Empty{}, err
		}
		return remote.Empty{}, d.AddClass(ctx, req.ClassID)
	})
}

func (s *Server) ImportAnnotations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.DatasetRequest) (remote.Empty, error) {
		if req.Payload == nil {
			return remote.Empty{}, status.Error(codes.InvalidArgument, "payload is required")
		}
		d, err := s.store.OpenDataset(ctx, req.Dataset)
		if err != nil {
			return remote.Empty{}, err
		}
		return remote.Empty{}, d.ImportAnnotations(ctx, req.FileID, *req.Payload)
	})
}

// ============================================================================
// Team methods
// ============================================================================

func (s *Server) ListProperties(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(remote.Empty) (remote.PropertiesResponse, error) {
		team := s.store.Team()
		props, err := team.Properties(ctx)
		return remote.PropertiesResponse{Team: team.Slug(), Properties: props}, err
	})
}

func (s *Server) CreateProperty(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.PropertyRequest) (remote.PropertyResponse, error) {
		p, err := s.store.Team().CreateProperty(ctx, req.Property)
		return remote.PropertyResponse{Property: p}, err
	})
}

func (s *Server) UpdateProperty(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return handle(in, func(req remote.PropertyRequest) (remote.PropertyResponse, error) {
		p, err := s.store.Team().UpdateProperty(ctx, req.Property)
		return remote.PropertyResponse{Property: p}, err
	})
}
