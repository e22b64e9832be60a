package remote

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/annosync/pkg/types"
)

// Client talks to a DatasetService over gRPC.
type Client struct {
	conn grpc.ClientConnInterface
}

// Dial opens an insecure connection to address. The caller closes it.
func Dial(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	return conn, nil
}

// NewClient wraps an open connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return fmt.Errorf("%s: %w", method, FromStatus(err))
	}
	return Decode(out, resp)
}

// Dataset looks up a dataset and returns a handle for it.
func (c *Client) Dataset(ctx context.Context, slug string) (*DatasetClient, error) {
	var info DatasetInfoResponse
	if err := c.invoke(ctx, MethodDatasetInfo, DatasetRequest{Dataset: slug}, &info); err != nil {
		return nil, err
	}
	return &DatasetClient{c: c, info: info}, nil
}

// Team returns a handle for the team owning the server's datasets.
func (c *Client) Team(ctx context.Context) (*TeamClient, error) {
	var resp PropertiesResponse
	if err := c.invoke(ctx, MethodListProperties, Empty{}, &resp); err != nil {
		return nil, err
	}
	return &TeamClient{c: c, slug: resp.Team}, nil
}

// ============================================================================
// Dataset
// ============================================================================

// DatasetClient implements Dataset over gRPC.
type DatasetClient struct {
	c    *Client
	info DatasetInfoResponse
}

var _ Dataset = (*DatasetClient)(nil)

func (d *DatasetClient) Slug() string { return d.info.Slug }

// Name is the dataset's display name.
func (d *DatasetClient) Name() string { return d.info.Name }

func (d *DatasetClient) Version() int { return d.info.Version }

func (d *DatasetClient) request() DatasetRequest {
	return DatasetRequest{Dataset: d.info.Slug}
}

func (d *DatasetClient) FetchClasses(ctx context.Context, teamWide bool) ([]types.RemoteClass, error) {
	req := d.request()
	req.TeamWide = teamWide
	var resp ClassesResponse
	if err := d.c.invoke(ctx, MethodFetchClasses, req, &resp); err != nil {
		return nil, err
	}
	return resp.Classes, nil
}

func (d *DatasetClient) FetchAttributes(ctx context.Context) ([]types.RemoteAttribute, error) {
	var resp AttributesResponse
	if err := d.c.invoke(ctx, MethodFetchAttributes, d.request(), &resp); err != nil {
		return nil, err
	}
	return resp.Attributes, nil
}

func (d *DatasetClient) FetchFiles(ctx context.Context, filter FileFilter) ([]types.RemoteFile, error) {
	req := d.request()
	req.Filter = &filter
	var resp FilesResponse
	if err := d.c.invoke(ctx, MethodFetchFiles, req, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

func (d *DatasetClient) CreateClass(ctx context.Context, class types.AnnotationClass) (types.RemoteClass, error) {
	req := d.request()
	req.Class = &class
	var resp ClassResponse
	if err := d.c.invoke(ctx, MethodCreateClass, req, &resp); err != nil {
		return types.RemoteClass{}, err
	}
	return resp.Class, nil
}

func (d *DatasetClient) AddClass(ctx context.Context, classID string) error {
	req := d.request()
	req.ClassID = classID
	return d.c.invoke(ctx, MethodAddClass, req, &Empty{})
}

func (d *DatasetClient) ImportAnnotations(ctx context.Context, fileID string, payload types.Payload) error {
	req := d.request()
	req.FileID = fileID
	req.Payload = &payload
	return d.c.invoke(ctx, MethodImportAnnotations, req, &Empty{})
}

// ============================================================================
// Team
// ============================================================================

// TeamClient implements Team over gRPC.
type TeamClient struct {
	c    *Client
	slug string
}

var _ Team = (*TeamClient)(nil)

func (t *TeamClient) Slug() string { return t.slug }

func (t *TeamClient) Properties(ctx context.Context) ([]types.Property, error) {
	var resp PropertiesResponse
	if err := t.c.invoke(ctx, MethodListProperties, Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Properties, nil
}

func (t *TeamClient) CreateProperty(ctx context.Context, prop types.Property) (types.Property, error) {
	var resp PropertyResponse
	if err := t.c.invoke(ctx, MethodCreateProperty, PropertyRequest{Property: prop}, &resp); err != nil {
		return types.Property{}, err
	}
	return resp.Property, nil
}

func (t *TeamClient) UpdateProperty(ctx context.Context, prop types.Property) (types.Property, error) {
	var resp PropertyResponse
	if err := t.c.invoke(ctx, MethodUpdateProperty, PropertyRequest{Property: prop}, &resp); err != nil {
		return types.Property{}, err
	}
	return resp.Property, nil
}
