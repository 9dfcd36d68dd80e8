// Package secrets is the client for the remote secret-management gRPC service. Requests and
// responses are plain Go structs; the wire messages are built with dynamicpb from an in-memory
// descriptor of secret_service.proto.
package secrets

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Secret is one key/value pair.
type Secret struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ListRequest selects the secrets of one runner environment. Version zero means latest.
type ListRequest struct {
	RunnerID      string
	EnvironmentID string
	Version       int64
}

// ListResponse is the GetAllSecrets answer.
type ListResponse struct {
	Secrets []Secret `json:"secrets"`
	Version int64    `json:"version"`
}

// WriteRequest creates or updates one secret.
type WriteRequest struct {
	RunnerID      string `json:"runner_id"`
	EnvironmentID string `json:"environment_id"`
	Key           string `json:"secret_key"`
	Value         string `json:"secret_value"`
}

// DeleteRequest removes one secret.
type DeleteRequest struct {
	RunnerID      string `json:"runner_id"`
	EnvironmentID string `json:"environment_id"`
	Key           string `json:"secret_key"`
}

// Result is the SimpleSecretResponse answer to create, update and delete.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Version int64  `json:"version"`
}

// Client calls SecretService. It is safe for concurrent use.
type Client struct {
	conn   grpc.ClientConnInterface
	closer func() error
}

// Dial connects to addr. An http:// address uses plaintext, https:// uses TLS, and a bare
// host:port is plaintext. The connection is established lazily on first call.
func Dial(addr string) (*Client, error) {
	target, creds, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c == nil || c.closer == nil {
		return nil
	}
	return c.closer()
}

func parseAddr(addr string) (string, credentials.TransportCredentials, error) {
	addr = strings.TrimSpace(addr)
	switch {
	case addr == "":
		return "", nil, fmt.Errorf("secrets: empty address")
	case strings.HasPrefix(addr, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(addr, "https://"), "/"),
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12}), nil
	case strings.HasPrefix(addr, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(addr, "http://"), "/"), insecure.NewCredentials(), nil
	case strings.Contains(addr, "://"):
		return "", nil, fmt.Errorf("secrets: unsupported address scheme in %q", addr)
	default:
		return addr, insecure.NewCredentials(), nil
	}
}

// List returns every secret of the runner environment.
func (c *Client) List(ctx context.Context, req ListRequest) (*ListResponse, error) {
	d, err := schema()
	if err != nil {
		return nil, err
	}
	in := dynamicpb.NewMessage(d.listReq)
	setString(in, "runner_id", req.RunnerID)
	setString(in, "environment_id", req.EnvironmentID)
	setInt64(in, "version", req.Version)

	out := dynamicpb.NewMessage(d.listResp)
	if err := c.conn.Invoke(ctx, methodList, in, out); err != nil {
		return nil, err
	}

	resp := &ListResponse{Secrets: []Secret{}, Version: getInt64(out, "version")}
	list := out.Get(out.Descriptor().Fields().ByName("secrets")).List()
	for i := 0; i < list.Len(); i++ {
		m := list.Get(i).Message()
		resp.Secrets = append(resp.Secrets, Secret{Key: getString(m, "key"), Value: getString(m, "value")})
	}
	return resp, nil
}

// Create stores a new secret.
func (c *Client) Create(ctx context.Context, req WriteRequest) (*Result, error) {
	return c.write(ctx, methodCreate, func(d *descriptors) protoreflect.MessageDescriptor { return d.createReq }, req)
}

// Update replaces an existing secret's value.
func (c *Client) Update(ctx context.Context, req WriteRequest) (*Result, error) {
	return c.write(ctx, methodUpdate, func(d *descriptors) protoreflect.MessageDescriptor { return d.updateReq }, req)
}

// Delete removes a secret.
func (c *Client) Delete(ctx context.Context, req DeleteRequest) (*Result, error) {
	d, err := schema()
	if err != nil {
		return nil, err
	}
	in := dynamicpb.NewMessage(d.deleteReq)
	setString(in, "runner_id", req.RunnerID)
	setString(in, "environment_id", req.EnvironmentID)
	setString(in, "secret_key", req.Key)
	return c.simple(ctx, d, methodDelete, in)
}

func (c *Client) write(ctx context.Context, method string, pick func(*descriptors) protoreflect.MessageDescriptor, req WriteRequest) (*Result, error) {
	d, err := schema()
	if err != nil {
		return nil, err
	}
	in := dynamicpb.NewMessage(pick(d))
	setString(in, "runner_id", req.RunnerID)
	setString(in, "environment_id", req.EnvironmentID)
	setString(in, "secret_key", req.Key)
	setString(in, "secret_value", req.Value)
	return c.simple(ctx, d, method, in)
}

func (c *Client) simple(ctx context.Context, d *descriptors, method string, in *dynamicpb.Message) (*Result, error) {
	out := dynamicpb.NewMessage(d.simple)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return &Result{
		Success: getBool(out, "success"),
		Message: getString(out, "message"),
		Version: getInt64(out, "version"),
	}, nil
}

func field(m protoreflect.Message, name string) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(protoreflect.Name(name))
}

func setString(m protoreflect.Message, name, v string) {
	m.Set(field(m, name), protoreflect.ValueOfString(v))
}

func setInt64(m protoreflect.Message, name string, v int64) {
	m.Set(field(m, name), protoreflect.ValueOfInt64(v))
}

func getString(m protoreflect.Message, name string) string { return m.Get(field(m, name)).String() }

func getInt64(m protoreflect.Message, name string) int64 { return m.Get(field(m, name)).Int() }

func getBool(m protoreflect.Message, name string) bool { return m.Get(field(m, name)).Bool() }
