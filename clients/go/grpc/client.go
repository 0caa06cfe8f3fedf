// Package grpc provides a gRPC client for a bucketz assignment server.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	assignmentv1 "github.com/matt-riley/bucketz/api/assignment/v1"
	bucketz "github.com/matt-riley/bucketz/clients/go"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the bucketz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements bucketz.Evaluator over gRPC.
type Client struct {
	cfg  Config
	stub assignmentv1.AssignmentServiceClient
	conn *grpc.ClientConn
}

var _ bucketz.Evaluator = (*Client)(nil)

// NewGRPCClient creates a client for the bucketz gRPC server. Call Close
// when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("bucketz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, stub: assignmentv1.NewAssignmentServiceClient(conn), conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) Evaluate(ctx context.Context, req bucketz.EvaluateRequest) (bucketz.Result, error) {
	in, err := toStruct(req)
	if err != nil {
		return bucketz.Result{}, err
	}

	out, err := c.stub.EvaluateFeature(c.authCtx(ctx), in)
	if err != nil {
		return bucketz.Result{}, fmt.Errorf("bucketz: evaluate feature: %w", err)
	}

	var result bucketz.Result
	if err := fromStruct(out, &result); err != nil {
		return bucketz.Result{}, err
	}
	return result, nil
}

func (c *Client) EvaluateAll(ctx context.Context, req bucketz.EvaluateAllRequest) (map[string]bucketz.Result, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}

	out, err := c.stub.EvaluateAll(c.authCtx(ctx), in)
	if err != nil {
		return nil, fmt.Errorf("bucketz: evaluate all: %w", err)
	}

	var resp struct {
		Results map[string]bucketz.Result `json:"results"`
	}
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = map[string]bucketz.Result{}
	}
	return resp.Results, nil
}

// -- wire helpers ------------------------------------------------------------

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bucketz: marshal request: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("bucketz: encode request: %w", err)
	}
	return out, nil
}

// fromStruct decodes a response Struct. Struct numbers are doubles, so the
// integer fields of a result round-trip exactly only below 2^53.
func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return fmt.Errorf("bucketz: empty response")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("bucketz: decode response: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("bucketz: decode response: %w", err)
	}
	return nil
}
