package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	assignmentv1 "github.com/matt-riley/bucketz/api/assignment/v1"
	"github.com/matt-riley/bucketz/internal/service"
)

// GRPCServer implements the AssignmentService. Messages are Structs carrying
// the same documents as the HTTP API.
type GRPCServer struct {
	service Service
}

var _ assignmentv1.AssignmentServiceServer = (*GRPCServer)(nil)

func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}
	return &GRPCServer{service: svc}
}

func (s *GRPCServer) EvaluateFeature(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateJSONRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	result, err := s.service.Evaluate(ctx, request.toService())
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(result)
}

func (s *GRPCServer) EvaluateAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request evaluateAllJSONRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	results, err := s.service.EvaluateAll(ctx, request.toService())
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(evaluateAllJSONResponse{Results: results})
}

func toGRPCError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrUnknownEnvironment):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func decodeStruct(req *structpb.Struct, dst any) error {
	if req == nil {
		return errors.New("request is required")
	}

	data, err := protojson.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := decodeJSON(bytes.NewReader(data), dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}
