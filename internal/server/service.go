package server

import (
	"context"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/service"
)

// Service is the evaluation surface the transports depend on.
type Service interface {
	Evaluate(ctx context.Context, req service.EvaluateRequest) (core.Result, error)
	EvaluateAll(ctx context.Context, req service.EvaluateAllRequest) (map[string]core.Result, error)
	EvaluateExperiment(ctx context.Context, req service.ExperimentRequest) (core.Result, error)
	ListFeatures(ctx context.Context, environment string, draft bool) ([]service.FeatureSummary, error)
	Info() service.SnapshotInfo
}

var _ Service = (*service.Service)(nil)
