package server

import (
	"context"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/service"
)

type fakeService struct {
	evaluateFunc           func(context.Context, service.EvaluateRequest) (core.Result, error)
	evaluateAllFunc        func(context.Context, service.EvaluateAllRequest) (map[string]core.Result, error)
	evaluateExperimentFunc func(context.Context, service.ExperimentRequest) (core.Result, error)
	listFeaturesFunc       func(context.Context, string, bool) ([]service.FeatureSummary, error)
	info                   service.SnapshotInfo
}

func (f *fakeService) Evaluate(ctx context.Context, req service.EvaluateRequest) (core.Result, error) {
	if f.evaluateFunc == nil {
		return core.Result{}, nil
	}
	return f.evaluateFunc(ctx, req)
}

func (f *fakeService) EvaluateAll(ctx context.Context, req service.EvaluateAllRequest) (map[string]core.Result, error) {
	if f.evaluateAllFunc == nil {
		return map[string]core.Result{}, nil
	}
	return f.evaluateAllFunc(ctx, req)
}

func (f *fakeService) EvaluateExperiment(ctx context.Context, req service.ExperimentRequest) (core.Result, error) {
	if f.evaluateExperimentFunc == nil {
		return core.Result{}, nil
	}
	return f.evaluateExperimentFunc(ctx, req)
}

func (f *fakeService) ListFeatures(ctx context.Context, environment string, draft bool) ([]service.FeatureSummary, error) {
	if f.listFeaturesFunc == nil {
		return []service.FeatureSummary{}, nil
	}
	return f.listFeaturesFunc(ctx, environment, draft)
}

func (f *fakeService) Info() service.SnapshotInfo {
	return f.info
}

func experimentResult() core.Result {
	index := 0
	return core.Result{
		Value:     core.String("treatment"),
		Source:    core.SourceExperiment,
		RuleIndex: &index,
		RuleID:    "us-ca",
		Experiment: &core.ExperimentMeta{
			Key:            "checkout-flow",
			VariationIndex: 1,
			InExperiment:   true,
			HashUsed:       0.6829858131241053,
			HashAttribute:  "id",
			HashValue:      "alice",
		},
	}
}
