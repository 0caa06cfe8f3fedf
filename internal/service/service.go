// Package service owns the active definitions snapshot and exposes the
// evaluation entry points used by the HTTP, gRPC and ops transports.
//
// A snapshot is loaded from a [source.Source] at startup, rebuilt whenever the
// source signals a change, and resynced on a ticker as a safety net. Readers
// never block on reloads: they evaluate against whichever snapshot was active
// when the call started.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/snapshot"
	"github.com/matt-riley/bucketz/internal/source"
)

const (
	defaultResyncInterval = time.Minute
	reloadTimeout         = 5 * time.Second
	tracerName            = "github.com/matt-riley/bucketz/internal/service"
)

var (
	ErrUnknownEnvironment = errors.New("unknown environment")
	ErrInvalidRequest     = errors.New("invalid request")
)

// EvaluateRequest selects one feature in one environment.
type EvaluateRequest struct {
	Environment string
	Feature     string
	Attributes  core.Attributes
	Draft       bool
	Trace       bool
}

// EvaluateAllRequest evaluates every feature of an environment.
type EvaluateAllRequest struct {
	Environment string
	Attributes  core.Attributes
	Draft       bool
	Trace       bool
}

// ExperimentRequest evaluates a running experiment directly.
type ExperimentRequest struct {
	Experiment string
	Attributes core.Attributes
	Trace      bool
}

// FeatureSummary describes one compiled feature.
type FeatureSummary struct {
	Key          string     `json:"key"`
	DefaultValue core.Value `json:"defaultValue"`
	Rules        int        `json:"rules"`
	InvalidRules int        `json:"invalidRules"`
}

// SnapshotInfo describes the active snapshot.
type SnapshotInfo struct {
	Revision     string                            `json:"revision"`
	Source       string                            `json:"source"`
	LoadedAt     time.Time                         `json:"loadedAt"`
	Environments map[string]map[snapshot.State]int `json:"environments"`
	Experiments  []string                          `json:"experiments"`
	Diagnostics  []snapshot.Diagnostic             `json:"diagnostics"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for reload and diagnostics messages.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithResyncInterval sets how often the source is reloaded without a change
// signal.
func WithResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// Recorder receives snapshot and evaluation metrics. *metrics.Metrics
// satisfies it.
type Recorder interface {
	IncSnapshotLoads()
	IncSnapshotLoadFailures()
	IncSnapshotInvalidations()
	ResetSnapshotFeatures()
	SetSnapshotFeatures(environment, state string, count float64)
	SetSnapshotDiagnostics(fatal, nonFatal float64)
	RecordEvaluation(source string)
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(recorder Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

type Service struct {
	source         source.Source
	store          *snapshot.Store
	logger         *slog.Logger
	resyncInterval time.Duration
	recorder       Recorder
	tracer         trace.Tracer

	// reloadMu serializes reloads so concurrent signals never build two
	// snapshots from the same load.
	reloadMu sync.Mutex
}

// New loads the first snapshot and starts the reload loop, which stops when
// ctx is done. A source that has no payload yet starts the service with an
// empty snapshot; any other load error is returned.
func New(ctx context.Context, src source.Source, opts ...Option) (*Service, error) {
	if src == nil {
		return nil, errors.New("definitions source is nil")
	}

	svc := &Service{
		source:         src,
		store:          snapshot.NewStore(),
		logger:         slog.Default(),
		resyncInterval: defaultResyncInterval,
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.Reload(ctx); err != nil {
		if !errors.Is(err, source.ErrNoPayload) {
			return nil, err
		}
		svc.logger.Warn("definitions not published yet, serving empty snapshot", "source", src.Name())
	}

	if err := svc.startReloadLoop(ctx); err != nil {
		return nil, err
	}

	return svc, nil
}

// Reload loads the source and swaps in a new snapshot. The active snapshot
// is kept when loading fails or the revision is unchanged.
func (s *Service) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	bundle, revision, err := s.source.Load(ctx)
	if err != nil {
		if s.recorder != nil {
			s.recorder.IncSnapshotLoadFailures()
		}
		return fmt.Errorf("load definitions from %s: %w", s.source.Name(), err)
	}

	if current := s.store.Load(); current.Revision != "" && current.Revision == revision {
		return nil
	}

	next := snapshot.Build(bundle, revision)
	s.store.Swap(next)

	s.logger.Info("definitions snapshot loaded",
		"source", s.source.Name(),
		"revision", revision,
		"environments", len(next.Environments),
		"experiments", len(next.Experiments),
		"diagnostics", len(next.Diagnostics),
	)
	s.logDiagnostics(next)
	s.recordSnapshot(next)

	return nil
}

func (s *Service) logDiagnostics(snap *snapshot.Snapshot) {
	for _, diagnostic := range snap.Diagnostics {
		s.logger.Warn("invalid rule configuration",
			"environment", diagnostic.Environment,
			"state", diagnostic.State,
			"feature", diagnostic.Feature,
			"rule_index", diagnostic.RuleIndex,
			"rule_id", diagnostic.RuleID,
			"fatal", diagnostic.Fatal,
			"error", diagnostic.Message,
		)
	}
}

func (s *Service) recordSnapshot(snap *snapshot.Snapshot) {
	if s.recorder == nil {
		return
	}

	s.recorder.IncSnapshotLoads()
	s.recorder.ResetSnapshotFeatures()
	for name, env := range snap.Environments {
		s.recorder.SetSnapshotFeatures(name, string(snapshot.StatePublished), float64(len(env.Published)))
		s.recorder.SetSnapshotFeatures(name, string(snapshot.StateDraft), float64(len(env.Draft)))
	}
	s.recorder.SetSnapshotFeatures("", string(snapshot.StateExperiment), float64(len(snap.Experiments)))

	var fatal, nonFatal float64
	for _, diagnostic := range snap.Diagnostics {
		if diagnostic.Fatal {
			fatal++
		} else {
			nonFatal++
		}
	}
	s.recorder.SetSnapshotDiagnostics(fatal, nonFatal)
}

// Snapshot returns the active snapshot. It must be treated as read-only.
func (s *Service) Snapshot() *snapshot.Snapshot {
	return s.store.Load()
}

// Evaluate resolves one feature. An unknown feature in a known environment
// is not an error: it yields a result with source unknownFeature.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (core.Result, error) {
	_, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("bucketz.environment", req.Environment),
		attribute.String("bucketz.feature", req.Feature),
		attribute.Bool("bucketz.draft", req.Draft),
	))
	defer span.End()

	if strings.TrimSpace(req.Feature) == "" {
		return core.Result{}, spanError(span, fmt.Errorf("%w: feature is required", ErrInvalidRequest))
	}

	snap := s.store.Load()
	feature, err := lookupFeature(snap, req.Environment, req.Feature, req.Draft)
	if err != nil {
		return core.Result{}, spanError(span, err)
	}

	result := core.EvaluateFeature(feature, req.Attributes, evalOptions(req.Trace)...)
	s.recordResult(span, result)

	return result, nil
}

// EvaluateAll resolves every feature of one environment state.
func (s *Service) EvaluateAll(ctx context.Context, req EvaluateAllRequest) (map[string]core.Result, error) {
	_, span := s.tracer.Start(ctx, "service.EvaluateAll", trace.WithAttributes(
		attribute.String("bucketz.environment", req.Environment),
		attribute.Bool("bucketz.draft", req.Draft),
	))
	defer span.End()

	features, err := lookupFeatures(s.store.Load(), req.Environment, req.Draft)
	if err != nil {
		return nil, spanError(span, err)
	}

	results := core.EvaluateAll(features, req.Attributes, evalOptions(req.Trace)...)
	if s.recorder != nil {
		for _, result := range results {
			s.recorder.RecordEvaluation(string(result.Source))
		}
	}
	span.SetAttributes(attribute.Int("bucketz.features", len(results)))

	return results, nil
}

// EvaluateExperiment runs the active phase of a running experiment. An
// unknown experiment yields source unknownFeature.
func (s *Service) EvaluateExperiment(ctx context.Context, req ExperimentRequest) (core.Result, error) {
	_, span := s.tracer.Start(ctx, "service.EvaluateExperiment", trace.WithAttributes(
		attribute.String("bucketz.experiment", req.Experiment),
	))
	defer span.End()

	if strings.TrimSpace(req.Experiment) == "" {
		return core.Result{}, spanError(span, fmt.Errorf("%w: experiment is required", ErrInvalidRequest))
	}

	feature := s.store.Load().Experiments[req.Experiment]
	result := core.EvaluateFeature(feature, req.Attributes, evalOptions(req.Trace)...)
	s.recordResult(span, result)

	return result, nil
}

// ListFeatures summarizes the features of one environment state, sorted by
// key.
func (s *Service) ListFeatures(_ context.Context, environment string, draft bool) ([]FeatureSummary, error) {
	features, err := lookupFeatures(s.store.Load(), environment, draft)
	if err != nil {
		return nil, err
	}

	summaries := make([]FeatureSummary, 0, len(features))
	for key, feature := range features {
		summaries = append(summaries, FeatureSummary{
			Key:          key,
			DefaultValue: feature.DefaultValue(),
			Rules:        len(feature.Definition().Rules),
			InvalidRules: feature.InvalidRules(),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Key < summaries[j].Key
	})

	return summaries, nil
}

// Info describes the active snapshot.
func (s *Service) Info() SnapshotInfo {
	snap := s.store.Load()

	info := SnapshotInfo{
		Revision:     snap.Revision,
		Source:       s.source.Name(),
		LoadedAt:     snap.LoadedAt,
		Environments: make(map[string]map[snapshot.State]int, len(snap.Environments)),
		Experiments:  make([]string, 0, len(snap.Experiments)),
		Diagnostics:  snap.Diagnostics,
	}
	for name, env := range snap.Environments {
		info.Environments[name] = map[snapshot.State]int{
			snapshot.StatePublished: len(env.Published),
			snapshot.StateDraft:     len(env.Draft),
		}
	}
	for key := range snap.Experiments {
		info.Experiments = append(info.Experiments, key)
	}
	sort.Strings(info.Experiments)
	if info.Diagnostics == nil {
		info.Diagnostics = []snapshot.Diagnostic{}
	}

	return info
}

func (s *Service) recordResult(span trace.Span, result core.Result) {
	span.SetAttributes(attribute.String("bucketz.source", string(result.Source)))
	if result.Experiment != nil {
		span.SetAttributes(
			attribute.String("bucketz.experiment_key", result.Experiment.Key),
			attribute.Int("bucketz.variation_index", result.Experiment.VariationIndex),
		)
	}
	if s.recorder != nil {
		s.recorder.RecordEvaluation(string(result.Source))
	}
}

func lookupFeature(snap *snapshot.Snapshot, environment, key string, draft bool) (*core.Feature, error) {
	if strings.TrimSpace(environment) == "" {
		return nil, fmt.Errorf("%w: environment is required", ErrInvalidRequest)
	}

	feature, ok := snap.Feature(environment, key, stateFor(draft))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, environment)
	}

	return feature, nil
}

func lookupFeatures(snap *snapshot.Snapshot, environment string, draft bool) (map[string]*core.Feature, error) {
	if strings.TrimSpace(environment) == "" {
		return nil, fmt.Errorf("%w: environment is required", ErrInvalidRequest)
	}

	features, ok := snap.Features(environment, stateFor(draft))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, environment)
	}

	return features, nil
}

func stateFor(draft bool) snapshot.State {
	if draft {
		return snapshot.StateDraft
	}
	return snapshot.StatePublished
}

func evalOptions(withTrace bool) []core.EvalOption {
	if withTrace {
		return []core.EvalOption{core.WithTrace()}
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Service) startReloadLoop(ctx context.Context) error {
	var invalidations <-chan struct{}
	subscriber, subscribes := s.source.(source.Subscriber)
	if subscribes {
		var err error
		invalidations, err = subscriber.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", s.source.Name(), err)
		}
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if subscribes && invalidations == nil {
					next, err := subscriber.Subscribe(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadInBackground(ctx)
			case _, ok := <-invalidations:
				if !ok {
					if ctx.Err() != nil {
						return
					}
					next, err := subscriber.Subscribe(ctx)
					if err != nil {
						s.logger.Warn("resubscribe to definitions source failed", "source", s.source.Name(), "error", err)
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.recorder != nil {
					s.recorder.IncSnapshotInvalidations()
				}
				s.reloadInBackground(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadInBackground(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	if err := s.Reload(reloadCtx); err != nil {
		s.logger.Error("definitions reload failed, keeping active snapshot", "source", s.source.Name(), "error", err)
	}
}
