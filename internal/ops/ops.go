// Package ops serves operator tooling for a running bucketz server: rule
// diagnostics, evaluation explanations, forced reloads and a small status
// page. It carries no authentication of its own and is only ever exposed on
// the tailnet listener.
package ops

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/service"
	"github.com/matt-riley/bucketz/internal/snapshot"
)

const (
	maxExplainBodyBytes = 1 << 20
	reloadTimeout       = 10 * time.Second
)

// Service is the part of the evaluation service the ops handler uses.
type Service interface {
	Snapshot() *snapshot.Snapshot
	Info() service.SnapshotInfo
	Reload(ctx context.Context) error
}

var _ Service = (*service.Service)(nil)

type Handler struct {
	svc Service
	log *slog.Logger
	mux *http.ServeMux
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{svc: svc, log: log}
	h.mux = h.buildMux()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleStatusPage)
	mux.HandleFunc("GET /ops/diagnostics", h.handleDiagnostics)
	mux.HandleFunc("GET /ops/bundle", h.handleBundle)
	mux.HandleFunc("POST /ops/explain", h.handleExplain)
	mux.HandleFunc("POST /ops/reload", h.handleReload)
	return mux
}

type diagnosticsResponse struct {
	Revision    string                `json:"revision"`
	Source      string                `json:"source"`
	LoadedAt    time.Time             `json:"loadedAt"`
	Fatal       int                   `json:"fatal"`
	NonFatal    int                   `json:"nonFatal"`
	Diagnostics []snapshot.Diagnostic `json:"diagnostics"`
}

func (h *Handler) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	info := h.svc.Info()
	query := r.URL.Query()
	environment := strings.TrimSpace(query.Get("environment"))
	feature := strings.TrimSpace(query.Get("feature"))

	resp := diagnosticsResponse{
		Revision:    info.Revision,
		Source:      info.Source,
		LoadedAt:    info.LoadedAt,
		Diagnostics: filterDiagnostics(info.Diagnostics, environment, feature),
	}
	for _, diagnostic := range resp.Diagnostics {
		if diagnostic.Fatal {
			resp.Fatal++
		} else {
			resp.NonFatal++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBundle(w http.ResponseWriter, _ *http.Request) {
	snap := h.svc.Snapshot()
	w.Header().Set("X-Bucketz-Revision", snap.Revision)
	writeJSON(w, http.StatusOK, snap.Bundle)
}

type explainRequest struct {
	Environment string          `json:"environment"`
	Feature     string          `json:"feature"`
	Experiment  string          `json:"experiment"`
	Attributes  core.Attributes `json:"attributes"`
	Draft       bool            `json:"draft"`
}

type explainResponse struct {
	Revision    string                `json:"revision"`
	Result      core.Result           `json:"result"`
	Definition  *core.Definition      `json:"definition,omitempty"`
	Diagnostics []snapshot.Diagnostic `json:"diagnostics"`
}

// handleExplain evaluates with tracing forced on and returns the definition
// that produced the result next to its diagnostics.
func (h *Handler) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req explainRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExplainBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Everything below reads this one snapshot so the definition, the
	// diagnostics and the result always agree.
	snap := h.svc.Snapshot()

	var (
		feature     *core.Feature
		diagnostics []snapshot.Diagnostic
	)
	switch {
	case req.Experiment != "" && req.Feature != "":
		writeJSONError(w, http.StatusBadRequest, "use either feature or experiment")
		return
	case req.Experiment != "":
		feature = snap.Experiments[req.Experiment]
		diagnostics = filterDiagnostics(snap.Diagnostics, "", req.Experiment)
	case strings.TrimSpace(req.Feature) == "":
		writeJSONError(w, http.StatusBadRequest, "feature or experiment is required")
		return
	case strings.TrimSpace(req.Environment) == "":
		writeJSONError(w, http.StatusBadRequest, "environment is required")
		return
	default:
		state := snapshot.StatePublished
		if req.Draft {
			state = snapshot.StateDraft
		}
		var ok bool
		feature, ok = snap.Feature(req.Environment, req.Feature, state)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown environment "+strconv.Quote(req.Environment))
			return
		}
		diagnostics = filterDiagnostics(snap.Diagnostics, req.Environment, req.Feature)
	}

	result := core.EvaluateFeature(feature, req.Attributes, core.WithTrace())

	resp := explainResponse{
		Revision:    snap.Revision,
		Result:      result,
		Diagnostics: diagnostics,
	}
	if feature != nil {
		def := feature.Definition()
		resp.Definition = &def
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()

	if err := h.svc.Reload(ctx); err != nil {
		h.log.WarnContext(ctx, "manual reload failed", "error", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	h.log.InfoContext(ctx, "manual reload completed", "revision", h.svc.Info().Revision)
	writeJSON(w, http.StatusOK, h.svc.Info())
}

var statusPage = template.Must(template.New("status").Funcs(template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.Format(time.RFC3339)
	},
}).Parse(`<!doctype html>
<html>
<head><title>bucketz ops</title></head>
<body>
<h1>bucketz</h1>
<p>Revision <code>{{.Revision}}</code> from <code>{{.Source}}</code>, loaded {{formatTime .LoadedAt}}.</p>
<h2>Environments</h2>
<table>
<tr><th>environment</th><th>features</th></tr>
{{range $name, $counts := .Environments}}<tr><td>{{$name}}</td><td>{{range $state, $n := $counts}}{{$state}}={{$n}} {{end}}</td></tr>
{{end}}</table>
<h2>Experiments</h2>
<ul>{{range .Experiments}}<li>{{.}}</li>{{else}}<li>none running</li>{{end}}</ul>
<h2>Diagnostics</h2>
<table>
<tr><th>environment</th><th>state</th><th>feature</th><th>rule</th><th>fatal</th><th>message</th></tr>
{{range .Diagnostics}}<tr><td>{{.Environment}}</td><td>{{.State}}</td><td>{{.Feature}}</td><td>{{.RuleIndex}}</td><td>{{.Fatal}}</td><td>{{.Message}}</td></tr>
{{end}}</table>
</body>
</html>
`))

func (h *Handler) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderStatus(w, h.svc.Info()); err != nil {
		h.log.ErrorContext(r.Context(), "render status page", "error", err)
	}
}

func renderStatus(w io.Writer, info service.SnapshotInfo) error {
	return statusPage.Execute(w, info)
}

func filterDiagnostics(diagnostics []snapshot.Diagnostic, environment, feature string) []snapshot.Diagnostic {
	filtered := make([]snapshot.Diagnostic, 0, len(diagnostics))
	for _, diagnostic := range diagnostics {
		if environment != "" && diagnostic.Environment != environment {
			continue
		}
		if feature != "" && diagnostic.Feature != feature {
			continue
		}
		filtered = append(filtered, diagnostic)
	}
	return filtered
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
