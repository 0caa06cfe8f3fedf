package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matt-riley/bucketz/internal/config"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/middleware"
	"github.com/matt-riley/bucketz/internal/source"
)

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	validator := &fakeHTTPTokenValidator{principal: "checkout-web"}
	handler := newHTTPHandler(apiHandler, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/%76%31/evaluate", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
		req.Header.Set("Authorization", "Bearer key.secret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, 1)
		}
	})
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /debug", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := newHTTPHandler(apiHandler, &fakeHTTPTokenValidator{err: errors.New("invalid token")})

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestNewHTTPHandlerWithStaticKeys(t *testing.T) {
	hash, err := middleware.HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	keys, err := middleware.ParseStaticKeys("checkout-web:" + hash)
	if err != nil {
		t.Fatalf("ParseStaticKeys() error = %v", err)
	}

	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, r *http.Request) {
		principal, _ := middleware.PrincipalFromContext(r.Context())
		_, _ = w.Write([]byte(principal))
	})
	handler := newHTTPHandler(apiHandler, middleware.NewAPIKeyValidator(keys))

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "valid", token: "checkout-web.s3cret", wantStatus: http.StatusOK},
		{name: "wrong secret", token: "checkout-web.nope", wantStatus: http.StatusUnauthorized},
		{name: "unknown id", token: "billing.s3cret", wantStatus: http.StatusUnauthorized},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil)
			req.Header.Set("Authorization", "Bearer "+test.token)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != test.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, test.wantStatus)
			}
			if test.wantStatus == http.StatusOK && rec.Body.String() != "checkout-web" {
				t.Fatalf("principal = %q, want checkout-web", rec.Body.String())
			}
		})
	}
}

func TestOpenDefinitions(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		cfg := config.Config{DefinitionsSource: config.SourceFile, DefinitionsFile: "definitions.yaml"}
		defs, err := openDefinitions(context.Background(), cfg, slog.Default(), metrics.New())
		if err != nil {
			t.Fatalf("openDefinitions() error = %v", err)
		}
		defer defs.close()

		if _, ok := defs.source.(*source.FileSource); !ok {
			t.Fatalf("source = %T, want *source.FileSource", defs.source)
		}
		if len(defs.keyLookups) != 0 {
			t.Fatalf("keyLookups = %d, want none for the file source", len(defs.keyLookups))
		}
	})

	t.Run("redis", func(t *testing.T) {
		cfg := config.Config{
			DefinitionsSource: config.SourceRedis,
			RedisURL:          "redis://localhost:6379/0",
			RedisKey:          "bucketz:definitions",
			RedisChannel:      "bucketz:definitions:updated",
		}
		defs, err := openDefinitions(context.Background(), cfg, slog.Default(), metrics.New())
		if err != nil {
			t.Fatalf("openDefinitions() error = %v", err)
		}
		defer defs.close()

		if got := defs.source.Name(); got != "redis:bucketz:definitions" {
			t.Fatalf("source.Name() = %q, want redis:bucketz:definitions", got)
		}
	})

	t.Run("bad redis url", func(t *testing.T) {
		cfg := config.Config{DefinitionsSource: config.SourceRedis, RedisURL: "http://nope"}
		_, err := openDefinitions(context.Background(), cfg, slog.Default(), metrics.New())
		if err == nil || !strings.Contains(err.Error(), "parse REDIS_URL") {
			t.Fatalf("openDefinitions() error = %v, want parse REDIS_URL", err)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := openDefinitions(context.Background(), config.Config{DefinitionsSource: "s3"}, slog.Default(), metrics.New())
		if err == nil {
			t.Fatal("openDefinitions() error = nil, want unsupported source")
		}
	})
}

type fakeHTTPTokenValidator struct {
	err       error
	calls     int
	principal string
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.principal, f.err
}
