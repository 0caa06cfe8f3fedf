package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("expected WWW-Authenticate header to be Bearer, got %q", got)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		nextCalled := false
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			nextCalled = true
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if nextCalled {
			t.Fatal("expected next handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("invalid authorization header", func(t *testing.T) {
		validator := &testTokenValidator{}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("expected next handler not to be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected %d, got %d", http.StatusUnauthorized, rec.Code)
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", principal: "checkout-service"}
		handler := HTTPBearerAuthMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Verify principal in context
			principal, ok := PrincipalFromContext(r.Context())
			if !ok || principal != "checkout-service" {
				t.Errorf("PrincipalFromContext = %q, %v; want checkout-service, true", principal, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
		if validator.gotToken != "good" {
			t.Fatalf("expected token %q, got %q", "good", validator.gotToken)
		}
	})
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	t.Run("missing token", func(t *testing.T) {
		validator := &testTokenValidator{}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false

		_, err := interceptor(context.Background(), struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if validator.called {
			t.Fatal("expected validator not to be called")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "expected"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bad"))

		_, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			handlerCalled = true
			return nil, nil
		})

		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %v", status.Code(err))
		}
		if handlerCalled {
			t.Fatal("expected handler not to be called")
		}
		if !validator.called {
			t.Fatal("expected validator to be called")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		validator := &testTokenValidator{expectedToken: "good", principal: "checkout-service"}
		interceptor := UnaryBearerAuthInterceptor(validator)
		handlerCalled := false
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer good"))

		res, err := interceptor(ctx, struct{}{}, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
			handlerCalled = true
			// Verify principal in context
			principal, ok := PrincipalFromContext(ctx)
			if !ok || principal != "checkout-service" {
				return nil, status.Errorf(codes.Internal, "PrincipalFromContext = %q, %v; want checkout-service, true", principal, ok)
			}
			return "ok", nil
		})

		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
		if !handlerCalled {
			t.Fatal("expected handler to be called")
		}
		if res != "ok" {
			t.Fatalf("expected response %q, got %#v", "ok", res)
		}
	})
}

func TestAPIKeyMatchesHash(t *testing.T) {
	hash, err := HashAPIKey("secret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v, want nil", err)
	}
	if hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if !APIKeyMatchesHash(hash, "secret") {
		t.Fatal("expected API key to match hash")
	}
	if APIKeyMatchesHash(hash, "wrong") {
		t.Fatal("expected API key mismatch")
	}
	legacySum := sha256.Sum256([]byte("legacy-secret"))
	legacyHash := hex.EncodeToString(legacySum[:])
	if !APIKeyMatchesHash(legacyHash, "legacy-secret") {
		t.Fatal("expected API key to match legacy hash")
	}
	if APIKeyMatchesHash("not-hex", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}

type testTokenValidator struct {
	expectedToken string
	err           error
	called        bool
	gotToken      string
	principal     string
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.called = true
	v.gotToken = token
	if v.err != nil {
		return "", v.err
	}
	if v.expectedToken != "" && token != v.expectedToken {
		return "", errors.New("invalid token")
	}
	return v.principal, nil
}

type countingValidator struct {
	TokenValidator
	calls int
}

func (v *countingValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	v.calls++
	return v.TokenValidator.ValidateToken(ctx, token)
}

func TestHTTPBearerAuthRateLimitsFailures(t *testing.T) {
	limiter := NewRateLimiter(context.Background(), 2)
	defer limiter.Stop()

	validator := &countingValidator{TokenValidator: &testTokenValidator{expectedToken: "good"}}
	failures := 0
	var scopes []ThrottleScope
	handler := HTTPBearerAuthMiddleware(validator,
		WithRateLimiter(limiter),
		WithOnAuthFailure(func() { failures++ }),
		WithOnThrottle(func(scope ThrottleScope) { scopes = append(scopes, scope) }),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expected next handler not to be called")
	}))

	got := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/v1/features", nil)
		req.RemoteAddr = "203.0.113.7:4711"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		got = append(got, rec.Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status codes = %v, want %v", got, want)
		}
	}
	if failures != 2 {
		t.Fatalf("auth failure callback calls = %d, want 2", failures)
	}
	if validator.calls != 2 {
		t.Fatalf("ValidateToken calls = %d, want 2: a blocked address must not reach the validator", validator.calls)
	}
	if len(scopes) != 1 || scopes[0] != ScopeAddress {
		t.Fatalf("throttle scopes = %v, want [%s]", scopes, ScopeAddress)
	}
}

func TestUnaryBearerAuthInterceptorRateLimitsFailures(t *testing.T) {
	limiter := NewRateLimiter(context.Background(), 1)
	defer limiter.Stop()

	var scopes []ThrottleScope
	interceptor := UnaryBearerAuthInterceptor(&testTokenValidator{expectedToken: "key-1.good"},
		WithRateLimiter(limiter),
		WithOnThrottle(func(scope ThrottleScope) { scopes = append(scopes, scope) }),
	)
	handler := func(context.Context, any) (any, error) { return "ok", nil }

	codesSeen := make([]codes.Code, 0, 2)
	for range 2 {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer key-1.bad"))
		_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler)
		codesSeen = append(codesSeen, status.Code(err))
	}

	if codesSeen[0] != codes.Unauthenticated || codesSeen[1] != codes.ResourceExhausted {
		t.Fatalf("codes = %v, want [Unauthenticated ResourceExhausted]", codesSeen)
	}
	if len(scopes) != 1 || scopes[0] != ScopeAPIKey {
		t.Fatalf("throttle scopes = %v, want [%s]", scopes, ScopeAPIKey)
	}
}

func TestHTTPBearerAuthStoresAPIKeyID(t *testing.T) {
	handler := HTTPBearerAuthMiddleware(&testTokenValidator{principal: "checkout-service"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := APIKeyIDFromContext(r.Context())
		if !ok || keyID != "key-1" {
			t.Errorf("APIKeyIDFromContext = %q, %v; want key-1, true", keyID, ok)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer key-1.secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected %d, got %d", http.StatusNoContent, rec.Code)
	}
}

func TestParseStaticKeys(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    StaticKeys
		wantErr bool
	}{
		{name: "empty", raw: "", want: StaticKeys{}},
		{name: "single", raw: "ci:$2a$10$abc", want: StaticKeys{"ci": "$2a$10$abc"}},
		{name: "several with spaces", raw: " ci : hash1 , web:hash2,", want: StaticKeys{"ci": "hash1", "web": "hash2"}},
		{name: "missing hash", raw: "ci:", wantErr: true},
		{name: "missing separator", raw: "ci", wantErr: true},
		{name: "dotted id", raw: "ci.prod:hash", wantErr: true},
		{name: "duplicate", raw: "ci:a,ci:b", wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := ParseStaticKeys(test.raw)
			if test.wantErr {
				if err == nil {
					t.Fatalf("ParseStaticKeys(%q) error = nil, want error", test.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseStaticKeys(%q) error = %v", test.raw, err)
			}
			if len(got) != len(test.want) {
				t.Fatalf("ParseStaticKeys(%q) = %v, want %v", test.raw, got, test.want)
			}
			for id, hash := range test.want {
				if got[id] != hash {
					t.Fatalf("ParseStaticKeys(%q)[%q] = %q, want %q", test.raw, id, got[id], hash)
				}
			}
		})
	}
}

type failingLookup struct{ err error }

func (f failingLookup) ValidateAPIKey(context.Context, string) (string, string, error) {
	return "", "", f.err
}

func TestAPIKeyValidator(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}

	validator := NewAPIKeyValidator(failingLookup{err: errors.New("no rows")}, StaticKeys{"ci": hash}, nil)

	principal, err := validator.ValidateToken(context.Background(), "ci.s3cret")
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if principal != "ci" {
		t.Fatalf("ValidateToken() = %q, want ci", principal)
	}

	for _, token := range []string{"ci.wrong", "ci", ".s3cret", "ci.", "other.s3cret"} {
		if _, err := validator.ValidateToken(context.Background(), token); err == nil {
			t.Fatalf("ValidateToken(%q) error = nil, want error", token)
		}
	}

	if _, err := NewAPIKeyValidator().ValidateToken(context.Background(), "ci.s3cret"); err == nil {
		t.Fatal("ValidateToken() without lookups error = nil, want error")
	}

	_, err = NewAPIKeyValidator(StaticKeys{}).ValidateToken(context.Background(), "ci.s3cret")
	if !errors.Is(err, ErrUnknownAPIKey) {
		t.Fatalf("ValidateToken(unknown id) error = %v, want %v", err, ErrUnknownAPIKey)
	}
}
