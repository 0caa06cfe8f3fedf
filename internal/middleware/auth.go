package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")

	errTooManyAttempts = status.Error(codes.ResourceExhausted, "too many failed auth attempts")
)

// TokenValidator validates a bearer token and returns the principal it
// belongs to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	onThrottle  func(ThrottleScope)
	rateLimiter *RateLimiter
}

// throttled reports whether the attempt is refused before its token is
// checked.
func (c authConfig) throttled(attempt Attempt) bool {
	if c.rateLimiter == nil || !c.rateLimiter.Blocked(attempt) {
		return false
	}
	c.throttle(ScopeAddress)
	return true
}

// failed records a failed attempt and reports whether it went over a budget.
func (c authConfig) failed(attempt Attempt) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil {
		return false
	}
	scope, over := c.rateLimiter.Fail(attempt)
	if over {
		c.throttle(scope)
	}
	return over
}

func (c authConfig) throttle(scope ThrottleScope) {
	if c.onThrottle != nil {
		c.onThrottle(scope)
	}
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure.
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithOnThrottle registers a callback invoked with the budget that refused
// an attempt.
func WithOnThrottle(fn func(ThrottleScope)) AuthOption {
	return func(c *authConfig) { c.onThrottle = fn }
}

// WithRateLimiter throttles repeated authentication failures per address
// and per API key id.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := r.Header.Get("Authorization")
			attempt := Attempt{IP: ExtractIP(r.RemoteAddr), KeyID: apiKeyIDFromBearer(authorization)}
			if cfg.throttled(attempt) {
				writeHTTPTooManyRequests(w)
				return
			}

			principal, err := authorizeHTTP(r.Context(), authorization, validator)
			if err != nil {
				if cfg.failed(attempt) {
					writeHTTPTooManyRequests(w)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}

			ctx := NewContextWithPrincipal(r.Context(), principal)
			if attempt.KeyID != "" {
				ctx = NewContextWithAPIKeyID(ctx, attempt.KeyID)
			}
			recordPrincipal(ctx, principal, attempt.KeyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		attempt := Attempt{IP: extractGRPCPeerIP(ctx), KeyID: apiKeyIDFromGRPCMetadata(ctx)}
		if cfg.throttled(attempt) {
			return nil, errTooManyAttempts
		}

		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if cfg.failed(attempt) {
				return nil, errTooManyAttempts
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		newCtx := NewContextWithPrincipal(ctx, principal)
		if attempt.KeyID != "" {
			newCtx = NewContextWithAPIKeyID(newCtx, attempt.KeyID)
		}
		recordPrincipal(newCtx, principal, attempt.KeyID)
		return handler(newCtx, req)
	}
}

type contextKey string

const (
	principalKey contextKey = "principal"
	apiKeyIDKey  contextKey = "api_key_id"
)

// PrincipalFromContext retrieves the authenticated principal (the API key
// name) from the context.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	principal, ok := ctx.Value(principalKey).(string)
	return principal, ok
}

// NewContextWithPrincipal returns a new context carrying principal.
func NewContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// APIKeyIDFromContext retrieves the API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(principal) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return principal, nil
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		principal, err := validator.ValidateToken(ctx, token)
		if err == nil {
			if strings.TrimSpace(principal) == "" {
				return "", errInvalidAuthorizationHeader
			}
			return principal, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPTooManyRequests(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// apiKeyIDFromBearer extracts the key ID from "Bearer keyID.secret".
func apiKeyIDFromBearer(authHeader string) string {
	token, err := parseBearerToken(authHeader)
	if err != nil {
		return ""
	}
	keyID, _, ok := strings.Cut(token, ".")
	if !ok || keyID == "" {
		return ""
	}
	return keyID
}

func apiKeyIDFromGRPCMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, h := range md.Get("authorization") {
		if keyID := apiKeyIDFromBearer(h); keyID != "" {
			return keyID
		}
	}
	return ""
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
