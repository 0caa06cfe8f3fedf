package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request id on HTTP requests and responses and,
// lower-cased, in gRPC metadata.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

type logContextKey string

const (
	requestIDKey   logContextKey = "request_id"
	loggerKey      logContextKey = "logger"
	requestInfoKey logContextKey = "request_info"
)

// requestInfo collects what inner middleware learns about a request so the
// access line written on the way out can report it.
type requestInfo struct {
	mu        sync.Mutex
	principal string
	apiKeyID  string
}

func (ri *requestInfo) attrs() []slog.Attr {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	var attrs []slog.Attr
	if ri.principal != "" {
		attrs = append(attrs, slog.String("principal", ri.principal))
	}
	if ri.apiKeyID != "" {
		attrs = append(attrs, slog.String("api_key_id", ri.apiKeyID))
	}
	return attrs
}

// recordPrincipal notes the authenticated caller on the request's access
// line. It is a no-op outside the logging middleware.
func recordPrincipal(ctx context.Context, principal, apiKeyID string) {
	ri, ok := ctx.Value(requestInfoKey).(*requestInfo)
	if !ok {
		return
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.principal = principal
	ri.apiKeyID = apiKeyID
}

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID keeps a caller supplied id when it looks sane and mints a UUID
// otherwise.
func requestID(incoming string) string {
	if incoming != "" && len(incoming) <= maxRequestIDLength {
		return incoming
	}
	return uuid.NewString()
}

// withRequestScope stores the request id, a logger carrying it and an empty
// requestInfo in ctx.
func withRequestScope(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger, *requestInfo) {
	reqLogger := logger.With(slog.String("request_id", reqID))
	info := &requestInfo{}

	ctx = context.WithValue(ctx, requestIDKey, reqID)
	ctx = context.WithValue(ctx, loggerKey, reqLogger)
	ctx = context.WithValue(ctx, requestInfoKey, info)
	return ctx, reqLogger, info
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// statusWriter records the first status code written.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func httpLevel(statusCode int) slog.Level {
	switch {
	case statusCode >= http.StatusInternalServerError:
		return slog.LevelError
	case statusCode >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// HTTPRequestLogging writes one access line per HTTP request: request id,
// method, path, status, duration and, once auth has run, the principal. The
// line is a warning for 4xx and an error for 5xx. The request id is echoed
// in the X-Request-ID response header.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger, info := withRequestScope(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(ctx))

			attrs := append([]slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status_code", sw.statusCode),
				slog.Float64("duration_ms", durationMS(time.Since(start))),
			}, info.attrs()...)
			reqLogger.LogAttrs(ctx, httpLevel(sw.statusCode), "request served", attrs...)
		})
	}
}

func grpcLevel(code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.Unavailable, codes.DataLoss, codes.Unimplemented:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// UnaryRequestLoggingInterceptor is the gRPC counterpart of
// [HTTPRequestLogging]. The request id is read from x-request-id metadata.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var incoming string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(RequestIDHeader); len(values) > 0 {
				incoming = values[0]
			}
		}
		ctx, reqLogger, reqInfo := withRequestScope(ctx, logger, requestID(incoming))

		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		attrs := append([]slog.Attr{
			slog.String("method", info.FullMethod),
			slog.String("grpc_code", code.String()),
			slog.Float64("duration_ms", durationMS(time.Since(start))),
		}, reqInfo.attrs()...)
		reqLogger.LogAttrs(ctx, grpcLevel(code), "request served", attrs...)

		return resp, err
	}
}
