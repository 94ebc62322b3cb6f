// Package auth authenticates API clients by static API key or by bearer JWT.
// When neither keys nor a JWT secret are configured every request passes.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// APIKeyHeader carries the API key on HTTP requests and in gRPC metadata
	APIKeyHeader = "X-API-Key"

	principalContextKey contextKey = "principal"
)

// Authentication methods recorded on a Principal.
const (
	MethodAnonymous = "anonymous"
	MethodAPIKey    = "api_key"
	MethodAdminKey  = "admin_key"
	MethodJWT       = "jwt"
)

var (
	// ErrMissingCredentials is returned when a request carries neither key nor token
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrInvalidAPIKey is returned for an unknown API key
	ErrInvalidAPIKey = errors.New("invalid API key")
	// ErrAdminRequired is returned when a non-admin credential reaches an admin route
	ErrAdminRequired = errors.New("admin API key required")
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Method  string
	Admin   bool
}

// Authenticator checks API keys and bearer tokens.
type Authenticator struct {
	keys        [][]byte
	adminKey    []byte
	jwt         *JWTManager
	skipMethods map[string]bool
	logger      *slog.Logger
}

// Option is a functional option for configuring Authenticator.
type Option func(*Authenticator)

// WithJWT accepts bearer tokens validated by m.
func WithJWT(m *JWTManager) Option {
	return func(a *Authenticator) {
		a.jwt = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAuthenticator creates an Authenticator over the given client keys and
// admin key. Blank keys are ignored.
func NewAuthenticator(apiKeys []string, adminKey string, opts ...Option) *Authenticator {
	a := &Authenticator{
		logger: slog.Default(),
		skipMethods: map[string]bool{
			"/grpc.health.v1.Health/Check": true,
			"/grpc.health.v1.Health/Watch": true,
			"/grpc.health.v1.Health/List":  true,
		},
	}
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys = append(a.keys, []byte(k))
		}
	}
	if adminKey = strings.TrimSpace(adminKey); adminKey != "" {
		a.adminKey = []byte(adminKey)
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "auth")
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0 || a.adminKey != nil || a.jwt != nil
}

// Authenticate resolves the caller from an API key or a bearer token. Exactly
// one of them is used; the API key wins when both are present.
func (a *Authenticator) Authenticate(apiKey, bearer string) (*Principal, error) {
	if !a.Enabled() {
		return &Principal{Subject: MethodAnonymous, Method: MethodAnonymous, Admin: true}, nil
	}

	if apiKey != "" {
		if a.adminKey != nil && subtle.ConstantTimeCompare([]byte(apiKey), a.adminKey) == 1 {
			return &Principal{Subject: "admin", Method: MethodAdminKey, Admin: true}, nil
		}
		for _, k := range a.keys {
			if subtle.ConstantTimeCompare([]byte(apiKey), k) == 1 {
				return &Principal{Subject: "api-key", Method: MethodAPIKey}, nil
			}
		}
		return nil, ErrInvalidAPIKey
	}

	if bearer != "" && a.jwt != nil {
		claims, err := a.jwt.ValidateToken(bearer)
		if err != nil {
			return nil, err
		}
		return &Principal{Subject: claims.Subject, Method: MethodJWT}, nil
	}

	return nil, ErrMissingCredentials
}

// Middleware rejects HTTP requests without valid credentials and stores the
// Principal in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := a.Authenticate(strings.TrimSpace(r.Header.Get(APIKeyHeader)), bearerToken(r))
		if err != nil {
			a.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin rejects requests whose Principal is not an admin. It must run
// after Middleware.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || !p.Admin {
			writeError(w, http.StatusForbidden, ErrAdminRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor returns a gRPC unary interceptor for API key validation.
// Health checks are never authenticated.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if a.skipMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		p, err := a.authenticateMetadata(ctx)
		if err != nil {
			return nil, err
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor for API key validation
func (a *Authenticator) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if a.skipMethods[info.FullMethod] {
			return handler(srv, ss)
		}
		p, err := a.authenticateMetadata(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithPrincipal(ss.Context(), p),
		})
	}
}

func (a *Authenticator) authenticateMetadata(ctx context.Context) (*Principal, error) {
	var apiKey, bearer string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(strings.ToLower(APIKeyHeader)); len(v) > 0 {
			apiKey = strings.TrimSpace(v[0])
		}
		if v := md.Get("authorization"); len(v) > 0 {
			bearer = parseBearer(v[0])
		}
	}
	p, err := a.Authenticate(apiKey, bearer)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	return p, nil
}

// wrappedServerStream wraps a grpc.ServerStream with a modified context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the caller from context
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}

func bearerToken(r *http.Request) string {
	return parseBearer(r.Header.Get("Authorization"))
}

func parseBearer(h string) string {
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
