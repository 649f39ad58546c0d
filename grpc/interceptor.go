package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	acc "github.com/panyam/accounts"
)

// InterceptorConfig configures the auth interceptor behavior.
type InterceptorConfig struct {
	*Config

	// Sessions validates the identifiers sent by the client. Required.
	Sessions *acc.SessionManager

	// RequireAuth when true rejects unauthenticated requests.
	// When false, requests proceed and UserFromContext returns nil.
	RequireAuth bool

	// PublicMethods is a set of full method names like "/package.Service/Method"
	// that don't require auth. Only used when RequireAuth is true.
	PublicMethods map[string]bool
}

// DefaultInterceptorConfig returns a config that requires auth for all methods.
func DefaultInterceptorConfig(sessions *acc.SessionManager) *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		Sessions:      sessions,
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(sessions *acc.SessionManager, publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig(sessions)
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a config that allows unauthenticated requests.
func OptionalAuthConfig(sessions *acc.SessionManager) *InterceptorConfig {
	config := DefaultInterceptorConfig(sessions)
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) ensureDefaults() {
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = map[string]bool{}
	}
}

// authenticate resolves the caller and returns a context carrying the user.
func (c *InterceptorConfig) authenticate(ctx context.Context, method string) (context.Context, error) {
	sc := acc.NewSessionContext(NewMetadataSession(ctx, c.Config), nil)
	user, err := c.Sessions.CurrentUser(ctx, sc)
	switch {
	case errors.Is(err, acc.ErrSessionNotInitialized):
		user = nil
	case err != nil:
		c.Sessions.Logger.Error("resolving grpc session", "method", method, "err", err)
		return nil, status.Error(codes.Internal, "session lookup failed")
	}

	if user == nil {
		if c.RequireAuth && !c.PublicMethods[method] {
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		return ctx, nil
	}
	return ContextWithUser(ctx, user), nil
}

// UnaryAuthInterceptor returns a gRPC unary interceptor that validates the
// session identifiers in the metadata.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config.ensureDefaults()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := config.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authStream overrides the context of a server stream.
type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authStream) Context() context.Context { return s.ctx }

// StreamAuthInterceptor returns a gRPC stream interceptor that validates the
// session identifiers in the metadata.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config.ensureDefaults()
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := config.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &authStream{ServerStream: ss, ctx: ctx})
	}
}
