package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
	"warden.dev/internal/ids"
	"warden.dev/internal/obs"
)

// IdentityResolver turns a bearer token into an identity.
type IdentityResolver interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// Rules maps full method names to the permission they demand. Methods listed
// in Public skip authentication; any other method without a rule only needs
// a valid caller.
type Rules struct {
	Public       map[string]bool
	Requirements map[string]auth.Requirement
}

// UnaryAuth authenticates the caller from the "authorization" metadata and
// evaluates the method's requirement.
func UnaryAuth(resolver IdentityResolver, rules Rules, logger *zap.Logger) grpc.UnaryServerInterceptor {
	g := newGuard(resolver, rules, logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := g.check(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuth applies the same rules as UnaryAuth to streaming methods such as
// Health/Watch and server reflection.
func StreamAuth(resolver IdentityResolver, rules Rules, logger *zap.Logger) grpc.StreamServerInterceptor {
	g := newGuard(resolver, rules, logger)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := g.check(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }

type guard struct {
	resolver IdentityResolver
	rules    Rules
	logger   *zap.Logger
}

func newGuard(resolver IdentityResolver, rules Rules, logger *zap.Logger) *guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guard{resolver: resolver, rules: rules, logger: logger}
}

// check returns ctx carrying the caller's identity, or a status error.
func (g *guard) check(ctx context.Context, method string) (context.Context, error) {
	if g.rules.Public[method] {
		return auth.ContextWithIdentity(ctx, auth.AnonymousIdentity()), nil
	}

	token, err := bearerFromMetadata(ctx)
	if err != nil {
		obs.ObserveAuthnFailure("missing_token")
		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	}
	id, err := g.resolver.Authenticate(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, "request cancelled")
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Error(codes.DeadlineExceeded, "deadline exceeded")
		case auth.IsUnauthenticated(err):
			obs.ObserveAuthnFailure("invalid_token")
			return nil, status.Error(codes.Unauthenticated, "not authenticated")
		default:
			g.logger.Error("authentication failed", zap.String("grpc_method", method), zap.Error(err))
			return nil, status.Error(codes.Internal, "internal server error")
		}
	}

	if need, ok := g.rules.Requirements[method]; ok {
		decision := auth.Authorize(id.User, need)
		obs.ObserveAuthz(decision.String(), need.String())
		if decision != auth.Allow {
			g.logger.Warn("permission denied",
				zap.String("grpc_method", method),
				zap.String("username", id.Username()),
				zap.String("permission", need.String()))
			return nil, status.Error(codes.PermissionDenied, "forbidden")
		}
	}
	return auth.ContextWithIdentity(ctx, id), nil
}

// UnaryLogging assigns a request id and logs every call.
func UnaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var inbound string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get("x-request-id"); len(v) > 0 {
				inbound = v[0]
			}
		}
		rid := ids.RequestID(inbound)
		ctx = audit.WithRequestID(ctx, rid)

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("request_id", rid),
			zap.String("grpc_method", info.FullMethod),
			zap.String("grpc_code", code.String()),
			zap.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("rpc_complete", fields...)
		} else {
			logger.Info("rpc_complete", fields...)
		}
		return resp, err
	}
}

func bearerFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", errors.New("authorization header missing")
	}
	header := strings.TrimSpace(values[0])
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization format")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("authorization header missing")
	}
	return token, nil
}
