package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
)

const bufSize = 1024 * 1024

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type resolverFunc func(ctx context.Context, token string) (auth.Identity, error)

func (f resolverFunc) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	return f(ctx, token)
}

func denyAll(context.Context, string) (auth.Identity, error) {
	return auth.Identity{}, auth.ErrTokenInvalid
}

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func TestHealthFollowsDependencies(t *testing.T) {
	var failing error
	deps := map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return failing }),
	}
	srv := New(resolverFunc(denyAll), HealthRules(), deps, nil)
	conn := startBufGRPC(t, srv)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before the first probe, got %s", resp.GetStatus())
	}

	if !srv.Refresh(ctx) {
		t.Fatal("expected healthy dependencies")
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	failing = errors.New("connection refused")
	if srv.Refresh(ctx) {
		t.Fatal("expected failing dependency to be reported")
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestUnaryAuth(t *testing.T) {
	const method = "/warden.v1.Docs/Write"
	need := auth.Requirement{Code: "doc:write", Type: auth.PermissionOperation}
	rules := Rules{
		Public:       map[string]bool{"/warden.v1.Docs/Ping": true},
		Requirements: map[string]auth.Requirement{method: need},
	}
	users := map[string]*auth.User{
		"alice": {Username: "alice", Roles: []auth.Role{{Permissions: []auth.Permission{{Code: need.Code, Type: need.Type}}}}},
		"bob":   {Username: "bob"},
		"root":  {Username: "root", IsSuperuser: true},
	}
	resolver := resolverFunc(func(_ context.Context, token string) (auth.Identity, error) {
		switch token {
		case "down":
			return auth.Identity{}, errors.New("connection refused")
		}
		u, ok := users[token]
		if !ok {
			return auth.Identity{}, auth.ErrTokenInvalid
		}
		return auth.Identity{User: u}, nil
	})
	interceptor := UnaryAuth(resolver, rules, zap.NewNop())

	var called bool
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		if _, ok := auth.IdentityFromContext(ctx); !ok {
			t.Fatal("identity missing from handler context")
		}
		return "ok", nil
	}

	cases := []struct {
		name   string
		method string
		token  string
		want   codes.Code
	}{
		{name: "public", method: "/warden.v1.Docs/Ping", want: codes.OK},
		{name: "no metadata", method: method, want: codes.Unauthenticated},
		{name: "bad token", method: method, token: "nobody", want: codes.Unauthenticated},
		{name: "holder", method: method, token: "alice", want: codes.OK},
		{name: "missing permission", method: method, token: "bob", want: codes.PermissionDenied},
		{name: "superuser", method: method, token: "root", want: codes.OK},
		{name: "store down", method: method, token: "down", want: codes.Internal},
		{name: "unguarded method", method: "/warden.v1.Docs/Read", token: "bob", want: codes.OK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			ctx := context.Background()
			if tc.token != "" {
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer "+tc.token))
			}
			_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tc.method}, handler)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
			if called != (tc.want == codes.OK) {
				t.Fatalf("handler called=%v for %s", called, tc.want)
			}
		})
	}
}

func TestUnaryLoggingCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	interceptor := UnaryLogging(zap.New(core))

	var seen string
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-request-id", "rid-42"))
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/M"}, func(ctx context.Context, _ any) (any, error) {
		seen = audit.RequestIDFromContext(ctx)
		return nil, status.Error(codes.NotFound, "nope")
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "rid-42" {
		t.Fatalf("request id not propagated: %q", seen)
	}
	entries := logs.FilterMessage("rpc_complete").All()
	if len(entries) != 1 || entries[0].ContextMap()["grpc_code"] != "NotFound" {
		t.Fatalf("unexpected log entries: %+v", entries)
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func TestStreamAuth(t *testing.T) {
	rules := HealthRules()
	resolver := resolverFunc(func(_ context.Context, token string) (auth.Identity, error) {
		if token == "alice" {
			return auth.Identity{User: &auth.User{Username: "alice"}}, nil
		}
		return auth.Identity{}, auth.ErrTokenInvalid
	})
	interceptor := StreamAuth(resolver, rules, zap.NewNop())

	cases := []struct {
		name   string
		method string
		token  string
		want   codes.Code
		user   string
	}{
		{name: "public watch", method: healthpb.Health_Watch_FullMethodName, want: codes.OK},
		{name: "reflection without token", method: "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", want: codes.Unauthenticated},
		{name: "reflection with bad token", method: "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", token: "nobody", want: codes.Unauthenticated},
		{name: "reflection with identity", method: "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", token: "alice", want: codes.OK, user: "alice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if tc.token != "" {
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer "+tc.token))
			}
			var called bool
			err := interceptor(nil, &fakeStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: tc.method, IsServerStream: true},
				func(_ any, ss grpc.ServerStream) error {
					called = true
					id, ok := auth.IdentityFromContext(ss.Context())
					if !ok {
						t.Fatal("identity missing from stream context")
					}
					if tc.user != "" && id.Username() != tc.user {
						t.Fatalf("unexpected identity %q", id.Username())
					}
					return nil
				})
			if got := status.Code(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
			if called != (tc.want == codes.OK) {
				t.Fatalf("handler called=%v for %s", called, tc.want)
			}
		})
	}
}

func TestReflectionRequiresIdentity(t *testing.T) {
	srv := New(resolverFunc(denyAll), HealthRules(), nil, nil)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := reflectionpb.NewServerReflectionClient(conn).ServerReflectionInfo(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	_ = stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_ListServices{ListServices: "*"},
	})
	if _, err := stream.Recv(); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}
