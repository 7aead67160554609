package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// --- helpers ----------------------------------------------------------------

func startServer(t *testing.T, key string) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := New("x-api-key", func() string { return key })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Serve(ctx, lis) //nolint:errcheck
		close(done)
	}()

	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return s, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// --- tests ------------------------------------------------------------------

func TestHealth_FollowsConnections(t *testing.T) {
	s, c := startServer(t, "")
	ctx := context.Background()

	if st, err := check(t, c, ctx, ""); err != nil || st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial: %v %v", st, err)
	}

	s.SetStatusConnected(true)
	if st, _ := check(t, c, ctx, ServiceStatus); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status service: got %v, want SERVING", st)
	}
	if st, _ := check(t, c, ctx, ""); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall: got %v, want SERVING", st)
	}
	if st, _ := check(t, c, ctx, ServiceResults); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("results service: got %v, want NOT_SERVING", st)
	}

	s.SetResultsConnected(true)
	if st, _ := check(t, c, ctx, ServiceResults); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("results service: got %v, want SERVING", st)
	}
}

func TestHealth_UnknownService(t *testing.T) {
	_, c := startServer(t, "")
	_, err := check(t, c, context.Background(), "nope")
	if status.Code(err) != codes.NotFound {
		t.Errorf("code: got %v, want NotFound", status.Code(err))
	}
}

func TestHealth_RequiresKey(t *testing.T) {
	_, c := startServer(t, "secret")

	_, err := check(t, c, context.Background(), "")
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("no key: got %v, want Unauthenticated", status.Code(err))
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-api-key", "secret")
	if _, err := check(t, c, ctx, ""); err != nil {
		t.Errorf("with key: %v", err)
	}
}
