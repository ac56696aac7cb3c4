package server

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type flag struct{ v atomic.Bool }

func (f *flag) Running() bool { return f.v.Load() }

func startBufconn(t *testing.T, srv *Server) (probe func() healthpb.HealthCheckResponse_ServingStatus, stop func()) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	probe = func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		status, err := Probe(ctx, "passthrough:///bufnet", dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
		require.NoError(t, err)
		return status
	}
	stop = func() {
		cancel()
		assert.NoError(t, <-done)
	}
	return probe, stop
}

func TestServer_FollowsSource(t *testing.T) {
	src := &flag{}
	srv := NewServer(src, 10*time.Millisecond)
	probe, stop := startBufconn(t, srv)
	defer stop()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, probe())

	src.v.Store(true)
	assert.Eventually(t, func() bool { return probe() == healthpb.HealthCheckResponse_SERVING },
		2*time.Second, 10*time.Millisecond)

	src.v.Store(false)
	assert.Eventually(t, func() bool { return probe() == healthpb.HealthCheckResponse_NOT_SERVING },
		2*time.Second, 10*time.Millisecond)
}

func TestServer_SetServingWithoutSource(t *testing.T) {
	srv := NewServer(nil, time.Hour)
	probe, stop := startBufconn(t, srv)
	defer stop()

	srv.SetServing(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, probe())
	srv.SetServing(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, probe())
}

func TestServer_StopsOnContext(t *testing.T) {
	srv := NewServer(nil, time.Hour)
	_, stop := startBufconn(t, srv)

	finished := make(chan struct{})
	go func() {
		stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestProbe_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Probe(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}
