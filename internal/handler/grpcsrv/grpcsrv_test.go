package grpcsrv

import (
	"context"
	"log/slog"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/stretchr/testify/require"
)

func TestServerServesHealthCheckUntilStopped(t *testing.T) {
	srv := New(slog.Default(), ":0")
	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	conn, err := grpc.NewClient(srv.lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.Status == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop(context.Background()))

	_, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(err))
}
