package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	appconfig "github.com/envirocomply/envirocomply-core/internal/config"
)

func TestConfigFrom(t *testing.T) {
	cfg := appconfig.DefaultConfig()
	cfg.Server.Port = 9000
	cfg.Server.ReadTimeoutSeconds = 5
	cfg.Server.AllowedOrigins = []string{"*"}

	got := ConfigFrom(cfg)
	assert.Equal(t, 9000, got.Port)
	assert.Equal(t, 5*time.Second, got.ReadTimeout)
	assert.Equal(t, []string{"*"}, got.AllowedOrigins)
}

func TestServerStartStop(t *testing.T) {
	env := newTestEnv(t)
	srv := env.srv
	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start(), "second start")

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	check, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check.GetStatus())

	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.IsRunning())
	assert.Error(t, srv.Stop(ctx), "second stop")
}
