package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, BackendLocal, cfg.BackendMode)
	require.Equal(t, 2, cfg.WorkerConcurrency)
	require.Equal(t, 250*time.Millisecond, cfg.ClaimPollInterval())
	require.Equal(t, 5*time.Second, cfg.ClaimPollMax())
	require.Equal(t, OrphanPolicyFail, cfg.StartupOrphanPolicy)
	require.Equal(t, 32, cfg.SubscriberQueueCapacity)
	require.Equal(t, 30*time.Second, cfg.WebsocketKeepalive())
	require.True(t, cfg.IsDev())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("BACKEND_MODE", "remote-gpu")
	t.Setenv("GPU_BASE_URL", "https://render.internal")
	t.Setenv("CLAIM_POLL_INTERVAL_MS", "100")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 8, cfg.WorkerConcurrency)
	require.Equal(t, BackendRemoteGPU, cfg.BackendMode)
	require.Equal(t, 100*time.Millisecond, cfg.ClaimPollInterval())
}

func TestPollVarsAreBareIntegers(t *testing.T) {
	t.Setenv("CLAIM_POLL_INTERVAL_MS", "250")
	t.Setenv("CLAIM_POLL_MAX_MS", "2000")
	t.Setenv("CANCEL_POLL_INTERVAL_SEC", "3")
	t.Setenv("WEBSOCKET_KEEPALIVE_SEC", "15")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.ClaimPollInterval())
	require.Equal(t, 2*time.Second, cfg.ClaimPollMax())
	require.Equal(t, 3*time.Second, cfg.CancelPollInterval())
	require.Equal(t, 15*time.Second, cfg.WebsocketKeepalive())
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("BACKEND_MODE", "quantum")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsRemoteGPUWithoutBaseURL(t *testing.T) {
	t.Setenv("BACKEND_MODE", "remote-gpu")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsResumePolicy(t *testing.T) {
	t.Setenv("STARTUP_ORPHAN_POLICY", "resume")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := Load()
	require.Error(t, err)
}
