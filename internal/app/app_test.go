package app

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/config"
	"relaybot/internal/readiness"
	"relaybot/internal/transport/loopback"
)

const loopbackConfig = `
transport:
  driver: loopback
  loopback:
    pair_after: 20ms
session:
  reconnect_delay: 50ms
  init_timeout: 2s
storage:
  driver: memory
queue:
  retry_base: 1ms
  spacing: 1ms
http:
  addr: 127.0.0.1:0
jobs:
  sweep: "off"
  checkpoint: "off"
logging:
  level: error
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func decode(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("test.yaml", []byte(body))
	require.NoError(t, err)
	return cfg
}

func TestAppDeliversOverLoopback(t *testing.T) {
	a, err := NewApp(writeConfig(t, loopbackConfig))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, a.monitor.WaitFor(waitCtx, readiness.Ready))

	sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
	defer sendCancel()
	require.NoError(t, a.Relay().Send(sendCtx, "0912345678", "hello"))

	lb, ok := a.tr.(*loopback.Transport)
	require.True(t, ok)
	sent := lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "249912345678", sent[0].RecipientID)
	assert.Equal(t, "hello", sent[0].Payload)

	st := a.Relay().Status()
	assert.True(t, st.Ready)
	assert.Equal(t, readiness.Ready.String(), st.State)
}

func TestAppStartsWithUnreachableStore(t *testing.T) {
	body := `
transport:
  driver: loopback
session:
  init_timeout: 2s
  persist_timeout: 500ms
storage:
  driver: redis
  url: redis://127.0.0.1:1/0
  dial_timeout: 100ms
http:
  disabled: true
jobs:
  sweep: "off"
  checkpoint: "off"
logging:
  level: error
`
	a, err := NewApp(writeConfig(t, body))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		assert.NoError(t, a.Stop(stopCtx, StopAppStop))
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, a.monitor.WaitFor(waitCtx, readiness.CredentialPending))
	assert.False(t, a.Relay().Status().Ready)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, "transport:\n  driver: carrier-pigeon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.driver")

	_, err = NewApp(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := "transport:\n  driver: loopback\n"
	cases := map[string]string{
		"queue attempts": base + "queue:\n  max_attempts: -1\n",
		"duration":       base + "session:\n  reconnect_delay: soon\n",
		"storage path":   base + "storage:\n  driver: sqlite\n",
		"storage driver": base + "storage:\n  driver: floppy\n",
		"country code":   base + "dispatcher:\n  country_code: \"+2a9\"\n",
		"timezone":       base + "jobs:\n  timezone: Mars/Olympus\n",
		"job spec":       base + "jobs:\n  sweep: \"every now and then\"\n",
		"limit":          base + "rate_limit:\n  login:\n    limit: -3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, validate(decode(t, body)))
		})
	}
	assert.NoError(t, validate(decode(t, loopbackConfig)))
}

func TestMapRateLimitsDefaults(t *testing.T) {
	login, notify, err := mapRateLimits(decode(t, "{}"))
	require.NoError(t, err)
	assert.Equal(t, 3, login.Limit)
	assert.Equal(t, time.Hour, login.Window)
	assert.Equal(t, 20, notify.Limit)
	assert.Equal(t, time.Hour, notify.Window)

	login, _, err = mapRateLimits(decode(t, "rate_limit:\n  login:\n    limit: 5\n    window: 10m\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, login.Limit)
	assert.Equal(t, 10*time.Minute, login.Window)
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(decode(t, "{}"))
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(decode(t, "storage:\n  driver: SQLite\n  path: ./x.db\n  busy_timeout: 2s\n  seal:\n    compress: true\n"))
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)
	assert.True(t, sc.Seal.Compress)
}

func TestJobSpecs(t *testing.T) {
	sweep, checkpoint := jobSpecs(decode(t, "{}"))
	assert.Equal(t, defaultSweepSpec, sweep)
	assert.Equal(t, defaultCheckpoint, checkpoint)

	sweep, checkpoint = jobSpecs(decode(t, "jobs:\n  sweep: \"OFF\"\n  checkpoint: 5m\n"))
	assert.Empty(t, sweep)
	assert.Equal(t, "5m", checkpoint)
}

func TestApplyConfigUpdatesLimitsAndJobs(t *testing.T) {
	a, err := NewApp(writeConfig(t, loopbackConfig))
	require.NoError(t, err)
	defer a.store.Close()
	assert.Empty(t, a.jobs.Entries())

	next := decode(t, loopbackConfig+"rate_limit:\n  notify:\n    limit: 7\n")
	next.Jobs.Sweep = "@every 1h"
	a.applyConfig(a.cfgm.Get(), next)

	assert.Equal(t, 7, a.notify.Config().Limit)
	entries := a.jobs.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, jobSweep, entries[0].Name)

	require.NoError(t, a.jobs.Run(context.Background(), jobSweep))
}

func TestReasonFromSignal(t *testing.T) {
	assert.Equal(t, StopSIGINT, ReasonFromSignal(os.Interrupt))
	assert.Equal(t, StopSIGTERM, ReasonFromSignal(syscall.SIGTERM))
	assert.Equal(t, StopUnknown, ReasonFromSignal(nil))
}
