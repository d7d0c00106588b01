package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/heartbeat"
)

func setupEnv(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	t.Setenv("REDQUEUE_CONFIG", "")
	t.Setenv("REDQUEUE_REDIS_ADDRS", mr.Addr())
	t.Setenv("REDQUEUE_QUEUE", "jobs")
	t.Setenv("REDQUEUE_QUEUES", "jobs:high=200")
	t.Setenv("REDQUEUE_REFRESH_INTERVAL_MS", "10")
	t.Setenv("REDQUEUE_LOG_FORMAT", "json")
	return client
}

func run(args ...string) (string, string, error) {
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestSendAndWorker(t *testing.T) {
	client := setupEnv(t)
	t.Setenv("REDQUEUE_MAX_ITEMS", "2")

	_, _, err := run("send", "--type", "low", "--payload", `{"n":1}`)
	require.NoError(t, err)
	id, _, err := run("send", "--type", "high", "--priority", "200")
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(id))

	stdout, stderr, err := run("worker")
	require.NoError(t, err)
	require.Contains(t, stdout, "Worker end.")

	high := strings.Index(stderr, `"type":"high"`)
	low := strings.Index(stderr, `"type":"low"`)
	require.True(t, high >= 0 && low >= 0, stderr)
	require.Less(t, high, low)
	require.Contains(t, stderr, `"payload":{"n":1}`)

	for _, key := range []string{"jobs", "jobs:high"} {
		n, err := client.LLen(context.Background(), key).Result()
		require.NoError(t, err)
		require.Zero(t, n)
	}
}

func TestWorker_RestrictedPriorities(t *testing.T) {
	client := setupEnv(t)
	t.Setenv("REDQUEUE_MAX_ITEMS", "1")

	_, _, err := run("send", "--type", "low")
	require.NoError(t, err)
	_, _, err = run("send", "--type", "high", "--priority", "200")
	require.NoError(t, err)

	_, stderr, err := run("worker", "100")
	require.NoError(t, err)
	require.Contains(t, stderr, `"type":"low"`)
	require.NotContains(t, stderr, `"type":"high"`)

	n, err := client.LLen(context.Background(), "jobs:high").Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestWorker_UnknownPriority(t *testing.T) {
	setupEnv(t)

	_, _, err := run("worker", "7")
	require.EqualError(t, err, "priority 7 is not defined")
	_, _, err = run("worker", "high")
	require.Error(t, err)
}

func TestWorker_StopsOnShutdown(t *testing.T) {
	setupEnv(t)
	t.Setenv("REDQUEUE_DRIVER", "stream")

	done := make(chan error, 1)
	var stdout string
	go func() {
		var err error
		stdout, _, err = run("worker")
		done <- err
	}()

	// the request must land after the worker started
	time.Sleep(1100 * time.Millisecond)
	_, _, err := run("shutdown")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
		require.Contains(t, stdout, "Worker end.")
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSend_Validation(t *testing.T) {
	setupEnv(t)

	_, _, err := run("send")
	require.EqualError(t, err, "--type is required")
	_, _, err = run("send", "--type", "x", "--payload", "{not json")
	require.Error(t, err)
	_, _, err = run("send", "--type", "x", "--priority", "3")
	require.ErrorIs(t, err, redqueue.ErrUnknownPriority)
	_, _, err = run("send", "--type", "x", "--delay", "1m")
	require.ErrorIs(t, err, redqueue.ErrDelayNotConfigured)

	t.Setenv("REDQUEUE_DELAYED_QUEUES", "true")
	_, _, err = run("send", "--type", "x", "--delay", "1m")
	require.NoError(t, err)
}

func TestCleanup(t *testing.T) {
	client := setupEnv(t)
	ctx := context.Background()
	storage := heartbeat.NewRedisStorage(client, "")
	require.NoError(t, storage.Ping(ctx, 1, "host-a", heartbeat.StatusIdle))

	stdout, _, err := run("cleanup", "--time", "1h")
	require.NoError(t, err)
	require.Equal(t, "Deleted processes: 0\n", stdout)

	stdout, _, err = run("cleanup", "--time", "0s")
	require.NoError(t, err)
	require.Equal(t, "Deleted processes: 1\n", stdout)

	_, _, err = run("cleanup", "--schedule", "not a cron")
	require.Error(t, err)
}

func TestProcessesAndKill(t *testing.T) {
	client := setupEnv(t)
	ctx := context.Background()
	storage := heartbeat.NewRedisStorage(client, "")
	require.NoError(t, storage.Ping(ctx, 5, "host-a", heartbeat.StatusIdle))

	stdout, _, err := run("processes")
	require.NoError(t, err)
	require.Contains(t, stdout, "host-a\t5\tidle\t")

	_, _, err = run("kill", "host-a", "5")
	require.NoError(t, err)
	p, err := storage.Get(ctx, 5, "host-a")
	require.NoError(t, err)
	require.Equal(t, heartbeat.StatusKilled, p.Status)

	_, _, err = run("kill", "host-b", "5")
	require.EqualError(t, err, "process not found")
	_, _, err = run("kill", "host-a", "pid")
	require.Error(t, err)
}

func TestShutdownCommand(t *testing.T) {
	client := setupEnv(t)
	ctx := context.Background()
	s := redqueue.NewRedisShutdown(client, "")

	_, _, err := run("shutdown", "--at", "1700000000")
	require.NoError(t, err)
	at, err := s.RequestedAt(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1700000000, at.Unix())

	_, _, err = run("shutdown", "--clear")
	require.NoError(t, err)
	at, err = s.RequestedAt(ctx)
	require.NoError(t, err)
	require.True(t, at.IsZero())
}

func TestInvalidConfig(t *testing.T) {
	setupEnv(t)
	t.Setenv("REDQUEUE_DRIVER", "kafka")

	_, _, err := run("processes")
	require.Error(t, err)
}
