package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/heartbeat"
)

type fixture struct {
	srv      *httptest.Server
	client   *redis.Client
	hb       *heartbeat.RedisStorage
	shutdown *redqueue.RedisShutdown
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := fixture{
		client:   client,
		hb:       heartbeat.NewRedisStorage(client, ""),
		shutdown: redqueue.NewRedisShutdown(client, ""),
	}
	f.srv = httptest.NewServer(NewServer(Options{
		Redis:      client,
		Heartbeat:  f.hb,
		Shutdown:   f.shutdown,
		MonitorKey: "jobs:monitor",
		Queues:     map[int]string{100: "jobs", 200: "jobs:high"},
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func do(t *testing.T, method, url string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/healthz", nil))
}

func TestQueues_ReportsDepthByPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d, err := redqueue.NewListDriver(f.client, "jobs", redqueue.WithDelayedQueues())
	require.NoError(t, err)
	require.NoError(t, d.SetupPriorityQueue(ctx, "jobs:high", 200))
	require.NoError(t, d.Send(ctx, redqueue.NewMessage("a", nil), 200))
	require.NoError(t, d.Send(ctx, redqueue.NewMessage("b", nil), 200))
	later := time.Now().Add(time.Hour)
	delayed := redqueue.NewMessage("c", nil)
	delayed.ExecuteAt = &later
	require.NoError(t, d.Send(ctx, delayed, redqueue.DefaultPriority))

	var got []queueView
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/queues", &got))
	require.Equal(t, []queueView{
		{Priority: 200, Name: "jobs:high", Length: 2},
		{Priority: 100, Name: "jobs", Length: 0, Delayed: 1},
	}, got)
}

func TestProcesses_ListAndKill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.hb.Ping(ctx, 42, "worker-a", heartbeat.StatusIdle))

	var got []heartbeat.Process
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/processes", &got))
	require.Len(t, got, 1)
	require.Equal(t, heartbeat.StatusIdle, got[0].Status)

	require.Equal(t, http.StatusAccepted, do(t, http.MethodPost, f.srv.URL+"/v1/processes/worker-a/42/kill"))
	p, err := f.hb.Get(ctx, 42, "worker-a")
	require.NoError(t, err)
	require.Equal(t, heartbeat.StatusKilled, p.Status)

	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, f.srv.URL+"/v1/processes/worker-a/nan/kill"))
}

func TestMonitor_ShowsOwnedMessageAndStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f := newFixture(t)

	d, err := redqueue.NewListDriver(f.client, "jobs", redqueue.WithMaxItems(1), redqueue.WithRefreshInterval(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, d.EnableReliableMessageHandling("jobs:monitor", d, time.Minute))
	require.NoError(t, d.Send(ctx, redqueue.NewMessage("resize", nil), redqueue.DefaultPriority))

	var got []monitorView
	err = d.Wait(ctx, func(ctx context.Context, _ *redqueue.Message, _ int) error {
		redqueue.AccessorFromContext(ctx).SetProcessingProgress(ctx, "halfway", 50)
		getJSON(t, f.srv.URL+"/v1/monitor", &got)
		return nil
	}, nil)
	require.NoError(t, err)

	require.Len(t, got, 1)
	require.True(t, got[0].Alive)
	require.NotNil(t, got[0].Message)
	require.Equal(t, "resize", got[0].Message.Type)
	require.NotNil(t, got[0].Processing)
	require.Equal(t, "halfway", got[0].Processing.Status)
	require.NotNil(t, got[0].Processing.Percent)
	require.InDelta(t, 50.0, *got[0].Processing.Percent, 0.001)
}

func TestShutdown_RequestAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var view shutdownView
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/v1/shutdown", &view))
	require.Nil(t, view.RequestedAt)

	require.Equal(t, http.StatusAccepted, do(t, http.MethodPost, f.srv.URL+"/v1/shutdown?at=1700000000"))
	at, err := f.shutdown.RequestedAt(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), at.Unix())

	require.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, f.srv.URL+"/v1/shutdown?at=soon"))

	require.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, f.srv.URL+"/v1/shutdown"))
	at, err = f.shutdown.RequestedAt(ctx)
	require.NoError(t, err)
	require.True(t, at.IsZero())
}

func TestUnconfiguredSectionsAre404(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	srv := httptest.NewServer(NewServer(Options{Redis: client}))
	t.Cleanup(srv.Close)

	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/processes", nil))
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/monitor", nil))
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/shutdown", nil))

	var queues []queueView
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/queues", &queues))
	require.Empty(t, queues)
}
