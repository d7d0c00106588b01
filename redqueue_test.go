package redqueue_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/heartbeat"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = c.Close()
		s.Close()
	})
	return s, c
}

type recorder struct {
	mu    sync.Mutex
	ids   []string
	prios []int
}

func (r *recorder) callback(_ context.Context, msg *redqueue.Message, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, msg.ID)
	r.prios = append(r.prios, priority)
	return nil
}

// driverCase builds every driver kind the same way so scenarios run on all of them.
type driverCase struct {
	name  string
	build func(t *testing.T, c *redis.Client, key string, opts ...redqueue.Option) redqueue.Driver
}

func driverCases() []driverCase {
	return []driverCase{
		{"list", func(t *testing.T, c *redis.Client, key string, opts ...redqueue.Option) redqueue.Driver {
			d, err := redqueue.NewListDriver(c, key, opts...)
			require.NoError(t, err)
			return d
		}},
		{"set", func(t *testing.T, c *redis.Client, key string, opts ...redqueue.Option) redqueue.Driver {
			d, err := redqueue.NewSetDriver(c, key, opts...)
			require.NoError(t, err)
			return d
		}},
		{"sortedset", func(t *testing.T, c *redis.Client, key string, opts ...redqueue.Option) redqueue.Driver {
			d, err := redqueue.NewSortedSetDriver(c, key, opts...)
			require.NoError(t, err)
			return d
		}},
		{"stream", func(t *testing.T, c *redis.Client, key string, opts ...redqueue.Option) redqueue.Driver {
			d, err := redqueue.NewStreamDriver(context.Background(), c, key, "monitor", opts...)
			require.NoError(t, err)
			return d
		}},
	}
}

// ---------------------------------
// Priorities
// ---------------------------------

// TestDrivers_HigherPriorityFirst verifies the two-queue scenario on every driver.
//
// Priority 10 maps to "queue-high" and 0 to "queue-low". A is sent to 0 before
// B is sent to 10; an unrestricted Wait must hand over B first, then A.
func TestDrivers_HigherPriorityFirst(t *testing.T) {
	for _, tc := range driverCases() {
		t.Run(tc.name, func(t *testing.T) {
			_, c := newTestRedis(t)
			ctx := context.Background()

			d := tc.build(t, c, "queue-default", redqueue.WithRefreshInterval(10*time.Millisecond), redqueue.WithMaxItems(2))
			require.NoError(t, d.SetupPriorityQueue(ctx, "queue-high", 10))
			require.NoError(t, d.SetupPriorityQueue(ctx, "queue-low", 0))

			a := redqueue.NewMessage("a", json.RawMessage(`{"n":1}`))
			b := redqueue.NewMessage("b", json.RawMessage(`{"n":2}`))
			require.NoError(t, d.Send(ctx, a, 0))
			require.NoError(t, d.Send(ctx, b, 10))

			var r recorder
			require.NoError(t, d.Wait(ctx, r.callback, nil))
			require.Equal(t, []string{b.ID, a.ID}, r.ids)
			require.Equal(t, []int{10, 0}, r.prios)
		})
	}
}

// TestDrivers_RestrictedPriorities verifies Wait(callback, [5]) never touches priority 10.
func TestDrivers_RestrictedPriorities(t *testing.T) {
	for _, tc := range driverCases() {
		t.Run(tc.name, func(t *testing.T) {
			_, c := newTestRedis(t)
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			d := tc.build(t, c, "queue-default", redqueue.WithRefreshInterval(10*time.Millisecond))
			require.NoError(t, d.SetupPriorityQueue(ctx, "p5", 5))
			require.NoError(t, d.SetupPriorityQueue(ctx, "p10", 10))

			for i := 0; i < 3; i++ {
				require.NoError(t, d.Send(ctx, redqueue.NewMessage("ten", nil), 10))
			}
			five := redqueue.NewMessage("five", nil)
			require.NoError(t, d.Send(ctx, five, 5))

			var r recorder
			err := d.Wait(ctx, r.callback, []int{5})
			require.ErrorIs(t, err, context.DeadlineExceeded)
			require.Equal(t, []string{five.ID}, r.ids)

			n, err := redqueue.QueueLength(context.Background(), c, "p10")
			require.NoError(t, err)
			require.EqualValues(t, 3, n)
		})
	}
}

// TestDrivers_RoundTripKeepsMessage verifies payload and metadata survive a send.
func TestDrivers_RoundTripKeepsMessage(t *testing.T) {
	for _, tc := range driverCases() {
		t.Run(tc.name, func(t *testing.T) {
			_, c := newTestRedis(t)
			ctx := context.Background()

			d := tc.build(t, c, "q", redqueue.WithRefreshInterval(10*time.Millisecond), redqueue.WithMaxItems(1))
			sent := redqueue.NewMessage("welcome-email", json.RawMessage(`{"user":42}`))
			sent.Retries = 2
			require.NoError(t, d.Send(ctx, sent, redqueue.DefaultPriority))

			var got *redqueue.Message
			require.NoError(t, d.Wait(ctx, func(_ context.Context, msg *redqueue.Message, _ int) error {
				got = msg
				return nil
			}, nil))
			require.Equal(t, sent.ID, got.ID)
			require.Equal(t, sent.Type, got.Type)
			require.JSONEq(t, string(sent.Payload), string(got.Payload))
			require.Equal(t, 2, got.Retries)
			require.WithinDuration(t, sent.Created, got.Created, time.Millisecond)
		})
	}
}

// ---------------------------------
// Reliability
// ---------------------------------

// TestReliability_DeadWorkerMessageIsRecoveredOnce simulates a worker that
// records ownership and dies. Once its agent key expires, exactly one
// recovery re-enqueues the message.
func TestReliability_DeadWorkerMessageIsRecoveredOnce(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()

	dead, err := redqueue.NewListDriver(c, "jobs", redqueue.WithRefreshInterval(10*time.Millisecond), redqueue.WithMaxItems(1))
	require.NoError(t, err)
	require.NoError(t, dead.EnableReliableMessageHandling("reliable", dead, time.Second))
	msg := redqueue.NewMessage("job", nil)
	require.NoError(t, dead.Send(ctx, msg, redqueue.DefaultPriority))

	// The callback returns without releasing ownership, the way a crashed
	// process leaves its record behind.
	var owner string
	err = dead.Wait(ctx, func(ctx context.Context, _ *redqueue.Message, _ int) error {
		owner = dead.Reliability().Owner()
		record, err := c.HGet(ctx, "reliable", owner).Result()
		if err != nil {
			return err
		}
		return c.HSet(ctx, "reliable", "[crashed][1][host]", record).Err()
	}, nil)
	require.NoError(t, err)

	survivor, err := redqueue.NewListDriver(c, "jobs")
	require.NoError(t, err)
	require.NoError(t, survivor.EnableReliableMessageHandling("reliable", survivor, time.Second))

	s.FastForward(2 * time.Second)
	n, err := survivor.Reliability().RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = survivor.Reliability().RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	length, err := redqueue.QueueLength(ctx, c, "jobs")
	require.NoError(t, err)
	require.EqualValues(t, 1, length)

	entries, err := redqueue.ReadMonitorTable(ctx, c, "reliable")
	require.NoError(t, err)
	require.Empty(t, entries)
}

// TestReadMonitorTable_ReportsLiveness verifies the table read used by
// operators: identity parsing, liveness and record decoding.
func TestReadMonitorTable_ReportsLiveness(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	d, err := redqueue.NewStreamDriver(ctx, c, "s", "mon", redqueue.WithRefreshInterval(10*time.Millisecond), redqueue.WithMaxItems(1))
	require.NoError(t, err)
	require.NoError(t, d.Send(ctx, redqueue.NewMessage("x", nil), redqueue.DefaultPriority))

	var during []redqueue.MonitorEntry
	var status *redqueue.ProcessingStatus
	require.NoError(t, d.Wait(ctx, func(ctx context.Context, _ *redqueue.Message, _ int) error {
		redqueue.AccessorFromContext(ctx).SetProcessingStatus(ctx, "working")
		var err error
		if during, err = redqueue.ReadMonitorTable(ctx, c, "mon"); err != nil {
			return err
		}
		status, err = redqueue.ReadProcessingStatus(ctx, c, "mon", d.Monitor().Owner())
		return err
	}, nil))

	require.Len(t, during, 1)
	require.Equal(t, d.Consumer(), during[0].Identity)
	require.True(t, during[0].Alive)
	require.Equal(t, "s", during[0].Record.Stream)
	require.NotNil(t, status)
	require.Equal(t, "working", status.Status)
	require.Nil(t, status.Percent)
}

// ---------------------------------
// Operator controls
// ---------------------------------

// TestHeartbeat_KillStopsStreamWorker verifies the kill flag is honored
// between messages and consumed.
func TestHeartbeat_KillStopsStreamWorker(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()
	hb := heartbeat.NewRedisStorage(c, "")

	d, err := redqueue.NewStreamDriver(ctx, c, "s", "mon", redqueue.WithRefreshInterval(10*time.Millisecond), redqueue.WithHeartbeat(hb))
	require.NoError(t, err)
	host, _ := os.Hostname()
	if host == "" {
		host = "unknown"
	}

	done := make(chan error, 1)
	go func() {
		done <- d.Wait(ctx, func(context.Context, *redqueue.Message, int) error { return nil }, nil)
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, heartbeat.Kill(ctx, hb, os.Getpid(), host))

	select {
	case err := <-done:
		require.ErrorIs(t, err, redqueue.ErrKilled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored kill flag")
	}
	p, err := hb.Get(ctx, os.Getpid(), host)
	require.NoError(t, err)
	require.Nil(t, p)
}

// TestMaxItems_StopsAfterLimit verifies Wait returns cleanly after N messages
// and leaves the rest queued.
func TestMaxItems_StopsAfterLimit(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	d, err := redqueue.NewListDriver(c, "q", redqueue.WithRefreshInterval(10*time.Millisecond), redqueue.WithMaxItems(2))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Send(ctx, redqueue.NewMessage("m", nil), redqueue.DefaultPriority))
	}

	var r recorder
	require.NoError(t, d.Wait(ctx, r.callback, nil))
	require.Len(t, r.ids, 2)

	n, err := redqueue.QueueLength(ctx, c, "q")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

// TestCapabilities verifies which optional interfaces each driver offers.
func TestCapabilities(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	list, err := redqueue.NewListDriver(c, "l")
	require.NoError(t, err)
	stream, err := redqueue.NewStreamDriver(ctx, c, "s", "mon")
	require.NoError(t, err)

	var d redqueue.Driver = list
	_, ok := d.(redqueue.MessageReliability)
	require.True(t, ok)
	_, ok = d.(redqueue.MonitoredStream)
	require.False(t, ok)

	d = stream
	_, ok = d.(redqueue.MonitoredStream)
	require.True(t, ok)
	_, ok = d.(redqueue.Forkable)
	require.True(t, ok)
	require.Equal(t, map[int]string{redqueue.DefaultPriority: "s"}, d.(redqueue.QueueAware).Queues())
}
