package redqueue

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// QueueMap maps priorities to backend keys. A key belongs to one priority only.
type QueueMap struct {
	mu         sync.RWMutex
	byPriority map[int]string
}

type queueEntry struct {
	priority int
	name     string
}

func newQueueMap() *QueueMap {
	return &QueueMap{byPriority: make(map[int]string)}
}

// Set registers name for priority, replacing the previous key of that priority.
func (m *QueueMap) Set(name string, priority int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidQueueName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, n := range m.byPriority {
		if n == name && p != priority {
			return fmt.Errorf("%w: %q already registered at priority %d", ErrInvalidQueueName, name, p)
		}
	}
	m.byPriority[priority] = name
	return nil
}

func (m *QueueMap) Key(priority int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, ok := m.byPriority[priority]
	if !ok {
		return "", fmt.Errorf("%w %d", ErrUnknownPriority, priority)
	}
	return name, nil
}

func (m *QueueMap) Priority(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for p, n := range m.byPriority {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownQueue, name)
}

func (m *QueueMap) Has(priority int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPriority[priority]
	return ok
}

// Snapshot returns a copy of the priority -> key mapping.
func (m *QueueMap) Snapshot() map[int]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]string, len(m.byPriority))
	for p, n := range m.byPriority {
		out[p] = n
	}
	return out
}

// filter returns the queues to serve, highest priority first.
// An empty priorities slice selects every registered queue.
func (m *QueueMap) filter(priorities []int) ([]queueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []queueEntry
	if len(priorities) == 0 {
		for p, n := range m.byPriority {
			out = append(out, queueEntry{priority: p, name: n})
		}
	} else {
		seen := make(map[int]bool, len(priorities))
		for _, p := range priorities {
			if seen[p] {
				continue
			}
			seen[p] = true
			n, ok := m.byPriority[p]
			if !ok {
				return nil, fmt.Errorf("%w %d", ErrUnknownPriority, p)
			}
			out = append(out, queueEntry{priority: p, name: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].priority > out[j].priority })
	return out, nil
}

func delayedKey(queue string) string { return queue + "[delayed]" }

// monitorKeys names every key derived from a monitor prefix P for owner O:
// P (hash), P:agent<O>, P:status<O>, P:lock, P:lockClaiming, P:lockMonitoring.
type monitorKeys struct {
	prefix string
	owner  string
}

func newMonitorKeys(prefix, identity string) monitorKeys {
	return monitorKeys{prefix: prefix, owner: ownerKey(identity, os.Getpid(), hostname())}
}

func ownerKey(identity string, pid int, host string) string {
	return "[" + identity + "][" + strconv.Itoa(pid) + "][" + host + "]"
}

// identityFromField extracts the identity part of an owner key.
func identityFromField(field string) (string, bool) {
	if !strings.HasPrefix(field, "[") {
		return "", false
	}
	end := strings.IndexByte(field, ']')
	if end <= 1 {
		return "", false
	}
	return field[1:end], true
}

func (k monitorKeys) hash() string               { return k.prefix }
func (k monitorKeys) agent(field string) string  { return k.prefix + ":agent" + field }
func (k monitorKeys) status(field string) string { return k.prefix + ":status" + field }
func (k monitorKeys) recoveryLock() string       { return k.prefix + ":lock" }
func (k monitorKeys) claimLock() string          { return k.prefix + ":lockClaiming" }
func (k monitorKeys) monitoringLock() string     { return k.prefix + ":lockMonitoring" }

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// acquireLock is a set-if-absent with TTL. Any error counts as "not acquired".
func acquireLock(ctx context.Context, cmd redis.Cmdable, key, owner string, ttl time.Duration) bool {
	ok, err := cmd.SetNX(ctx, key, owner, ttl).Result()
	return err == nil && ok
}

func releaseLock(ctx context.Context, cmd redis.Cmdable, key string) {
	_ = cmd.Del(ctx, key).Err()
}

// QueueLength reports the number of ready entries stored at key, whatever
// its Redis type. Missing keys have length 0.
func QueueLength(ctx context.Context, cmd redis.Cmdable, key string) (int64, error) {
	typ, err := cmd.Type(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch typ {
	case "list":
		return cmd.LLen(ctx, key).Result()
	case "set":
		return cmd.SCard(ctx, key).Result()
	case "zset":
		return cmd.ZCard(ctx, key).Result()
	case "stream":
		return cmd.XLen(ctx, key).Result()
	case "none":
		return 0, nil
	default:
		return 0, fmt.Errorf("redqueue: unexpected type %q at %s", typ, key)
	}
}

// DelayedLength reports how many messages wait in the delayed queue of key.
func DelayedLength(ctx context.Context, cmd redis.Cmdable, key string) (int64, error) {
	return cmd.ZCard(ctx, delayedKey(key)).Result()
}
