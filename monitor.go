package redqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MonitorRecord is the ownership record a worker keeps in a monitor hash.
// Stream workers also fill the entry coordinates and their consumer identity.
type MonitorRecord struct {
	Timestamp time.Time
	Message   *Message
	Priority  *int
	EntryID   string
	Stream    string
	Group     string
	Consumer  string
	Identity  string
}

// MonitorEntry is one row of a monitor hash.
type MonitorEntry struct {
	Field    string
	Identity string
	Alive    bool
	Record   MonitorRecord
}

type monitorWire struct {
	Timestamp float64      `json:"timestamp"`
	Message   *wireMessage `json:"message"`
	Priority  *int         `json:"priority"`
	ID        string       `json:"id,omitempty"`
	Stream    string       `json:"stream,omitempty"`
	Group     string       `json:"group,omitempty"`
	Consumer  string       `json:"consumer,omitempty"`
	Identity  string       `json:"identity,omitempty"`
}

func encodeRecord(r MonitorRecord) (string, error) {
	b, err := json.Marshal(monitorWire{
		Timestamp: unixSeconds(r.Timestamp),
		Message:   toWire(r.Message),
		Priority:  r.Priority,
		ID:        r.EntryID,
		Stream:    r.Stream,
		Group:     r.Group,
		Consumer:  r.Consumer,
		Identity:  r.Identity,
	})
	return string(b), err
}

func decodeRecord(s string) (MonitorRecord, error) {
	var w monitorWire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return MonitorRecord{}, fmt.Errorf("%w: monitor record: %v", ErrMalformedMessage, err)
	}
	r := MonitorRecord{
		Timestamp: fromUnixSeconds(w.Timestamp),
		Priority:  w.Priority,
		EntryID:   w.ID,
		Stream:    w.Stream,
		Group:     w.Group,
		Consumer:  w.Consumer,
		Identity:  w.Identity,
	}
	if w.Message != nil && w.Message.ID != "" {
		r.Message = fromWire(w.Message)
	}
	return r, nil
}

// ReadMonitorTable scans the monitor hash at prefix. Rows whose record
// cannot be decoded are returned with an empty record.
func ReadMonitorTable(ctx context.Context, cmd redis.Cmdable, prefix string) ([]MonitorEntry, error) {
	keys := monitorKeys{prefix: prefix}
	var out []MonitorEntry
	var cursor uint64
	for {
		kv, next, err := cmd.HScan(ctx, keys.hash(), cursor, "", 1000).Result()
		if err != nil {
			return out, err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			field := kv[i]
			identity, ok := identityFromField(field)
			if !ok {
				continue
			}
			rec, _ := decodeRecord(kv[i+1])
			n, err := cmd.Exists(ctx, keys.agent(field)).Result()
			if err != nil {
				return out, err
			}
			out = append(out, MonitorEntry{Field: field, Identity: identity, Alive: n > 0, Record: rec})
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// ReadProcessingStatus returns the status published for a monitor row, or
// nil when there is none.
func ReadProcessingStatus(ctx context.Context, cmd redis.Cmdable, prefix, field string) (*ProcessingStatus, error) {
	v, err := cmd.Get(ctx, monitorKeys{prefix: prefix}.status(field)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ps ProcessingStatus
	if err := json.Unmarshal([]byte(v), &ps); err != nil {
		return nil, fmt.Errorf("%w: processing status: %v", ErrMalformedMessage, err)
	}
	return &ps, nil
}

// writeProcessingStatus stores ps under the status key of field, or deletes
// it when ps is nil.
func writeProcessingStatus(ctx context.Context, cmd redis.Cmdable, keys monitorKeys, ps *ProcessingStatus) error {
	if ps == nil {
		return cmd.Del(ctx, keys.status(keys.owner)).Err()
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return err
	}
	return cmd.Set(ctx, keys.status(keys.owner), b, 0).Err()
}

// forgetRow removes a monitor row together with its status key.
func forgetRow(ctx context.Context, cmd redis.Cmdable, keys monitorKeys, field string) error {
	pipe := cmd.Pipeline()
	pipe.HDel(ctx, keys.hash(), field)
	pipe.Del(ctx, keys.status(field))
	_, err := pipe.Exec(ctx)
	return err
}
