// Package heartbeat keeps a table of worker processes and their last reported
// status. Workers ping it; operators read it, mark processes as killed, and
// clean up stale rows.
package heartbeat

import (
	"context"
	"strconv"
	"time"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusKilled     Status = "killed"
	StatusUnknown    Status = "unknown"
)

type Process struct {
	ProcessID int       `json:"process_id"`
	HostName  string    `json:"host_name"`
	LastPing  time.Time `json:"last_ping"`
	Status    Status    `json:"status"`
}

// Storage is the heartbeat table. Get returns (nil, nil) for unknown processes.
// Ping never replaces StatusKilled with another status: a kill flag stays
// until Delete consumes it.
type Storage interface {
	Ping(ctx context.Context, processID int, hostName string, status Status) error
	Get(ctx context.Context, processID int, hostName string) (*Process, error)
	Load(ctx context.Context) ([]Process, error)
	Delete(ctx context.Context, processID int, hostName string) (bool, error)
	// DeleteByDate removes every process whose last ping is not after lastPing.
	DeleteByDate(ctx context.Context, lastPing time.Time) (int, error)
}

// Identifier is the row key of a process.
func Identifier(processID int, hostName string) string {
	return hostName + "|" + strconv.Itoa(processID)
}

// Kill flags a process so its worker stops at the next loop iteration.
func Kill(ctx context.Context, s Storage, processID int, hostName string) error {
	return s.Ping(ctx, processID, hostName, StatusKilled)
}

func deleteByDate(ctx context.Context, s Storage, lastPing time.Time) (int, error) {
	processes, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, p := range processes {
		if p.LastPing.After(lastPing) {
			continue
		}
		ok, err := s.Delete(ctx, p.ProcessID, p.HostName)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}
