package heartbeat

import (
	"context"
	"sync"
	"time"
)

type MemoryStorage struct {
	mu        sync.Mutex
	processes map[string]Process
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{processes: make(map[string]Process)}
}

func (s *MemoryStorage) Ping(_ context.Context, processID int, hostName string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := Identifier(processID, hostName)
	if p, ok := s.processes[id]; ok && p.Status == StatusKilled && status != StatusKilled {
		return nil
	}
	s.processes[id] = Process{
		ProcessID: processID,
		HostName:  hostName,
		LastPing:  time.Now(),
		Status:    status,
	}
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, processID int, hostName string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[Identifier(processID, hostName)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStorage) Load(_ context.Context) ([]Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStorage) Delete(_ context.Context, processID int, hostName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := Identifier(processID, hostName)
	_, ok := s.processes[id]
	delete(s.processes, id)
	return ok, nil
}

func (s *MemoryStorage) DeleteByDate(ctx context.Context, lastPing time.Time) (int, error) {
	return deleteByDate(ctx, s, lastPing)
}
