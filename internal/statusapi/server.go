// Package statusapi serves a read-mostly JSON view of redqueue workers:
// the heartbeat table, the monitor hash and queue depths.
package statusapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/heartbeat"
)

type Options struct {
	Redis      redis.Cmdable
	Heartbeat  heartbeat.Storage
	Shutdown   *redqueue.RedisShutdown
	MonitorKey string
	Queues     map[int]string
	Logger     zerolog.Logger
}

type Server struct {
	r   *chi.Mux
	opt Options
}

type queueView struct {
	Priority int    `json:"priority"`
	Name     string `json:"name"`
	Length   int64  `json:"length"`
	Delayed  int64  `json:"delayed"`
}

type monitorView struct {
	Field      string                     `json:"field"`
	Identity   string                     `json:"identity"`
	Alive      bool                       `json:"alive"`
	Timestamp  time.Time                  `json:"timestamp"`
	Message    *redqueue.Message          `json:"message,omitempty"`
	Priority   *int                       `json:"priority,omitempty"`
	EntryID    string                     `json:"entry_id,omitempty"`
	Stream     string                     `json:"stream,omitempty"`
	Consumer   string                     `json:"consumer,omitempty"`
	Processing *redqueue.ProcessingStatus `json:"processing,omitempty"`
}

type shutdownView struct {
	RequestedAt *time.Time `json:"requested_at"`
}

func NewServer(opt Options) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, opt: opt}
	r.Use(middleware.RequestID, s.logRequests, middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/v1/processes", s.listProcesses)
	r.Post("/v1/processes/{host}/{pid}/kill", s.killProcess)
	r.Get("/v1/monitor", s.listMonitor)
	r.Get("/v1/queues", s.listQueues)
	r.Get("/v1/shutdown", s.getShutdown)
	r.Post("/v1/shutdown", s.requestShutdown)
	r.Delete("/v1/shutdown", s.clearShutdown)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opt.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.opt.Redis.Ping(r.Context()).Err(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	if s.opt.Heartbeat == nil {
		http.Error(w, "heartbeat not configured", http.StatusNotFound)
		return
	}
	processes, err := s.opt.Heartbeat.Load(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	sort.Slice(processes, func(i, j int) bool {
		return heartbeat.Identifier(processes[i].ProcessID, processes[i].HostName) <
			heartbeat.Identifier(processes[j].ProcessID, processes[j].HostName)
	})
	if processes == nil {
		processes = []heartbeat.Process{}
	}
	writeJSON(w, http.StatusOK, processes)
}

func (s *Server) killProcess(w http.ResponseWriter, r *http.Request) {
	if s.opt.Heartbeat == nil {
		http.Error(w, "heartbeat not configured", http.StatusNotFound)
		return
	}
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil {
		http.Error(w, "invalid pid", http.StatusBadRequest)
		return
	}
	host := chi.URLParam(r, "host")
	if err := heartbeat.Kill(r.Context(), s.opt.Heartbeat, pid, host); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listMonitor(w http.ResponseWriter, r *http.Request) {
	if s.opt.MonitorKey == "" {
		http.Error(w, "monitor not configured", http.StatusNotFound)
		return
	}
	ctx := r.Context()
	entries, err := redqueue.ReadMonitorTable(ctx, s.opt.Redis, s.opt.MonitorKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]monitorView, 0, len(entries))
	for _, e := range entries {
		v := monitorView{
			Field:     e.Field,
			Identity:  e.Identity,
			Alive:     e.Alive,
			Timestamp: e.Record.Timestamp,
			Message:   e.Record.Message,
			Priority:  e.Record.Priority,
			EntryID:   e.Record.EntryID,
			Stream:    e.Record.Stream,
			Consumer:  e.Record.Consumer,
		}
		ps, err := redqueue.ReadProcessingStatus(ctx, s.opt.Redis, s.opt.MonitorKey, e.Field)
		if err != nil {
			s.opt.Logger.Debug().Err(err).Str("field", e.Field).Msg("processing status unreadable")
		}
		v.Processing = ps
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make([]queueView, 0, len(s.opt.Queues))
	for priority, name := range s.opt.Queues {
		length, err := redqueue.QueueLength(ctx, s.opt.Redis, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		delayed, err := redqueue.DelayedLength(ctx, s.opt.Redis, name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, queueView{Priority: priority, Name: name, Length: length, Delayed: delayed})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getShutdown(w http.ResponseWriter, r *http.Request) {
	if s.opt.Shutdown == nil {
		http.Error(w, "shutdown not configured", http.StatusNotFound)
		return
	}
	at, err := s.opt.Shutdown.RequestedAt(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var view shutdownView
	if !at.IsZero() {
		view.RequestedAt = &at
	}
	writeJSON(w, http.StatusOK, view)
}

// requestShutdown stops every worker started before now. An optional
// "at" query parameter (unix seconds) schedules it instead.
func (s *Server) requestShutdown(w http.ResponseWriter, r *http.Request) {
	if s.opt.Shutdown == nil {
		http.Error(w, "shutdown not configured", http.StatusNotFound)
		return
	}
	at := time.Now()
	if v := r.URL.Query().Get("at"); v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid at", http.StatusBadRequest)
			return
		}
		at = time.Unix(sec, 0)
	}
	if err := s.opt.Shutdown.Request(r.Context(), at); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	at = time.Unix(at.Unix(), 0)
	writeJSON(w, http.StatusAccepted, shutdownView{RequestedAt: &at})
}

func (s *Server) clearShutdown(w http.ResponseWriter, r *http.Request) {
	if s.opt.Shutdown == nil {
		http.Error(w, "shutdown not configured", http.StatusNotFound)
		return
	}
	if err := s.opt.Shutdown.Clear(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
