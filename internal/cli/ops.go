package cli

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/heartbeat"
	"github.com/aura-studio/redqueue/internal/config"
	"github.com/aura-studio/redqueue/internal/statusapi"
)

func (a *app) cleanupCommand() *cobra.Command {
	var (
		keep     time.Duration
		schedule string
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old processes from the heartbeat table",
		Long:  "Deletes processes whose last ping is older than --time, including processes marked to be killed. With --schedule it keeps running and cleans up on a cron schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			storage := heartbeat.NewRedisStorage(e.client, e.cfg.HeartbeatKey)

			run := func() error {
				n, err := storage.DeleteByDate(cmd.Context(), time.Now().Add(-keep))
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "Deleted processes: %d\n", n)
				return nil
			}
			if schedule == "" {
				return run()
			}

			sched, err := cron.ParseStandard(schedule)
			if err != nil {
				return fmt.Errorf("invalid schedule: %w", err)
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			c := cron.New()
			c.Schedule(sched, cron.FuncJob(func() {
				if err := run(); err != nil {
					e.log.Error().Err(err).Msg("cleanup")
				}
			}))
			c.Start()
			<-ctx.Done()
			<-c.Stop().Done()
			return nil
		},
	}
	cmd.Flags().DurationVar(&keep, "time", time.Hour, "Max time to keep processes in storage")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron spec to repeat the cleanup (e.g. \"*/5 * * * *\")")
	return cmd
}

func (a *app) processesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List worker processes from the heartbeat table",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			processes, err := heartbeat.NewRedisStorage(e.client, e.cfg.HeartbeatKey).Load(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(processes, func(i, j int) bool {
				return processes[i].LastPing.After(processes[j].LastPing)
			})
			for _, p := range processes {
				fmt.Fprintf(out(cmd), "%s\t%d\t%s\t%s\n", p.HostName, p.ProcessID, p.Status, p.LastPing.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func (a *app) killCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <host> <pid>",
		Short: "Ask a worker process to stop after its current message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[1])
			}
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			storage := heartbeat.NewRedisStorage(e.client, e.cfg.HeartbeatKey)
			p, err := storage.Get(cmd.Context(), pid, args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return errors.New("process not found")
			}
			return heartbeat.Kill(cmd.Context(), storage, pid, args[0])
		},
	}
}

func (a *app) shutdownCommand() *cobra.Command {
	var (
		at    int64
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every worker started before now (or --at)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			s := redqueue.NewRedisShutdown(e.client, e.cfg.ShutdownKey)
			if reset {
				return s.Clear(cmd.Context())
			}
			when := time.Now()
			if at > 0 {
				when = time.Unix(at, 0)
			}
			if err := s.Request(cmd.Context(), when); err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "Shutdown requested at %s\n", when.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&at, "at", 0, "Unix time of the shutdown (default now)")
	cmd.Flags().BoolVar(&reset, "clear", false, "Remove a pending shutdown request")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			ctx, stop := signalContext(cmd)
			defer stop()

			srv := &http.Server{Addr: e.cfg.StatusAddr, Handler: statusHandler(e)}
			go func() {
				<-ctx.Done()
				_ = srv.Close()
			}()
			e.log.Info().Str("addr", e.cfg.StatusAddr).Msg("status api listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func statusHandler(e *env) http.Handler {
	queues := map[int]string{redqueue.DefaultPriority: e.cfg.Queue}
	for _, q := range e.cfg.Queues {
		queues[q.Priority] = q.Name
	}
	monitorKey := ""
	if e.cfg.Driver == config.DriverStream || e.cfg.Monitor.Reliable {
		monitorKey = e.cfg.Monitor.Key
	}
	return statusapi.NewServer(statusapi.Options{
		Redis:      e.client,
		Heartbeat:  heartbeat.NewRedisStorage(e.client, e.cfg.HeartbeatKey),
		Shutdown:   redqueue.NewRedisShutdown(e.client, e.cfg.ShutdownKey),
		MonitorKey: monitorKey,
		Queues:     queues,
		Logger:     e.log,
	})
}
