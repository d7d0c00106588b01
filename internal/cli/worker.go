package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/internal/setup"
)

func (a *app) workerCommand() *cobra.Command {
	var serveStatus bool
	cmd := &cobra.Command{
		Use:   "worker [priority...]",
		Short: "Handle queued messages",
		Long:  "Runs the configured number of workers. Priorities given as arguments restrict which queues are served.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			priorities, err := parsePriorities(args, setup.Priorities(e.cfg))
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd)
			defer stop()

			pool := redqueue.NewWorkerPool(
				setup.Factory(e.cfg, e.client, e.log),
				logHandler(e.log),
				redqueue.WithWorkerCount(e.cfg.Worker.Workers),
				redqueue.WithPriorities(priorities...),
				redqueue.WithRestartDelay(e.cfg.RestartDelay()),
				redqueue.WithPoolLogger(e.log),
			)
			if err := pool.Start(ctx); err != nil {
				return err
			}

			if serveStatus {
				srv := &http.Server{Addr: e.cfg.StatusAddr, Handler: statusHandler(e)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.log.Error().Err(err).Msg("status server")
					}
				}()
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(sctx)
				}()
			}

			err = pool.Wait()
			for priority, n := range pool.Stats() {
				e.log.Info().Int("priority", priority).Int64("handled", n).Msg("worker stats")
			}
			switch {
			case err == nil, errors.Is(err, redqueue.ErrShutdown), errors.Is(err, redqueue.ErrKilled):
				fmt.Fprintln(out(cmd), "Worker end.")
				return nil
			default:
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&serveStatus, "status", false, "Also serve the status API on statusAddr")
	return cmd
}

// parsePriorities validates restricted priorities against the configured ones.
func parsePriorities(args []string, known []int) ([]int, error) {
	defined := make(map[int]bool, len(known))
	for _, p := range known {
		defined[p] = true
	}
	var restricted []int
	for _, arg := range args {
		p, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid priority %q", arg)
		}
		if !defined[p] {
			return nil, fmt.Errorf("priority %d is not defined", p)
		}
		restricted = append(restricted, p)
	}
	return restricted, nil
}

// logHandler acknowledges every message after logging it. Programs with
// real handlers build their own WorkerPool.
func logHandler(log zerolog.Logger) redqueue.Callback {
	return func(_ context.Context, msg *redqueue.Message, priority int) error {
		log.Info().
			Str("id", msg.ID).
			Str("type", msg.Type).
			Int("priority", priority).
			RawJSON("payload", payloadOrNull(msg)).
			Msg("message handled")
		return nil
	}
}

func payloadOrNull(msg *redqueue.Message) []byte {
	if len(msg.Payload) == 0 {
		return []byte("null")
	}
	return msg.Payload
}
