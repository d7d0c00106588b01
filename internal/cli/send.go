package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aura-studio/redqueue"
	"github.com/aura-studio/redqueue/internal/setup"
)

func (a *app) sendCommand() *cobra.Command {
	var (
		typ      string
		payload  string
		priority int
		delay    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Enqueue one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ == "" {
				return errors.New("--type is required")
			}
			if payload != "" && !json.Valid([]byte(payload)) {
				return errors.New("--payload must be valid JSON")
			}
			e, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			drv, err := setup.BuildDriver(ctx, e.cfg, e.client, e.log)
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if payload != "" {
				raw = json.RawMessage(payload)
			}
			msg := redqueue.NewMessage(typ, raw)
			if delay > 0 {
				at := time.Now().Add(delay)
				msg.ExecuteAt = &at
			}
			if err := drv.Send(ctx, msg, priority); err != nil {
				return err
			}
			fmt.Fprintln(out(cmd), msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Message type")
	cmd.Flags().StringVar(&payload, "payload", "", "Message payload as JSON")
	cmd.Flags().IntVar(&priority, "priority", redqueue.DefaultPriority, "Queue priority")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Deliver no earlier than now+delay (needs delayed queues)")
	return cmd
}
