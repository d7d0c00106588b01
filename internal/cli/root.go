package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aura-studio/redqueue/internal/config"
	"github.com/aura-studio/redqueue/internal/setup"
)

type app struct {
	configPath string
}

// NewRootCommand returns the redqueue command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "redqueue",
		Short:         "Redis priority queue workers",
		Long:          "redqueue runs and operates priority queue workers backed by Redis lists, sets, sorted sets or streams.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("REDQUEUE_CONFIG"), "Path to a JSON or YAML config file")

	root.AddCommand(
		a.workerCommand(),
		a.sendCommand(),
		a.cleanupCommand(),
		a.processesCommand(),
		a.killCommand(),
		a.shutdownCommand(),
		a.statusCommand(),
	)
	return root
}

func (a *app) load() (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return cfg, err
	}
	config.FromEnv(&cfg)
	return cfg, cfg.Validate()
}

// env carries what every command needs once the config is loaded.
type env struct {
	cfg    config.Config
	client redis.UniversalClient
	log    zerolog.Logger
}

func (a *app) open(cmd *cobra.Command) (*env, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		client: setup.NewRedisClient(cfg.Redis),
		log:    setup.NewLogger(cfg.Log, cmd.ErrOrStderr()),
	}, nil
}

func (e *env) Close() error { return e.client.Close() }

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func out(cmd *cobra.Command) io.Writer { return cmd.OutOrStdout() }
