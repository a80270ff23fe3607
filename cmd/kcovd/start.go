package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/RakibFiha/kcov/internal/agent"
	"github.com/RakibFiha/kcov/internal/config"
	"github.com/RakibFiha/kcov/internal/logging"
)

type startFlags struct {
	configPath string
	socketDir  string
	pid        int32
	binary     string
	programPin string
	eventsPin  string
	logLevel   string
}

func newStartCmd() *cobra.Command {
	flags := &startFlags{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the coverage agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&flags.socketDir, "socket-dir", "", "directory for the control and show sockets")
	cmd.Flags().Int32Var(&flags.pid, "pid", 0, "target process whose loadable units are watched")
	cmd.Flags().StringVar(&flags.binary, "binary", "", "executable probes are attached to")
	cmd.Flags().StringVar(&flags.programPin, "bpf-program-pin", "", "bpffs pin path of the probe program")
	cmd.Flags().StringVar(&flags.eventsPin, "bpf-events-pin", "", "bpffs pin path of the events ring buffer")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	return cmd
}

func runStart(cmd *cobra.Command, flags *startFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, flags, cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	a, err := agent.New(agent.Options{
		Config: *cfg,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

// applyFlagOverrides layers explicitly set flags on top of file and
// environment configuration.
func applyFlagOverrides(cfg *config.Config, flags *startFlags, set *pflag.FlagSet) {
	if set.Changed("socket-dir") {
		cfg.Surface.Root = flags.socketDir
	}
	if set.Changed("pid") {
		cfg.Target.PID = flags.pid
	}
	if set.Changed("binary") {
		cfg.Target.BinaryPath = flags.binary
	}
	if set.Changed("bpf-program-pin") {
		cfg.Target.ProgramPin = flags.programPin
	}
	if set.Changed("bpf-events-pin") {
		cfg.Target.EventsPin = flags.eventsPin
	}
	if set.Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
}
