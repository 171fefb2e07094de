package run

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/bupper/cmd/util"
	"github.com/sidkik/bupper/pkg/alert"
	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/fswatch"
	"github.com/sidkik/bupper/pkg/orchestrator"
	"github.com/sidkik/bupper/pkg/progress"
	"github.com/sidkik/bupper/pkg/remote"
	"github.com/sidkik/bupper/pkg/server"
)

// Mocked for unit testing.
var (
	loadSigner      = remote.LoadSigner
	hostKeyCallback = remote.HostKeyCallback
	watchFile       = fswatch.WatchFile
)

// New creates a new `run` command.
func New() *cobra.Command {
	var configPath string
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync the configured folders to the targets",
		Long: "Sync the configured folders to every target. A sync cycle runs " +
			"immediately, and then again after every interval. Changes to the " +
			"config file start the next cycle early.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(configPath, once); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath,
		"Path to the agent config")
	cmd.Flags().BoolVar(&once, "once", false,
		"Run a single sync cycle and exit")
	return cmd
}

func run(configPath string, once bool) error {
	source := config.File{Path: configPath}
	cfg, err := source.Load()
	if err != nil {
		return errors.WithContext(err, "load config")
	}

	if cfg.Settings.AlertWebhook != "" {
		log.AddHook(alert.NewHook(cfg.Settings.AlertWebhook))
	}

	// The key and known hosts are only read at startup. The rest of the
	// config is reloaded every cycle.
	signer, err := loadSigner(cfg.Settings.KeyPath)
	if err != nil {
		return errors.WithContext(err, "load ssh key")
	}

	hostKeys, err := hostKeyCallback(cfg.Settings.KnownHostsPath)
	if err != nil {
		return errors.WithContext(err, "load host keys")
	}

	dialer := remote.SSHDialer{
		Signer:          signer,
		HostKeyCallback: hostKeys,
		Timeout:         cfg.Settings.DialTimeout.Duration,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.StandardLogger()
	orch := orchestrator.Orchestrator{
		Config:   source,
		Dial:     dialer.Dial,
		Progress: progress.New(logger),
		Log:      logger,
	}
	if once {
		return orch.RunCycle(ctx)
	}

	if cfg.Settings.Listen != "" {
		srv := server.Server{Store: source, Log: logger}
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Settings.Listen); err != nil {
				log.WithError(err).Error("Config endpoint stopped")
			}
		}()
	}

	var trigger <-chan struct{}
	if changes, closer, err := watchConfig(configPath); err == nil {
		defer closer.Close()
		trigger = changes
	} else {
		log.WithError(err).Warn("Failed to watch config file. " +
			"Changes will be picked up by the next scheduled cycle.")
	}

	orch.Run(ctx, trigger)
	return nil
}

func watchConfig(configPath string) (<-chan struct{}, io.Closer, error) {
	path, err := homedir.Expand(configPath)
	if err != nil {
		return nil, nil, errors.WithContext(err, "expand config path")
	}
	return watchFile(path)
}
