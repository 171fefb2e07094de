// Package orchestrator runs sync cycles. A cycle reloads the config, and
// uploads every project of every configured folder to every target. Cycles
// don't share any state, so a cycle that fails part way through is simply
// picked up by the next one.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/sidkik/bupper/pkg/compress"
	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/freshness"
	"github.com/sidkik/bupper/pkg/metrics"
	"github.com/sidkik/bupper/pkg/progress"
	"github.com/sidkik/bupper/pkg/remote"
	"github.com/sidkik/bupper/pkg/sync"
	"github.com/sidkik/bupper/pkg/upload"
)

// ConfigSource provides the config for each cycle.
type ConfigSource interface {
	Load() (config.Agent, error)
}

// Orchestrator syncs the configured folders to the configured targets.
type Orchestrator struct {
	Config   ConfigSource
	Dial     remote.Dialer
	Progress progress.Sink
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
}

// Run runs sync cycles until `ctx` is cancelled. The next cycle starts once
// the configured interval has elapsed since the end of the previous one, or
// as soon as `trigger` fires. Errors are logged, and never stop the loop.
func (o Orchestrator) Run(ctx context.Context, trigger <-chan struct{}) {
	log := o.logger()
	for {
		interval, err := o.runCycle(ctx)
		if err != nil {
			log.WithError(err).Error("Sync cycle failed")
		}

		timer := o.clock().NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Stopping sync")
			return
		case <-trigger:
			timer.Stop()
			log.Info("Config changed. Starting the next sync cycle early.")
		case <-timer.Chan():
		}
	}
}

// RunCycle runs a single sync cycle. Failures don't stop the cycle: the
// remaining folder and target pairs are still synced, and all the failures
// are returned together.
func (o Orchestrator) RunCycle(ctx context.Context) error {
	_, err := o.runCycle(ctx)
	return err
}

// runCycle returns the interval to wait before the next cycle.
func (o Orchestrator) runCycle(ctx context.Context) (interval time.Duration, err error) {
	start := o.clock().Now()
	defer func() {
		metrics.RecordCycle(o.clock().Since(start), err == nil)
	}()

	cfg, err := o.Config.Load()
	if err != nil {
		return config.DefaultInterval, errors.WithContext(err, "load config")
	}
	interval = cfg.Interval.Duration
	if interval <= 0 {
		interval = config.DefaultInterval
	}

	scheduler, err := o.newScheduler(cfg.Settings)
	if err != nil {
		return interval, err
	}

	log := o.logger()
	log.WithFields(logrus.Fields{
		"folders": len(cfg.Folders),
		"targets": len(cfg.Targets),
	}).Info("Starting sync cycle")

	for _, folder := range cfg.Folders {
		if ctx.Err() != nil {
			err = multierr.Append(err, ctx.Err())
			break
		}

		if folder.Kind != config.ProjectsRoot {
			log.WithFields(logrus.Fields{
				"folder": folder.LocalPath,
				"kind":   folder.Kind,
			}).Debug("Skipping folder with unsupported kind")
			continue
		}
		err = multierr.Append(err, o.syncFolder(ctx, scheduler, folder, cfg.Targets))
	}

	log.WithFields(logrus.Fields{
		"elapsed": o.clock().Since(start).Round(time.Millisecond).String(),
		"errors":  len(multierr.Errors(err)),
	}).Info("Finished sync cycle")
	return interval, err
}

func (o Orchestrator) newScheduler(settings config.Settings) (upload.Scheduler, error) {
	policy, err := freshness.ParsePolicy(settings.ComparePolicy)
	if err != nil {
		return upload.Scheduler{}, err
	}

	sink := o.Progress
	if sink == nil {
		sink = progress.Discard
	}
	return upload.Scheduler{
		Width:    settings.Workers,
		Attempts: settings.Attempts,
		Compressor: compress.Compressor{
			Level:    settings.Compression,
			Parallel: settings.ParallelCompression,
			TempDir:  settings.TempDir,
		},
		Comparator: freshness.Comparator{Policy: policy},
		Progress:   sink,
		Log:        o.logger(),
	}, nil
}

// syncFolder uploads each project in `folder` to every target.
func (o Orchestrator) syncFolder(ctx context.Context, scheduler upload.Scheduler,
	folder config.SyncFolder, targets []config.SyncTarget) error {

	log := o.logger().WithField("folder", folder.LocalPath)
	log.Info("Syncing projects root")

	snapshotStart := o.clock().Now()
	root, err := sync.SnapshotTopLevel(folder.LocalPath, folder.Exclude)
	if err != nil {
		log.WithError(err).Error("Failed to read folder")
		return errors.WithContext(err, fmt.Sprintf("snapshot %s", folder.LocalPath))
	}
	log.WithFields(logrus.Fields{
		"projects": len(root.Subdirectories),
		"elapsed":  o.clock().Since(snapshotStart).Round(time.Millisecond).String(),
	}).Debug("Read folder")
	if len(root.Files) != 0 {
		log.WithField("files", len(root.Files)).Debug(
			"Ignoring files that aren't within a project")
	}

	scheduler.Excludes = folder.Exclude

	var folderErr error
	for _, target := range targets {
		if ctx.Err() != nil {
			break
		}

		targetStart := o.clock().Now()
		targetLog := log.WithField("target", target.String())
		if err := o.syncTarget(ctx, scheduler, folder, root, target); err != nil {
			targetLog.WithError(err).Error("Failed to sync folder to target")
			folderErr = multierr.Append(folderErr, errors.WithContext(err,
				fmt.Sprintf("sync %s to %s", folder.LocalPath, target)))
			continue
		}
		targetLog.WithField("elapsed",
			o.clock().Since(targetStart).Round(time.Millisecond).String()).Info("Synced folder to target")
	}
	return folderErr
}

// syncTarget uploads the projects in `root` to `target` over a single
// connection. The first project that fails aborts the rest.
func (o Orchestrator) syncTarget(ctx context.Context, scheduler upload.Scheduler,
	folder config.SyncFolder, root sync.Directory, target config.SyncTarget) error {

	conn := remote.NewConnection(target, o.Dial, o.logger())
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			o.logger().WithError(err).WithField("target", target.String()).
				Debug("Failed to close connection")
		}
	}()

	base := sync.JoinRemote(target.RemoteBaseFolder, folder.RemoteName)
	if client, _ := conn.Current(); client != nil {
		if err := client.MkdirAll(base).Err(); err != nil {
			o.logger().WithError(err).WithField("dir", base).Warn("Failed to create remote folder")
		}
	}

	for _, project := range root.Subdirectories {
		if err := ctx.Err(); err != nil {
			return err
		}

		remoteName, err := sync.RemoteName(folder.LocalPath, project.Path, folder.RemoteName)
		if err != nil {
			return errors.WithContext(err, "map project")
		}

		o.logger().WithFields(logrus.Fields{
			"project": project.Path,
			"target":  target.String(),
		}).Info("Uploading directory")
		remoteDir := sync.JoinRemote(target.RemoteBaseFolder, remoteName)
		if _, err := scheduler.UploadDirectory(ctx, conn, project.Path, remoteDir); err != nil {
			return errors.WithContext(err, fmt.Sprintf("upload %s", remoteName))
		}
	}
	return nil
}

func (o Orchestrator) clock() clockwork.Clock {
	if o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

func (o Orchestrator) logger() logrus.FieldLogger {
	if o.Log == nil {
		return logrus.StandardLogger()
	}
	return o.Log
}
