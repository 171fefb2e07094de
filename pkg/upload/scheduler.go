// Package upload uploads the files of a local directory to a target.
//
// Each file is processed end to end by a single worker: it's compressed,
// compared against the remote copy, and uploaded if the remote copy is stale.
// Files are independent of each other, so the only state shared between
// workers is the session with the target and the set of remote directories
// that are known to exist.
package upload

import (
	"context"
	"fmt"
	"strings"
	goSync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sidkik/bupper/pkg/compress"
	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/freshness"
	"github.com/sidkik/bupper/pkg/metrics"
	"github.com/sidkik/bupper/pkg/progress"
	"github.com/sidkik/bupper/pkg/remote"
	"github.com/sidkik/bupper/pkg/sync"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Scheduler uploads directories with a bounded number of concurrent workers.
type Scheduler struct {
	// Width is the maximum number of files processed at once.
	Width int

	// Attempts is the maximum number of times a file is written before the
	// upload is aborted.
	Attempts int

	// Excludes are the glob patterns of the files to skip, relative to the
	// uploaded directory.
	Excludes []string

	Compressor compress.Compressor
	Comparator freshness.Comparator
	Progress   progress.Sink
	Log        logrus.FieldLogger
}

// Summary describes the outcome of uploading a directory.
type Summary struct {
	Uploaded int
	Skipped  int
	Failed   int

	// Aborted counts the files that were never written because another
	// file failed, or the cycle was cancelled.
	Aborted int
	Bytes   int64
}

func (s *Summary) add(task *fileTask) {
	switch task.state {
	case succeeded:
		s.Uploaded++
		s.Bytes += task.bytes
	case skipped:
		s.Skipped++
	case failed:
		s.Failed++
	case aborted:
		s.Aborted++
	}
}

// UploadDirectory uploads every file within `localDir` to the corresponding
// path under `remoteDir`. The first file that fails aborts the upload: files
// that haven't started are skipped, and the file's error is returned.
func (s Scheduler) UploadDirectory(ctx context.Context, conn *remote.Connection,
	localDir, remoteDir string) (Summary, error) {

	log := s.logger().WithFields(logrus.Fields{
		"folder": localDir,
		"target": conn.Target().String(),
	})
	start := time.Now()

	dir, err := sync.SnapshotDirectory(localDir, s.Excludes)
	if err != nil {
		return Summary{}, errors.WithContext(err, "snapshot")
	}

	var units []sync.UploadUnit
	for _, path := range dir.AllFiles() {
		unit, err := sync.NewUploadUnit(localDir, path, remoteDir)
		if err != nil {
			return Summary{}, errors.WithContext(err, "map remote path")
		}
		units = append(units, unit)
	}

	sink := s.progress()
	sink.Start(description(conn.Target(), remoteDir), len(units))
	defer sink.Done()

	var summary Summary
	var summaryLock goSync.Mutex
	dirs := &dirEnsurer{log: log}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.width())
	for _, unit := range units {
		// Stop feeding workers once a file has failed, or the cycle has been
		// cancelled.
		if groupCtx.Err() != nil {
			break
		}

		task := &fileTask{
			unit:       unit,
			conn:       conn,
			compressor: s.Compressor,
			comparator: s.Comparator,
			dirs:       dirs,
			attempts:   s.attempts(),
			log: log.WithFields(logrus.Fields{
				"file":       unit.LocalFile,
				"remoteFile": unit.RemotePath,
			}),
		}
		group.Go(func() error {
			// The worker may have been waiting for a free slot while another
			// file failed.
			if groupCtx.Err() != nil {
				return nil
			}

			metrics.UploadStarted()
			defer metrics.UploadFinished()

			err := task.run(groupCtx)

			summaryLock.Lock()
			summary.add(task)
			summaryLock.Unlock()
			sink.Increment()

			if err != nil {
				return errors.WithContext(err, fmt.Sprintf("upload %s to %s",
					task.unit.LocalFile, task.unit.RemotePath))
			}
			return nil
		})
	}

	err = group.Wait()
	if err == nil {
		// The group doesn't report cancellations that happened before any
		// worker noticed them.
		err = ctx.Err()
	}

	log.WithFields(logrus.Fields{
		"uploaded": summary.Uploaded,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"aborted":  summary.Aborted,
		"bytes":    summary.Bytes,
		"elapsed":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("Finished uploading directory")
	return summary, err
}

func (s Scheduler) width() int {
	if s.Width <= 0 {
		return config.DefaultWorkers
	}
	return s.Width
}

func (s Scheduler) attempts() int {
	if s.Attempts <= 0 {
		return config.DefaultAttempts
	}
	return s.Attempts
}

func (s Scheduler) progress() progress.Sink {
	if s.Progress == nil {
		return progress.Discard
	}
	return s.Progress
}

func (s Scheduler) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// description returns the remote directory relative to the target's base
// folder, e.g. `projects/website`.
func description(target config.SyncTarget, remoteDir string) string {
	base := sync.JoinRemote(target.RemoteBaseFolder) + "/"
	if rel := strings.TrimPrefix(remoteDir, base); rel != remoteDir && rel != "" {
		return rel
	}
	return remoteDir
}

// dirEnsurer creates the remote parent directories of uploaded files. Each
// directory is only created once per session, even if multiple workers need
// it at the same time.
type dirEnsurer struct {
	log     logrus.FieldLogger
	group   singleflight.Group
	ensured goSync.Map
}

type dirKey struct {
	generation uint64
	dir        string
}

// ensure makes a best effort at creating `dir` through `client`, which is the
// session at `generation`. Failures other than the directory already existing
// are logged, and the upload is still attempted so that the write reports the
// real error.
func (d *dirEnsurer) ensure(client remote.Client, generation uint64, dir string) {
	key := dirKey{generation: generation, dir: dir}
	if _, ok := d.ensured.Load(key); ok {
		return
	}

	d.group.Do(fmt.Sprintf("%d:%s", generation, dir), func() (interface{}, error) {
		// Another worker may have finished creating it since the check above.
		if _, ok := d.ensured.Load(key); ok {
			return nil, nil
		}

		res := client.MkdirAll(dir)
		if err := res.Err(); err != nil {
			d.log.WithError(err).WithField("dir", dir).Warn("Failed to create remote directory")
			return nil, nil
		}
		d.ensured.Store(key, struct{}{})
		return nil, nil
	})
}

// forget makes the next call to ensure create `dir` again.
func (d *dirEnsurer) forget(generation uint64, dir string) {
	d.ensured.Delete(dirKey{generation: generation, dir: dir})
}
