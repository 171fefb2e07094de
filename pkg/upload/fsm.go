package upload

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/bupper/pkg/compress"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/freshness"
	"github.com/sidkik/bupper/pkg/metrics"
	"github.com/sidkik/bupper/pkg/remote"
	"github.com/sidkik/bupper/pkg/sync"
)

// state is the lifecycle state of a single file within an upload.
type state int

const (
	pending state = iota
	comparing
	uploading
	retrying
	succeeded
	skipped
	failed
	aborted
)

func (s state) String() string {
	switch s {
	case pending:
		return "pending"
	case comparing:
		return "comparing"
	case uploading:
		return "uploading"
	case retrying:
		return "retrying"
	case succeeded:
		return "succeeded"
	case skipped:
		return "skipped"
	case failed:
		return "failed"
	case aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s state) terminal() bool {
	return s == succeeded || s == skipped || s == failed || s == aborted
}

// validTransitions lists the states that each state may move to.
var validTransitions = map[state][]state{
	pending:   {comparing, skipped, failed},
	comparing: {uploading, skipped, failed, aborted},
	uploading: {succeeded, retrying, failed},
	retrying:  {uploading, failed, aborted},
}

// fileTask drives a single file through compression, comparison, and upload.
type fileTask struct {
	unit       sync.UploadUnit
	conn       *remote.Connection
	compressor compress.Compressor
	comparator freshness.Comparator
	dirs       *dirEnsurer
	attempts   int
	log        logrus.FieldLogger

	state   state
	history []state

	// bytes is the size of the uploaded artifact once the task has succeeded.
	bytes int64
}

func (t *fileTask) transition(to state) {
	allowed := false
	for _, next := range validTransitions[t.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		panic(fmt.Sprintf("invalid file state transition from %s to %s", t.state, to))
	}

	t.log.WithFields(logrus.Fields{
		"from": t.state,
		"to":   to,
	}).Debug("File state changed")
	t.history = append(t.history, to)
	t.state = to

	if to.terminal() {
		metrics.RecordFileOutcome(to.String())
	}
}

// run processes the file until it reaches a terminal state. An error is
// returned for Failed files, which should abort the rest of the upload, and
// for files that were Aborted before they were written.
func (t *fileTask) run(ctx context.Context) error {
	err := t.process(ctx)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		t.log.Debug("Upload aborted before the file was written")
		t.transition(aborted)
		return err
	}
	t.transition(failed)
	return err
}

func (t *fileTask) process(ctx context.Context) error {
	info, err := fs.Stat(t.unit.LocalFile)
	if err != nil {
		if os.IsNotExist(err) {
			t.log.Warn("File was removed before it could be uploaded")
			t.transition(skipped)
			return nil
		}
		return errors.WithContext(err, "stat local file")
	}

	artifact, err := t.compressor.CompressFile(t.unit.LocalFile)
	if err != nil {
		return errors.WithContext(err, "compress")
	}
	defer func() {
		if err := artifact.Remove(); err != nil {
			t.log.WithError(err).Warn("Failed to remove compressed artifact")
		}
	}()

	t.transition(comparing)
	client, _, err := t.session()
	if err != nil {
		return err
	}
	local := freshness.LocalFile{
		Path:           t.unit.LocalFile,
		ModTime:        info.ModTime(),
		CompressedSize: artifact.Size,
	}
	stale, err := t.comparator.IsStale(client, local, t.unit.RemotePath)
	if err != nil {
		return errors.WithContext(err, "compare")
	}
	if !stale {
		t.transition(skipped)
		return nil
	}

	return t.upload(ctx, artifact)
}

func (t *fileTask) upload(ctx context.Context, artifact compress.Artifact) error {
	for attempt := 1; ; attempt++ {
		// Files that haven't started writing yet don't start once the upload
		// has been aborted. Writes that are already in flight are left to
		// finish.
		if err := ctx.Err(); err != nil {
			return err
		}

		t.transition(uploading)
		client, generation, err := t.session()
		if err == nil {
			// A new session may be on a different server process, so the
			// parent directory is confirmed again for every generation.
			t.dirs.ensure(client, generation, t.unit.RemoteDir())
			err = t.write(client, artifact)
		}
		metrics.RecordUploadAttempt(artifact.Size, err == nil)
		if err == nil {
			t.bytes = artifact.Size
			t.transition(succeeded)
			return nil
		}

		if attempt >= t.attempts {
			t.log.WithError(err).Error("Failed to upload file")
			return err
		}

		t.transition(retrying)
		attemptLog := t.log.WithError(err).WithField("attempt", attempt)
		switch {
		case remote.IsSessionBroken(err):
			attemptLog.Warn("Session broke during upload, reconnecting")
			if err := t.conn.Reconnect(ctx, generation); err != nil {
				t.log.WithError(err).Warn("Failed to reconnect")
			}
		case remote.IsNotFound(err):
			// The parent directory is gone, so create it again before the
			// next attempt.
			t.dirs.forget(generation, t.unit.RemoteDir())
			attemptLog.Warn("Upload attempt failed, retrying")
		default:
			attemptLog.Warn("Upload attempt failed, retrying")
		}
	}
}

// session returns the connection's current client.
func (t *fileTask) session() (remote.Client, uint64, error) {
	client, generation := t.conn.Current()
	if client == nil {
		return nil, generation, &remote.ClassifiedError{
			Kind: remote.SessionBroken,
			Op:   "session",
			Path: t.unit.RemotePath,
			Err:  remote.ErrSessionClosed,
		}
	}
	return client, generation, nil
}

// write copies the artifact from its beginning into the remote file.
func (t *fileTask) write(client remote.Client, artifact compress.Artifact) (err error) {
	src, err := artifact.Open()
	if err != nil {
		return errors.WithContext(err, "open artifact")
	}
	defer src.Close()

	dst, err := client.Create(t.unit.RemotePath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(dst, src)
	return err
}
