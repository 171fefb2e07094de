// Package remote talks to the sync targets.
//
// The transport commits to returning errors that can be classified with
// Classify, so that callers decide whether to reconnect, retry, or give up
// without looking at error messages.
package remote

//go:generate mockery -name Client

import (
	"context"
	"io"
	"os"

	"github.com/sidkik/bupper/pkg/config"
)

// Client is a session with a single target. Implementations are safe for
// concurrent use.
type Client interface {
	// Stat returns the metadata of the remote file at `path`. Errors are
	// classified as NotFound when the file doesn't exist.
	Stat(path string) (os.FileInfo, error)

	// MkdirAll creates `path` and any missing parents.
	MkdirAll(path string) MkdirResult

	// Create opens `path` for writing, truncating any existing file.
	Create(path string) (io.WriteCloser, error)

	Close() error
}

// Dialer opens a new session with `target`.
type Dialer func(ctx context.Context, target config.SyncTarget) (Client, error)

// MkdirOutcome is the result of ensuring that a remote directory exists.
type MkdirOutcome int

const (
	// Created means that the directory didn't exist and was created.
	Created MkdirOutcome = iota

	// AlreadyExists means that the directory was already there.
	AlreadyExists

	// OtherFailure means that the directory may not exist.
	OtherFailure
)

func (o MkdirOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already exists"
	default:
		return "failed"
	}
}

// MkdirResult is a tagged result of MkdirAll. Only OtherFailure carries an
// error.
type MkdirResult struct {
	Outcome MkdirOutcome
	Cause   error
}

// Err returns the error for OtherFailure results, and nil otherwise.
func (r MkdirResult) Err() error {
	if r.Outcome != OtherFailure {
		return nil
	}
	return r.Cause
}
