package remote

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/sftp"

	"github.com/sidkik/bupper/pkg/errors"
)

// ErrSessionClosed is returned when a session is used after it was closed.
var ErrSessionClosed = errors.New("session is closed")

// Kind classifies a transport error.
type Kind int

const (
	// Transient errors may succeed if retried on the same session.
	Transient Kind = iota

	// NotFound means that the remote path doesn't exist.
	NotFound

	// SessionBroken means that the session can't be used anymore, and must
	// be reconnected before retrying.
	SessionBroken

	// Permission means that the remote user isn't allowed to access the path.
	Permission
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case SessionBroken:
		return "session broken"
	case Permission:
		return "permission denied"
	default:
		return "transient"
	}
}

// ClassifiedError is the error type returned by the SFTP client.
type ClassifiedError struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (err *ClassifiedError) Error() string {
	return fmt.Sprintf("%s %s (%s): %s", err.Op, err.Path, err.Kind, err.Err)
}

func (err *ClassifiedError) Unwrap() error {
	return err.Err
}

// Classify returns the Kind of `err`. Errors that already went through the
// client keep the kind they were given. Otherwise, the kind is derived from
// the type of the error, and never from its message.
func Classify(err error) Kind {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return NotFound
	case errors.Is(err, os.ErrPermission):
		return Permission
	case errors.Is(err, ErrSessionClosed),
		errors.Is(err, sftp.ErrSSHFxConnectionLost),
		errors.Is(err, sftp.ErrSSHFxNoConnection),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return SessionBroken
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		switch status.FxCode() {
		case sftp.ErrSSHFxNoSuchFile:
			return NotFound
		case sftp.ErrSSHFxPermissionDenied:
			return Permission
		case sftp.ErrSSHFxConnectionLost, sftp.ErrSSHFxNoConnection:
			return SessionBroken
		}
		return Transient
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return SessionBroken
	}
	return Transient
}

// IsNotFound returns whether `err` means that the remote path doesn't exist.
func IsNotFound(err error) bool {
	return err != nil && Classify(err) == NotFound
}

// IsSessionBroken returns whether the session that returned `err` needs to be
// reconnected.
func IsSessionBroken(err error) bool {
	return err != nil && Classify(err) == SessionBroken
}
