// Package freshness decides whether the remote copy of a local file is up to
// date, using only the modification times and sizes of the two files.
package freshness

import (
	"os"
	"time"

	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/remote"
)

// LocalFile is the metadata of a local file that's compared against its
// remote copy. CompressedSize is the size of the compressed artifact, since
// that's what is stored remotely.
type LocalFile struct {
	Path           string
	ModTime        time.Time
	CompressedSize int64
}

// StatClient queries remote metadata.
type StatClient interface {
	Stat(path string) (os.FileInfo, error)
}

// QueryErrorPolicy decides what a failed remote metadata query means.
type QueryErrorPolicy interface {
	// OnQueryError returns whether the file should be considered stale, or
	// an error if the comparison should fail.
	OnQueryError(remotePath string, err error) (stale bool, fatal error)
}

// FailSafe treats every failed query as stale, so that an ambiguous answer
// results in an upload rather than a missed update.
type FailSafe struct{}

// OnQueryError implements QueryErrorPolicy.
func (FailSafe) OnQueryError(string, error) (bool, error) {
	return true, nil
}

// FailFast fails the comparison when the query fails.
type FailFast struct{}

// OnQueryError implements QueryErrorPolicy.
func (FailFast) OnQueryError(remotePath string, err error) (bool, error) {
	return false, errors.WithContext(err, "query remote metadata")
}

// ParsePolicy returns the policy with the given config name.
func ParsePolicy(name string) (QueryErrorPolicy, error) {
	switch name {
	case "", config.FailSafePolicy:
		return FailSafe{}, nil
	case config.FailFastPolicy:
		return FailFast{}, nil
	}
	return nil, errors.InvalidFieldError{Field: "comparePolicy", Value: name,
		Reason: "must be fail-safe or fail-fast"}
}

// Comparator compares local files against their remote copies.
type Comparator struct {
	Policy QueryErrorPolicy
}

// IsStale returns whether `local` needs to be uploaded to `remotePath`. The
// remote copy is fresh only if it's at least as new as the local file and
// has exactly the compressed size. Clock skew between the hosts isn't
// compensated for, so a local clock that's ahead causes extra uploads.
func (c Comparator) IsStale(client StatClient, local LocalFile, remotePath string) (bool, error) {
	remoteInfo, err := client.Stat(remotePath)
	if err != nil {
		if remote.IsNotFound(err) {
			return true, nil
		}
		return c.policy().OnQueryError(remotePath, err)
	}

	fresh := !local.ModTime.After(remoteInfo.ModTime()) &&
		local.CompressedSize == remoteInfo.Size()
	return !fresh, nil
}

func (c Comparator) policy() QueryErrorPolicy {
	if c.Policy == nil {
		return FailSafe{}
	}
	return c.Policy
}
