package sync

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/sidkik/bupper/pkg/errors"
)

// CompressedSuffix is appended to the remote path of every uploaded file.
const CompressedSuffix = ".gz"

// UploadUnit is a single local file along with the remote path it's uploaded
// to.
type UploadUnit struct {
	LocalFile string

	// RelativePath is the slash separated path of LocalFile relative to the
	// directory being uploaded.
	RelativePath string

	RemotePath string
}

// RemoteDir returns the remote directory that contains the unit's file.
func (u UploadUnit) RemoteDir() string {
	return path.Dir(u.RemotePath)
}

// NewUploadUnit maps `localFile`, which must be within `localDir`, into
// `remoteDir`.
func NewUploadUnit(localDir, localFile, remoteDir string) (UploadUnit, error) {
	relPath, err := relativeSlashPath(localDir, localFile)
	if err != nil {
		return UploadUnit{}, err
	}

	return UploadUnit{
		LocalFile:    localFile,
		RelativePath: relPath,
		RemotePath:   JoinRemote(remoteDir, relPath) + CompressedSuffix,
	}, nil
}

// RemoteName returns the name that the local directory `subdir` of the
// folder at `localBase` is synced under, e.g. `projects/website`.
func RemoteName(localBase, subdir, remoteName string) (string, error) {
	relPath, err := relativeSlashPath(localBase, subdir)
	if err != nil {
		return "", err
	}
	return JoinRemote(remoteName, relPath), nil
}

// JoinRemote joins remote path elements. Remote paths always use forward
// slashes, no matter what the local convention is.
func JoinRemote(elem ...string) string {
	slashed := make([]string, len(elem))
	for i, e := range elem {
		slashed[i] = strings.ReplaceAll(e, `\`, "/")
	}
	return path.Join(slashed...)
}

func relativeSlashPath(base, target string) (string, error) {
	relPath, err := filepath.Rel(base, target)
	if err != nil {
		return "", errors.WithContext(err, "relative path")
	}

	if relPath == "." || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", errors.New("%q is not inside %q", target, base)
	}
	return filepath.ToSlash(relPath), nil
}
