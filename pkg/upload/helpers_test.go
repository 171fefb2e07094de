package upload

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/bupper/pkg/compress"
	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/remote"
)

var testTarget = config.SyncTarget{
	Host:             "backup.example.com",
	Port:             22,
	User:             "bupper",
	RemoteBaseFolder: "/base",
}

type fileInfo struct {
	os.FileInfo
	size    int64
	modTime time.Time
}

func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return false }

// memRemote is an in-memory target.
type memRemote struct {
	lock  sync.Mutex
	files map[string]memFile
	dirs  map[string]struct{}

	// requireDirs makes Create fail unless the parent directory was created
	// through MkdirAll.
	requireDirs bool
}

type memFile struct {
	contents []byte
	modTime  time.Time
}

func newMemRemote() *memRemote {
	return &memRemote{
		files: map[string]memFile{},
		dirs:  map[string]struct{}{},
	}
}

func (r *memRemote) Stat(path string) (os.FileInfo, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	f, ok := r.files[path]
	if !ok {
		return nil, &remote.ClassifiedError{Kind: remote.NotFound, Op: "stat", Path: path, Err: os.ErrNotExist}
	}
	return fileInfo{size: int64(len(f.contents)), modTime: f.modTime}, nil
}

func (r *memRemote) MkdirAll(path string) remote.MkdirResult {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.dirs[path]; ok {
		return remote.MkdirResult{Outcome: remote.AlreadyExists}
	}
	r.dirs[path] = struct{}{}
	return remote.MkdirResult{Outcome: remote.Created}
}

func (r *memRemote) Create(remotePath string) (io.WriteCloser, error) {
	if r.requireDirs {
		r.lock.Lock()
		_, ok := r.dirs[path.Dir(remotePath)]
		r.lock.Unlock()
		if !ok {
			return nil, &remote.ClassifiedError{Kind: remote.NotFound, Op: "create",
				Path: remotePath, Err: os.ErrNotExist}
		}
	}
	return r.writer(remotePath), nil
}

func (r *memRemote) Close() error {
	return nil
}

func (r *memRemote) writer(path string) io.WriteCloser {
	return &memWriter{remote: r, path: path}
}

func (r *memRemote) contents(path string) ([]byte, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	f, ok := r.files[path]
	return f.contents, ok
}

type memWriter struct {
	bytes.Buffer
	remote *memRemote
	path   string
}

func (w *memWriter) Close() error {
	w.remote.lock.Lock()
	defer w.remote.lock.Unlock()
	w.remote.files[w.path] = memFile{contents: w.Bytes(), modTime: time.Now()}
	return nil
}

// connect returns a connection that always dials `client`, along with the
// number of times it has dialed.
func connect(t *testing.T, client remote.Client) (*remote.Connection, *int32) {
	var dials int32
	dial := func(context.Context, config.SyncTarget) (remote.Client, error) {
		atomic.AddInt32(&dials, 1)
		return client, nil
	}

	logger, _ := logrusTest.NewNullLogger()
	conn := remote.NewConnection(testTarget, dial, logger)
	require.NoError(t, conn.Connect(context.Background()))
	return conn, &dials
}

// connectSequence returns a connection whose dials return `clients` in order.
// Once the clients run out, the last one is returned again.
func connectSequence(t *testing.T, clients ...remote.Client) (*remote.Connection, *int32) {
	var dials int32
	dial := func(context.Context, config.SyncTarget) (remote.Client, error) {
		i := int(atomic.AddInt32(&dials, 1)) - 1
		if i >= len(clients) {
			i = len(clients) - 1
		}
		return clients[i], nil
	}

	logger, _ := logrusTest.NewNullLogger()
	conn := remote.NewConnection(testTarget, dial, logger)
	require.NoError(t, conn.Connect(context.Background()))
	return conn, &dials
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	for path, contents := range files {
		path = filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	}
}

func decompress(t *testing.T, compressed []byte) string {
	dst := filepath.Join(t.TempDir(), "decompressed")
	require.NoError(t, compress.Decompress(bytes.NewReader(compressed), dst))
	contents, err := os.ReadFile(dst)
	require.NoError(t, err)
	return string(contents)
}

func compressedSize(t *testing.T, path string) int64 {
	artifact, err := compress.Compressor{TempDir: t.TempDir()}.CompressFile(path)
	require.NoError(t, err)
	require.NoError(t, artifact.Remove())
	return artifact.Size
}

func assertLogs(t *testing.T, expLogs, allEntries []*logrus.Entry) {
	require.Len(t, allEntries, len(expLogs))
	for i, exp := range expLogs {
		assert.Equal(t, exp.Level, allEntries[i].Level)
		assert.Equal(t, exp.Data, allEntries[i].Data)
		assert.Equal(t, exp.Message, allEntries[i].Message)
	}
}
