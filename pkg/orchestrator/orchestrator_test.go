package orchestrator

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	goSync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/remote"
)

type staticSource struct {
	cfg   config.Agent
	err   error
	loads chan struct{}
}

func (s staticSource) Load() (config.Agent, error) {
	if s.loads != nil {
		s.loads <- struct{}{}
	}
	return s.cfg, s.err
}

type fileInfo struct {
	os.FileInfo
	size    int64
	modTime time.Time
}

func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }

// memRemote is an in-memory target.
type memRemote struct {
	lock   goSync.Mutex
	files  map[string][]byte
	dirs   map[string]bool
	closes int
}

func newMemRemote() *memRemote {
	return &memRemote{files: map[string][]byte{}, dirs: map[string]bool{}}
}

func (r *memRemote) Stat(path string) (os.FileInfo, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	contents, ok := r.files[path]
	if !ok {
		return nil, &remote.ClassifiedError{Kind: remote.NotFound, Op: "stat", Path: path, Err: os.ErrNotExist}
	}
	return fileInfo{size: int64(len(contents)), modTime: time.Now()}, nil
}

func (r *memRemote) MkdirAll(path string) remote.MkdirResult {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.dirs[path] {
		return remote.MkdirResult{Outcome: remote.AlreadyExists}
	}
	r.dirs[path] = true
	return remote.MkdirResult{Outcome: remote.Created}
}

func (r *memRemote) Create(path string) (io.WriteCloser, error) {
	return &memWriter{remote: r, path: path}, nil
}

func (r *memRemote) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closes++
	return nil
}

func (r *memRemote) has(path string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.files[path]
	return ok
}

type memWriter struct {
	bytes.Buffer
	remote *memRemote
	path   string
}

func (w *memWriter) Close() error {
	w.remote.lock.Lock()
	defer w.remote.lock.Unlock()
	w.remote.files[w.path] = w.Bytes()
	return nil
}

func writeFiles(t *testing.T, root string, paths ...string) {
	for _, path := range paths {
		path = filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(path), 0644))
	}
}

func dialer(remotes map[string]*memRemote) remote.Dialer {
	return func(_ context.Context, target config.SyncTarget) (remote.Client, error) {
		r, ok := remotes[target.Host]
		if !ok {
			return nil, &remote.ClassifiedError{Kind: remote.SessionBroken, Op: "dial",
				Path: target.Address(), Err: errors.New("connection refused")}
		}
		return r, nil
	}
}

func newTestAgent(t *testing.T, projects string, hosts ...string) config.Agent {
	cfg := config.Agent{
		Folders: []config.SyncFolder{
			{LocalPath: projects, RemoteName: "projects", Kind: config.ProjectsRoot,
				Exclude: []string{"**/*.log"}},
			{LocalPath: projects, RemoteName: "ignored", Kind: config.Single},
		},
		Settings: config.Settings{TempDir: t.TempDir()},
	}
	for _, host := range hosts {
		cfg.Targets = append(cfg.Targets, config.SyncTarget{
			Host: host, Port: 22, User: "bupper", RemoteBaseFolder: "/base",
		})
	}
	cfg.ApplyDefaults()
	return cfg
}

func newTestOrchestrator(source ConfigSource, remotes map[string]*memRemote) Orchestrator {
	logger, _ := logrusTest.NewNullLogger()
	return Orchestrator{
		Config: source,
		Dial:   dialer(remotes),
		Clock:  clockwork.NewFakeClock(),
		Log:    logger,
	}
}

func TestRunCycle(t *testing.T) {
	projects := t.TempDir()
	writeFiles(t, projects,
		"top.txt",
		"projA/file.ext",
		"projA/debug.log",
		"projB/sub/x.txt",
	)

	remotes := map[string]*memRemote{
		"a.example.com": newMemRemote(),
		"b.example.com": newMemRemote(),
	}
	source := staticSource{cfg: newTestAgent(t, projects, "a.example.com", "b.example.com")}

	require.NoError(t, newTestOrchestrator(source, remotes).RunCycle(context.Background()))

	for host, r := range remotes {
		assert.True(t, r.has("/base/projects/projA/file.ext.gz"), host)
		assert.True(t, r.has("/base/projects/projB/sub/x.txt.gz"), host)
		assert.False(t, r.has("/base/projects/projA/debug.log.gz"), host)
		assert.False(t, r.has("/base/projects/top.txt.gz"), host)
		assert.False(t, r.has("/base/ignored/projA/file.ext.gz"), host)
		assert.True(t, r.dirs["/base/projects"], host)
		assert.Len(t, r.files, 2, host)
		assert.Equal(t, 1, r.closes, host)
	}
}

func TestRunCycleContinuesAfterTargetFailure(t *testing.T) {
	projects := t.TempDir()
	writeFiles(t, projects, "projA/file.ext")

	up := newMemRemote()
	remotes := map[string]*memRemote{"up.example.com": up}
	source := staticSource{cfg: newTestAgent(t, projects, "down.example.com", "up.example.com")}

	err := newTestOrchestrator(source, remotes).RunCycle(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), "sync "+projects+" to bupper@down.example.com:22")
	assert.True(t, remote.IsSessionBroken(err))

	assert.True(t, up.has("/base/projects/projA/file.ext.gz"))
}

func TestRunCycleContinuesAfterFolderFailure(t *testing.T) {
	projects := t.TempDir()
	writeFiles(t, projects, "projA/file.ext")

	r := newMemRemote()
	cfg := newTestAgent(t, projects, "a.example.com")
	cfg.Folders = append([]config.SyncFolder{{
		LocalPath:  filepath.Join(projects, "missing"),
		RemoteName: "missing",
		Kind:       config.ProjectsRoot,
	}}, cfg.Folders...)

	err := newTestOrchestrator(staticSource{cfg: cfg}, map[string]*memRemote{"a.example.com": r}).
		RunCycle(context.Background())
	require.Error(t, err)

	var notFound errors.FileNotFound
	assert.True(t, errors.As(err, &notFound))
	assert.True(t, r.has("/base/projects/projA/file.ext.gz"))
}

func TestRunCycleConfigError(t *testing.T) {
	source := staticSource{err: errors.New("bad config")}
	err := newTestOrchestrator(source, nil).RunCycle(context.Background())
	assert.EqualError(t, err, "load config: bad config")
}

func TestRunCycleInvalidPolicy(t *testing.T) {
	cfg := config.Agent{Settings: config.Settings{ComparePolicy: "sometimes"}}
	err := newTestOrchestrator(staticSource{cfg: cfg}, nil).RunCycle(context.Background())
	assert.Error(t, err)
}

func TestRunCycleCancelled(t *testing.T) {
	projects := t.TempDir()
	writeFiles(t, projects, "projA/file.ext")

	r := newMemRemote()
	source := staticSource{cfg: newTestAgent(t, projects, "a.example.com")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestOrchestrator(source, map[string]*memRemote{"a.example.com": r}).RunCycle(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, r.files)
}

func TestRun(t *testing.T) {
	source := staticSource{
		cfg:   config.Agent{Interval: config.Duration{Duration: time.Minute}},
		loads: make(chan struct{}, 10),
	}
	clock := clockwork.NewFakeClock()
	o := newTestOrchestrator(source, nil)
	o.Clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	trigger := make(chan struct{})
	done := make(chan struct{})
	go func() {
		o.Run(ctx, trigger)
		close(done)
	}()

	waitForCycle := func() {
		select {
		case <-source.loads:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for sync cycle")
		}
	}

	// The first cycle runs immediately.
	waitForCycle()

	// The next cycle runs after the interval.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	assert.Len(t, source.loads, 0)
	clock.Advance(30 * time.Second)
	waitForCycle()

	// Triggers start the next cycle early.
	clock.BlockUntil(1)
	trigger <- struct{}{}
	waitForCycle()

	// Cancelling stops the wait.
	clock.BlockUntil(1)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run didn't return after cancel")
	}
}
