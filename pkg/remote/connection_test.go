package remote

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
)

// fakeClient is a Client that only tracks whether it was closed.
type fakeClient struct {
	id     int
	closed int32
}

func (c *fakeClient) Stat(string) (os.FileInfo, error)     { return nil, os.ErrNotExist }
func (c *fakeClient) MkdirAll(string) MkdirResult          { return MkdirResult{Outcome: Created} }
func (c *fakeClient) Create(string) (io.WriteCloser, error) { return nil, ErrSessionClosed }
func (c *fakeClient) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

type countingDialer struct {
	calls int32
	delay time.Duration
	err   error
}

func (d *countingDialer) dial(ctx context.Context, _ config.SyncTarget) (Client, error) {
	n := atomic.AddInt32(&d.calls, 1)
	time.Sleep(d.delay)
	if d.err != nil {
		return nil, d.err
	}
	return &fakeClient{id: int(n)}, nil
}

var testTarget = config.SyncTarget{Host: "backup", Port: 22, User: "me", RemoteBaseFolder: "/srv"}

func TestConnectionLifecycle(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	dialer := &countingDialer{}
	conn := NewConnection(testTarget, dialer.dial, logger)

	assert.False(t, conn.Connected())
	require.NoError(t, conn.Connect(context.Background()))
	assert.True(t, conn.Connected())

	// Connecting twice reuses the session.
	require.NoError(t, conn.Connect(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.calls))

	client, gen := conn.Current()
	assert.Equal(t, uint64(1), gen)

	require.NoError(t, conn.Close())
	assert.False(t, conn.Connected())
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.(*fakeClient).closed))
	assert.Equal(t, testTarget, conn.Target())
}

func TestConnectError(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	dialer := &countingDialer{err: assert.AnError}
	conn := NewConnection(testTarget, dialer.dial, logger)

	err := conn.Connect(context.Background())
	assert.Equal(t, errors.WithContext(assert.AnError, "connect"), err)
	assert.False(t, conn.Connected())
}

func TestReconnectIsMutuallyExclusive(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	dialer := &countingDialer{}
	conn := NewConnection(testTarget, dialer.dial, logger)
	require.NoError(t, conn.Connect(context.Background()))

	broken, observed := conn.Current()
	dialer.delay = 20 * time.Millisecond

	// Every worker observed the same broken session.
	const workers = 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, conn.Reconnect(context.Background(), observed))

			// No worker proceeds before the new session is in place.
			client, gen := conn.Current()
			assert.NotEqual(t, broken, client)
			assert.Equal(t, observed+1, gen)
		}()
	}
	close(start)
	wg.Wait()

	// One dial for Connect, and exactly one for the reconnect.
	assert.Equal(t, int32(2), atomic.LoadInt32(&dialer.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&broken.(*fakeClient).closed))
}

func TestReconnectFailureAllowsRetry(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	dialer := &countingDialer{}
	conn := NewConnection(testTarget, dialer.dial, logger)
	require.NoError(t, conn.Connect(context.Background()))
	_, observed := conn.Current()

	dialer.err = assert.AnError
	assert.Error(t, conn.Reconnect(context.Background(), observed))

	// The generation didn't change, so the next caller dials again.
	dialer.err = nil
	assert.NoError(t, conn.Reconnect(context.Background(), observed))
	_, gen := conn.Current()
	assert.Equal(t, observed+1, gen)
	assert.Equal(t, int32(3), atomic.LoadInt32(&dialer.calls))
}

func TestReconnectCancelled(t *testing.T) {
	logger, _ := logrusTest.NewNullLogger()
	dialer := &countingDialer{}
	conn := NewConnection(testTarget, dialer.dial, logger)
	require.NoError(t, conn.Connect(context.Background()))
	_, observed := conn.Current()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, conn.Reconnect(ctx, observed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dialer.calls))
}
