package remote

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/metrics"
)

// Connection owns the session with a single target for one sync cycle. The
// session is shared by all of the upload workers, and any of them may replace
// it through Reconnect.
type Connection struct {
	target config.SyncTarget
	dial   Dialer
	log    logrus.FieldLogger

	// gate guards client and generation, and serializes reconnects so that
	// at most one dial is in flight.
	gate sync.Mutex

	client Client

	// generation is incremented every time the session is replaced. Workers
	// pass the generation of the session that failed them to Reconnect,
	// which lets a worker that was waiting on the gate notice that the
	// session was already replaced.
	generation uint64
}

// NewConnection returns a disconnected Connection to `target`.
func NewConnection(target config.SyncTarget, dial Dialer, log logrus.FieldLogger) *Connection {
	return &Connection{
		target: target,
		dial:   dial,
		log:    log.WithField("target", target.String()),
	}
}

// Target returns the target that the connection is for.
func (c *Connection) Target() config.SyncTarget {
	return c.target
}

// Connect opens the initial session.
func (c *Connection) Connect(ctx context.Context) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	if c.client != nil {
		return nil
	}

	client, err := c.dial(ctx, c.target)
	if err != nil {
		return errors.WithContext(err, "connect")
	}
	c.client = client
	c.generation++
	return nil
}

// Current returns the current session and its generation. The client is nil
// if the connection is closed.
func (c *Connection) Current() (Client, uint64) {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.client, c.generation
}

// Connected returns whether the connection has a session.
func (c *Connection) Connected() bool {
	client, _ := c.Current()
	return client != nil
}

// Reconnect replaces the session that was at `observed` generation. If the
// session was already replaced by another caller while this one was waiting
// on the gate, Reconnect returns without dialing.
func (c *Connection) Reconnect(ctx context.Context, observed uint64) error {
	c.gate.Lock()
	defer c.gate.Unlock()

	if c.generation != observed {
		c.log.Debug("Session was already reconnected")
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	c.log.Info("Reconnecting")
	client, err := c.dial(ctx, c.target)
	if err != nil {
		metrics.RecordReconnect(false)
		return errors.WithContext(err, "reconnect")
	}
	metrics.RecordReconnect(true)

	if c.client != nil {
		if err := c.client.Close(); err != nil {
			c.log.WithError(err).Debug("Failed to close broken session")
		}
	}
	c.client = client
	c.generation++
	return nil
}

// Close closes the session. The connection may be connected again.
func (c *Connection) Close() error {
	c.gate.Lock()
	defer c.gate.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
