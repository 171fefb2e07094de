// Package progress reports how far the upload of a directory has gotten.
// Progress is purely observational: sinks never affect the sync.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/buger/goterm"
	"github.com/sirupsen/logrus"
)

// Sink receives progress updates. Increment may be called concurrently by the
// upload workers.
type Sink interface {
	// Start begins tracking a new unit of work with `total` steps.
	Start(description string, total int)

	// Increment marks one step as complete.
	Increment()

	// Done marks the current unit of work as complete.
	Done()
}

// Discard is a Sink that ignores all updates.
var Discard Sink = discard{}

type discard struct{}

func (discard) Start(string, int) {}
func (discard) Increment()        {}
func (discard) Done()             {}

// Mocked out for unit testing.
var terminalWidth = goterm.Width

// Interactive returns whether stdout is a terminal that can render progress
// lines.
func Interactive() bool {
	return terminalWidth() > 0
}

// New returns a Term sink writing to stdout if it's a terminal, and a Log sink
// otherwise.
func New(log logrus.FieldLogger) Sink {
	if Interactive() {
		return NewTerm(os.Stdout)
	}
	return NewLog(log)
}

type counter struct {
	lock        sync.Mutex
	description string
	total       int
	completed   int
}

func (c *counter) start(description string, total int) {
	c.description = description
	c.total = total
	c.completed = 0
}

// Term renders a single, redrawn line per unit of work.
type Term struct {
	out io.Writer
	counter
}

// NewTerm returns a Term sink that writes to `out`.
func NewTerm(out io.Writer) *Term {
	return &Term{out: out}
}

func (t *Term) Start(description string, total int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.start(description, total)
	t.render(goterm.YELLOW, false)
}

func (t *Term) Increment() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.completed++
	t.render(goterm.YELLOW, false)
}

func (t *Term) Done() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.render(goterm.GREEN, true)
}

func (t *Term) render(color int, final bool) {
	end := ""
	if final {
		end = "\n"
	}
	status := goterm.Color(fmt.Sprintf("%d/%d", t.completed, t.total), color)
	fmt.Fprintf(t.out, "\r%s [%s]%s", t.description, status, end)
}

// Log reports progress through a logger. It's used when the output isn't a
// terminal, such as when running as a service.
type Log struct {
	log logrus.FieldLogger
	counter
}

// NewLog returns a Log sink.
func NewLog(log logrus.FieldLogger) *Log {
	return &Log{log: log}
}

func (l *Log) Start(description string, total int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.start(description, total)
	l.log.WithFields(logrus.Fields{
		"directory": description,
		"files":     total,
	}).Debug("Started directory")
}

func (l *Log) Increment() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.completed++
}

func (l *Log) Done() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.log.WithFields(logrus.Fields{
		"directory": l.description,
		"completed": l.completed,
		"files":     l.total,
	}).Debug("Finished directory")
}
