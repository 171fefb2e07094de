package progress

import (
	"bytes"
	"sync"
	"testing"

	"github.com/buger/goterm"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerm(t *testing.T) {
	var out bytes.Buffer
	term := NewTerm(&out)

	term.Start("projects/projA", 2)
	term.Increment()
	term.Increment()
	term.Done()

	exp := "\rprojects/projA [" + goterm.Color("0/2", goterm.YELLOW) + "]" +
		"\rprojects/projA [" + goterm.Color("1/2", goterm.YELLOW) + "]" +
		"\rprojects/projA [" + goterm.Color("2/2", goterm.YELLOW) + "]" +
		"\rprojects/projA [" + goterm.Color("2/2", goterm.GREEN) + "]\n"
	assert.Equal(t, exp, out.String())
}

func TestLogConcurrentIncrements(t *testing.T) {
	logger, hook := logrusTest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	sink := NewLog(logger)

	sink.Start("projects/projA", 50)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Increment()
		}()
	}
	wg.Wait()
	sink.Done()

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "Started directory", entries[0].Message)
	assert.Equal(t, "Finished directory", entries[1].Message)
	assert.Equal(t, logrus.Fields{
		"directory": "projects/projA",
		"completed": 50,
		"files":     50,
	}, entries[1].Data)
}

func TestNew(t *testing.T) {
	defer func() { terminalWidth = goterm.Width }()
	logger, _ := logrusTest.NewNullLogger()

	terminalWidth = func() int { return -1 }
	assert.IsType(t, &Log{}, New(logger))

	terminalWidth = func() int { return 80 }
	assert.IsType(t, &Term{}, New(logger))
}
