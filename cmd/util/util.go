package util

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/bupper/pkg/errors"
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error and exits. Friendly errors are printed as
// is, and other errors are printed along with their context.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	var friendly errors.FriendlyError
	if errors.As(err, &friendly) {
		fmt.Fprintln(stderr, friendly.FriendlyMessage())
	} else {
		fmt.Fprintf(stderr, "Error: %s\n", err)
	}
	exit(1)
}

// HandlePanic logs panics before exiting. It should be deferred at the top
// of every goroutine.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithFields(log.Fields{
			"panic": fmt.Sprint(r),
			"stack": string(debug.Stack()),
		}).Error("Unexpected panic")
		exit(1)
	}
}
