// Package alert forwards warnings and errors to a webhook, so that failed
// syncs are noticed even when nobody is watching the agent's output.
package alert

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sidkik/bupper/pkg/version"
)

const contentType = "application/json"

// Mocked out for unit testing.
var (
	httpPost = (&http.Client{Timeout: 10 * time.Second}).Post
	hostname = os.Hostname
)

var formatter = &logrus.JSONFormatter{
	FieldMap: logrus.FieldMap{
		logrus.FieldKeyTime:  "timestamp",
		logrus.FieldKeyLevel: "status",
		logrus.FieldKeyMsg:   "message",
	},
}

// NewHook creates a hook that posts every warning and error to `endpoint`.
func NewHook(endpoint string) logrus.Hook {
	host, err := hostname()
	if err != nil {
		host = "unknown"
	}
	return &hook{
		endpoint: endpoint,
		host:     host,
		levels: []logrus.Level{
			logrus.PanicLevel,
			logrus.FatalLevel,
			logrus.ErrorLevel,
			logrus.WarnLevel,
		},
	}
}

type hook struct {
	endpoint string
	host     string
	levels   []logrus.Level
}

func (h *hook) Levels() []logrus.Level {
	return h.levels
}

func (h *hook) Fire(entry *logrus.Entry) error {
	data := logrus.Fields{
		"source":  "bupper",
		"host":    h.host,
		"version": version.Version,
	}
	for k, v := range entry.Data {
		data[k] = v
	}

	// Copy the entry so that the extra fields don't show up in other hooks
	// or the regular output.
	entryCopy := *entry
	entryCopy.Data = data

	jsonBytes, err := formatter.Format(&entryCopy)
	if err != nil {
		logrus.WithError(err).Debug("Failed to marshal log entry for alert")
		return nil
	}

	resp, err := httpPost(h.endpoint, contentType, bytes.NewReader(jsonBytes))
	if err != nil {
		logrus.WithError(err).Debug("Failed to post alert")
	} else {
		// Close the body to avoid leaking resources.
		resp.Body.Close()
	}

	// Never return an error because logrus prints hook errors directly to
	// stderr, in the middle of the progress output.
	return nil
}
