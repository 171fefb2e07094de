package decompress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/bupper/pkg/errors"
)

func TestRun(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		decompErr error
		expSrc    string
		expDst    string
		expOut    string
		expError  string
	}{
		{
			name:   "Explicit destination",
			args:   []string{"/tmp/file.ext.gz", "/tmp/restored.ext"},
			expSrc: "/tmp/file.ext.gz",
			expDst: "/tmp/restored.ext",
			expOut: "Decompressed /tmp/file.ext.gz to /tmp/restored.ext\n",
		},
		{
			name:   "Destination from suffix",
			args:   []string{"/tmp/file.ext.gz"},
			expSrc: "/tmp/file.ext.gz",
			expDst: "/tmp/file.ext",
			expOut: "Decompressed /tmp/file.ext.gz to /tmp/file.ext\n",
		},
		{
			name: "No suffix",
			args: []string{"/tmp/file.ext"},
			expError: "Please specify a destination. " +
				"It can't be guessed because \"/tmp/file.ext\" doesn't end with .gz.",
		},
		{
			name:      "Corrupt artifact",
			args:      []string{"/tmp/file.ext.gz"},
			decompErr: errors.New("gzip: invalid header"),
			expSrc:    "/tmp/file.ext.gz",
			expDst:    "/tmp/file.ext",
			expError:  "decompress /tmp/file.ext.gz: gzip: invalid header",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			out := bytes.NewBuffer(nil)
			stdout = out

			var called bool
			decompressFile = func(src, dst string) error {
				called = true
				assert.Equal(t, test.expSrc, src)
				assert.Equal(t, test.expDst, dst)
				return test.decompErr
			}

			err := run(test.args)
			if test.expError != "" {
				assert.EqualError(t, err, test.expError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, test.expSrc != "", called)
			assert.Equal(t, test.expOut, out.String())
		})
	}
}
