// Package compress turns local files into the gzip artifacts that are stored
// on the remote hosts, and back.
//
// Every file gets its own temporary artifact. The artifact's size is only
// measured after the compressor has been closed, so that it includes the gzip
// trailer and can be compared against the size of the remote object.
package compress

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"github.com/spf13/afero"

	"github.com/sidkik/bupper/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const tempPattern = "bupper-*.gz"

// Compressor creates compressed artifacts in TempDir. The zero value writes
// default-level artifacts to the OS temp directory.
type Compressor struct {
	Level Level

	// Parallel compresses blocks concurrently with pgzip. The output is still
	// a standard gzip stream, but its bytes differ from the single threaded
	// writer, so toggling it causes every file to be uploaded once more.
	Parallel bool

	TempDir string
}

// Artifact is a compressed copy of a local file. The caller owns it and must
// call Remove once it has been consumed.
type Artifact struct {
	Path string
	Size int64
}

// Open opens the artifact for reading from the beginning.
func (a Artifact) Open() (io.ReadCloser, error) {
	return fs.Open(a.Path)
}

// Remove deletes the artifact.
func (a Artifact) Remove() error {
	return fs.Remove(a.Path)
}

// CompressFile compresses the local file at `path`.
func (c Compressor) CompressFile(path string) (Artifact, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Artifact{}, errors.WithContext(err, "open")
	}
	defer f.Close()
	return c.Compress(f)
}

// Compress streams `src` through gzip into a new temporary file.
func (c Compressor) Compress(src io.Reader) (art Artifact, err error) {
	tmp, err := afero.TempFile(fs, c.TempDir, tempPattern)
	if err != nil {
		return Artifact{}, errors.WithContext(err, "create temp file")
	}
	path := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			fs.Remove(path)
		}
	}()

	zw, err := c.newWriter(tmp)
	if err != nil {
		return Artifact{}, errors.WithContext(err, "create compressor")
	}

	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return Artifact{}, errors.WithContext(err, "compress")
	}

	// Closing the compressor writes the trailer. The size is only meaningful
	// after this point.
	if err := zw.Close(); err != nil {
		return Artifact{}, errors.WithContext(err, "flush compressor")
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, errors.WithContext(err, "close temp file")
	}

	info, err := fs.Stat(path)
	if err != nil {
		return Artifact{}, errors.WithContext(err, "stat temp file")
	}
	return Artifact{Path: path, Size: info.Size()}, nil
}

func (c Compressor) newWriter(w io.Writer) (io.WriteCloser, error) {
	if c.Parallel {
		return pgzip.NewWriterLevel(w, c.Level.gzipLevel())
	}
	return gzip.NewWriterLevel(w, c.Level.gzipLevel())
}

// Decompress writes the decompressed contents of `src` to `dst`, replacing
// any existing file. A partially written `dst` is removed on failure.
func Decompress(src io.Reader, dst string) (err error) {
	zr, err := pgzip.NewReader(src)
	if err != nil {
		return errors.WithContext(err, "read gzip header")
	}
	defer zr.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return errors.WithContext(err, "create destination")
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = errors.WithContext(closeErr, "close destination")
		}
		if err != nil {
			fs.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, zr); err != nil {
		return errors.WithContext(err, "decompress")
	}
	return nil
}

// DecompressFile decompresses the artifact at `src` into `dst`.
func DecompressFile(src, dst string) error {
	f, err := fs.Open(src)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()
	return Decompress(f, dst)
}
