package compress

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"
)

// Level represents the desired trade-off between speed and size of the
// compressed artifacts.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

var gzipLevels = map[Level]int{
	Default: gzip.DefaultCompression,
	Fastest: gzip.BestSpeed,
	Better:  6,
	Best:    gzip.BestCompression,
}

func (l Level) String() string {
	if _, ok := gzipLevels[l]; ok {
		return string(l)
	}
	return string(Default)
}

func (l Level) gzipLevel() int {
	if lvl, ok := gzipLevels[l]; ok {
		return lvl
	}
	return gzip.DefaultCompression
}

// ParseLevel parses a string into a compression Level. The empty string is
// the default level.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	if _, ok := gzipLevels[Level(s)]; ok {
		return Level(s), nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'default', 'fastest', 'better', or 'best'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression level should be a string, got %s", data)
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
