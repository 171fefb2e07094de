package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/bupper/pkg/compress"
	"github.com/sidkik/bupper/pkg/errors"
)

const (
	// DefaultConfigPath is the default path to the agent config.
	DefaultConfigPath = "~/.bupper.yaml"

	// InitialConfigVersion is the version assumed for config files that
	// don't specify one.
	InitialConfigVersion = "1.0"

	// SupportedConfigVersions is the version constraint that config files
	// must satisfy to be used by this binary.
	SupportedConfigVersions = ">= 1.0, < 2.0"

	DefaultInterval    = 60 * time.Second
	DefaultPort        = 22
	DefaultWorkers     = 20
	DefaultAttempts    = 3
	DefaultKeyPath     = "~/.ssh/id_rsa"
	FailSafePolicy     = "fail-safe"
	FailFastPolicy     = "fail-fast"
	defaultDialTimeout = 30 * time.Second
)

// Mocked out for unit testing.
var (
	fs            = afero.NewOsFs()
	homedirExpand = homedir.Expand
)

// FolderKind selects how a SyncFolder is traversed.
type FolderKind string

const (
	// ProjectsRoot folders are synced one immediate subdirectory at a time.
	// Each subdirectory becomes `<remoteName>/<subdir>` on the targets.
	ProjectsRoot FolderKind = "ProjectsRoot"

	// Single folders are accepted in the config but not synced yet.
	Single FolderKind = "Single"
)

// Agent is the configuration of the sync agent.
type Agent struct {
	Version  string       `json:"version,omitempty"`
	Interval Duration     `json:"interval,omitempty"`
	Folders  []SyncFolder `json:"folders"`
	Targets  []SyncTarget `json:"targets"`
	Settings Settings     `json:"settings,omitempty"`
}

// SyncFolder is a local directory tree that is mirrored to every target.
type SyncFolder struct {
	LocalPath  string     `json:"localPath"`
	RemoteName string     `json:"remoteName"`
	Kind       FolderKind `json:"kind"`

	// Exclude holds doublestar patterns relative to each synced directory.
	// Patterns ending in a slash exclude entire directories.
	Exclude []string `json:"exclude,omitempty"`
}

// SyncTarget is a remote host that receives the compressed files.
type SyncTarget struct {
	Host             string `json:"host"`
	Port             int    `json:"port,omitempty"`
	User             string `json:"user"`
	RemoteBaseFolder string `json:"remoteBaseFolder"`
}

// Address returns the host:port pair used to dial the target.
func (t SyncTarget) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

func (t SyncTarget) String() string {
	return fmt.Sprintf("%s@%s", t.User, t.Address())
}

// Settings tune the sync engine. Every field has a usable default.
type Settings struct {
	Workers             int            `json:"workers,omitempty"`
	Attempts            int            `json:"attempts,omitempty"`
	KeyPath             string         `json:"keyPath,omitempty"`
	KnownHostsPath      string         `json:"knownHostsPath,omitempty"`
	DialTimeout         Duration       `json:"dialTimeout,omitempty"`
	ComparePolicy       string         `json:"comparePolicy,omitempty"`
	Compression         compress.Level `json:"compression,omitempty"`
	ParallelCompression bool           `json:"parallelCompression,omitempty"`
	TempDir             string         `json:"tempDir,omitempty"`

	// Listen is the address of the HTTP config and metrics endpoint. The
	// endpoint is disabled when empty.
	Listen string `json:"listen,omitempty"`

	// AlertWebhook receives warnings and errors as JSON when set.
	AlertWebhook string `json:"alertWebhook,omitempty"`
}

func (a Agent) getVersion() string {
	return a.Version
}

// Duration is a time.Duration that is written as a string such as "60s" in
// the config file.
type Duration struct {
	time.Duration
}

// MarshalJSON implements the json.Marshaler interface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface. Bare numbers are
// interpreted as seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err == nil {
		d.Duration = time.Duration(seconds * float64(time.Second))
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", data)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// File is a config source backed by a YAML file. It implements the
// orchestrator's ConfigSource, and is re-read on every Load.
type File struct {
	Path string
}

// Load parses the config file.
func (f File) Load() (Agent, error) {
	return ParseAgent(f.Path)
}

// Save validates and writes `cfg` to the config file.
func (f File) Save(cfg Agent) error {
	return WriteAgent(f.Path, cfg)
}

// ParseAgent parses, defaults, and validates the agent config at `path`.
func ParseAgent(path string) (Agent, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return Agent{}, errors.WithContext(err, "expand config path")
	}

	cfg := Agent{Version: InitialConfigVersion}
	if err := parseConfig(path, &cfg, SupportedConfigVersions); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Agent{}, errors.NewFriendlyError("The bupper config "+
				"file doesn't exist at %q. Please run `bupper config add-folder` "+
				"and `bupper config add-target` to create it.", path)
		}
		return Agent{}, errors.WithContext(err, "parse")
	}

	return finalize(cfg)
}

// ParseAgentBytes parses a config from memory. It's used to validate configs
// submitted over HTTP before they're written.
func ParseAgentBytes(configBytes []byte) (Agent, error) {
	cfg := Agent{Version: InitialConfigVersion}
	if err := unmarshalConfig("request body", configBytes, &cfg, SupportedConfigVersions); err != nil {
		return Agent{}, err
	}
	return finalize(cfg)
}

func finalize(cfg Agent) (Agent, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Agent{}, errors.WithContext(err, "validate")
	}

	var err error
	for i, folder := range cfg.Folders {
		cfg.Folders[i].LocalPath, err = homedirExpand(folder.LocalPath)
		if err != nil {
			return Agent{}, errors.WithContext(err, "expand folder path")
		}
	}

	for _, path := range []*string{&cfg.Settings.KeyPath, &cfg.Settings.KnownHostsPath} {
		if *path == "" {
			continue
		}
		if *path, err = homedirExpand(*path); err != nil {
			return Agent{}, errors.WithContext(err, "expand settings path")
		}
	}
	return cfg, nil
}

// ApplyDefaults fills in every unset optional field.
func (a *Agent) ApplyDefaults() {
	if a.Version == "" {
		a.Version = InitialConfigVersion
	}
	if a.Interval.Duration == 0 {
		a.Interval.Duration = DefaultInterval
	}
	for i := range a.Targets {
		if a.Targets[i].Port == 0 {
			a.Targets[i].Port = DefaultPort
		}
	}

	s := &a.Settings
	if s.Workers == 0 {
		s.Workers = DefaultWorkers
	}
	if s.Attempts == 0 {
		s.Attempts = DefaultAttempts
	}
	if s.KeyPath == "" {
		s.KeyPath = DefaultKeyPath
	}
	if s.DialTimeout.Duration == 0 {
		s.DialTimeout.Duration = defaultDialTimeout
	}
	if s.ComparePolicy == "" {
		s.ComparePolicy = FailSafePolicy
	}
	if s.Compression == "" {
		s.Compression = compress.Default
	}
}

// Validate checks that the config can be used by the sync engine.
func (a Agent) Validate() error {
	if a.Interval.Duration < 0 {
		return errors.InvalidFieldError{Field: "interval",
			Value: a.Interval.String(), Reason: "must be positive"}
	}

	for i, folder := range a.Folders {
		field := func(name string) string {
			return fmt.Sprintf("folders[%d].%s", i, name)
		}
		if folder.LocalPath == "" {
			return errors.MissingFieldError{Field: field("localPath")}
		}
		if folder.RemoteName == "" {
			return errors.MissingFieldError{Field: field("remoteName")}
		}
		switch folder.Kind {
		case ProjectsRoot, Single:
		case "":
			return errors.MissingFieldError{Field: field("kind")}
		default:
			return errors.InvalidFieldError{Field: field("kind"),
				Value: string(folder.Kind), Reason: "unknown folder kind"}
		}
	}

	for i, target := range a.Targets {
		field := func(name string) string {
			return fmt.Sprintf("targets[%d].%s", i, name)
		}
		if target.Host == "" {
			return errors.MissingFieldError{Field: field("host")}
		}
		if target.User == "" {
			return errors.MissingFieldError{Field: field("user")}
		}
		if target.RemoteBaseFolder == "" {
			return errors.MissingFieldError{Field: field("remoteBaseFolder")}
		}
	}

	if a.Settings.Workers < 0 {
		return errors.InvalidFieldError{Field: "settings.workers",
			Value: fmt.Sprint(a.Settings.Workers), Reason: "must be positive"}
	}
	if a.Settings.Attempts < 0 {
		return errors.InvalidFieldError{Field: "settings.attempts",
			Value: fmt.Sprint(a.Settings.Attempts), Reason: "must be positive"}
	}
	switch a.Settings.ComparePolicy {
	case "", FailSafePolicy, FailFastPolicy:
	default:
		return errors.InvalidFieldError{Field: "settings.comparePolicy",
			Value: a.Settings.ComparePolicy, Reason: "must be fail-safe or fail-fast"}
	}
	return nil
}

// WriteAgent writes the given config to `path`.
func WriteAgent(path string, cfg Agent) error {
	if err := cfg.Validate(); err != nil {
		return errors.WithContext(err, "validate")
	}

	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	if cfg.Version == "" {
		cfg.Version = InitialConfigVersion
	}
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// ReadAgentOrEmpty parses the config at `path`, or returns an empty config if
// it doesn't exist yet. It is used by commands that edit the config.
func ReadAgentOrEmpty(path string) (Agent, error) {
	expanded, err := homedirExpand(path)
	if err != nil {
		return Agent{}, errors.WithContext(err, "expand config path")
	}

	exists, err := afero.Exists(fs, expanded)
	if err != nil {
		return Agent{}, errors.WithContext(err, "stat")
	}
	if !exists {
		return Agent{Version: InitialConfigVersion}, nil
	}

	cfg := Agent{Version: InitialConfigVersion}
	if err := parseConfig(expanded, &cfg, SupportedConfigVersions); err != nil {
		return Agent{}, errors.WithContext(err, "parse")
	}
	return cfg, nil
}
