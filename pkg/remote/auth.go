package remote

import (
	"os"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sidkik/bupper/pkg/errors"
)

// Mocked out for unit testing.
var (
	fs            = afero.NewOsFs()
	homedirExpand = homedir.Expand
)

// LoadSigner reads the private key used to authenticate with every target.
func LoadSigner(keyPath string) (ssh.Signer, error) {
	path, err := homedirExpand(keyPath)
	if err != nil {
		return nil, errors.WithContext(err, "expand key path")
	}

	keyBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFriendlyError("The SSH private key %q doesn't exist.\n"+
				"Set `settings.keyPath` in the bupper config to the key that's "+
				"authorized on the targets.", path)
		}
		return nil, errors.WithContext(err, "read key")
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, errors.NewFriendlyError("The SSH private key %q is "+
				"protected by a passphrase, which isn't supported. "+
				"Please use a key without a passphrase.", path)
		}
		return nil, errors.WithContext(err, "parse key")
	}
	return signer, nil
}

// HostKeyCallback returns the callback used to verify the identity of the
// targets. Host keys aren't checked if no known_hosts file is configured.
func HostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Warn("No known_hosts file is configured. " +
			"The identity of the sync targets won't be verified.")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path, err := homedirExpand(knownHostsPath)
	if err != nil {
		return nil, errors.WithContext(err, "expand known_hosts path")
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.WithContext(err, "load known_hosts")
	}
	return callback, nil
}
