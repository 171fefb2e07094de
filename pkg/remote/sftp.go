package remote

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/sidkik/bupper/pkg/config"
	"github.com/sidkik/bupper/pkg/errors"
)

// SSHDialer opens SFTP sessions authenticated with a private key.
type SSHDialer struct {
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// Dial connects to `target`, and starts an SFTP session over the connection.
func (d SSHDialer) Dial(ctx context.Context, target config.SyncTarget) (Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.Signer)},
		HostKeyCallback: d.HostKeyCallback,
		Timeout:         d.Timeout,
	}

	netDialer := net.Dialer{Timeout: d.Timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, &ClassifiedError{Kind: SessionBroken, Op: "dial", Path: target.Address(), Err: err}
	}

	// The SSH handshake doesn't take a context, so bound it with a deadline
	// instead.
	if d.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.Address(), sshConfig)
	if err != nil {
		conn.Close()
		return nil, errors.WithContext(err, "ssh handshake")
	}
	conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, errors.WithContext(err, "start sftp session")
	}
	return newSFTPClient(sftpClient, sshClient), nil
}

type sshConn interface {
	Wait() error
	Close() error
}

type sftpClient struct {
	client *sftp.Client
	conn   sshConn

	// dead is closed once the underlying connection has terminated.
	dead chan struct{}
}

func newSFTPClient(client *sftp.Client, conn sshConn) *sftpClient {
	c := &sftpClient{client: client, conn: conn, dead: make(chan struct{})}
	if conn != nil {
		go func() {
			conn.Wait()
			close(c.dead)
		}()
	}
	return c
}

func (c *sftpClient) isDead() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}

// wrap classifies `err`. Errors returned after the connection went away are
// always SessionBroken, regardless of how the SFTP library reported them.
func (c *sftpClient) wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}

	kind := Classify(err)
	if kind == Transient && c.isDead() {
		kind = SessionBroken
	}
	return &ClassifiedError{Kind: kind, Op: op, Path: path, Err: err}
}

func (c *sftpClient) Stat(path string) (os.FileInfo, error) {
	fi, err := c.client.Stat(path)
	return fi, c.wrap("stat", path, err)
}

func (c *sftpClient) MkdirAll(path string) MkdirResult {
	if fi, err := c.client.Stat(path); err == nil {
		if fi.IsDir() {
			return MkdirResult{Outcome: AlreadyExists}
		}
		return MkdirResult{
			Outcome: OtherFailure,
			Cause:   c.wrap("mkdir", path, errors.New("path exists and is not a directory")),
		}
	}

	if err := c.client.MkdirAll(path); err != nil {
		// Another writer may have created it in the meantime.
		if fi, statErr := c.client.Stat(path); statErr == nil && fi.IsDir() {
			return MkdirResult{Outcome: AlreadyExists}
		}
		return MkdirResult{Outcome: OtherFailure, Cause: c.wrap("mkdir", path, err)}
	}
	return MkdirResult{Outcome: Created}
}

func (c *sftpClient) Create(path string) (io.WriteCloser, error) {
	f, err := c.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, c.wrap("create", path, err)
	}
	return &remoteFile{file: f, client: c, path: path}, nil
}

func (c *sftpClient) Close() error {
	err := c.client.Close()
	if c.conn != nil {
		if connErr := c.conn.Close(); err == nil {
			err = connErr
		}
	}
	return err
}

// remoteFile classifies the errors returned while writing a remote file.
type remoteFile struct {
	file   *sftp.File
	client *sftpClient
	path   string
}

func (f *remoteFile) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	return n, f.client.wrap("write", f.path, err)
}

// ReadFrom lets io.Copy use the concurrent writes of the SFTP library.
func (f *remoteFile) ReadFrom(r io.Reader) (int64, error) {
	n, err := f.file.ReadFrom(r)
	return n, f.client.wrap("write", f.path, err)
}

func (f *remoteFile) Close() error {
	return f.client.wrap("close", f.path, f.file.Close())
}
