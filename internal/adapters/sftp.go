package adapters

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPTarget is a resolved remote endpoint.
type SFTPTarget struct {
	Address    string
	User       string
	Password   string
	KnownHosts string
}

// SFTPDialer opens an SFTP session. The returned closer tears down the session
// and its transport.
type SFTPDialer func(ctx context.Context, target SFTPTarget) (*sftp.Client, io.Closer, error)

type sessionCloser struct {
	client *sftp.Client
	conn   *ssh.Client
}

func (s sessionCloser) Close() error {
	_ = s.client.Close()
	return s.conn.Close()
}

// DialSSH connects over SSH, verifying the host against the known_hosts file.
func DialSSH(ctx context.Context, target SFTPTarget) (*sftp.Client, io.Closer, error) {
	if target.KnownHosts == "" {
		return nil, nil, fmt.Errorf("known_hosts is required for %s", target.Address)
	}
	hostKeys, err := knownhosts.New(target.KnownHosts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.Password(target.Password)},
		HostKeyCallback: hostKeys,
		Timeout:         15 * time.Second,
	}

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", target.Address, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(raw, target.Address, cfg)
	if err != nil {
		_ = raw.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s failed: %w", target.Address, err)
	}
	sshClient := ssh.NewClient(conn, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("sftp client creation failed: %w", err)
	}
	return client, sessionCloser{client: client, conn: sshClient}, nil
}

// SFTPUpload copies its input to a remote directory. Config: "address",
// "user", "password" (secret ref), "remote_dir", "known_hosts".
type SFTPUpload struct {
	Secrets SecretResolver
	Dial    SFTPDialer
	now     func() time.Time
}

func (a *SFTPUpload) target(req Request) (SFTPTarget, error) {
	var t SFTPTarget
	var err error
	if t.Address, err = configValue(req.Step, "address"); err != nil {
		return t, err
	}
	if t.User, err = configValue(req.Step, "user"); err != nil {
		return t, err
	}
	if ref := req.Step.Config["password"]; ref != "" {
		if a.Secrets == nil {
			return t, fmt.Errorf("step %s: no secret resolver configured", req.Step.ID)
		}
		if t.Password, err = a.Secrets.Resolve(ref); err != nil {
			return t, fmt.Errorf("step %s: %w", req.Step.ID, err)
		}
	}
	t.KnownHosts = req.Step.Config["known_hosts"]
	return t, nil
}

func (a *SFTPUpload) Run(ctx context.Context, req Request) error {
	if err := requireInput(req); err != nil {
		return err
	}
	target, err := a.target(req)
	if err != nil {
		return err
	}
	remoteDir, err := configValue(req.Step, "remote_dir")
	if err != nil {
		return err
	}

	dial := a.Dial
	if dial == nil {
		dial = DialSSH
	}
	client, closer, err := dial(ctx, target)
	if err != nil {
		return err
	}
	defer closer.Close()

	src, err := req.Store.Read(ctx, req.Input.Entry)
	if err != nil {
		return fmt.Errorf("failed to open input %s: %w", req.Input.Entry, err)
	}
	defer src.Close()

	dir := path.Join(remoteDir, req.PipelineID, req.ExecutionID)
	if err := client.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create remote directory %s: %w", dir, err)
	}
	remotePath := path.Join(dir, req.Input.Name())
	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	sum := &countingHash{h: sha256.New()}
	if _, err := io.Copy(io.MultiWriter(dst, sum), src); err != nil {
		_ = dst.Close()
		_ = client.Remove(remotePath)
		return fmt.Errorf("failed to copy content to remote: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to finish remote file %s: %w", remotePath, err)
	}

	now := time.Now
	if a.now != nil {
		now = a.now
	}
	return writeReceipt(ctx, req, Receipt{
		Destination: "sftp://" + target.Address,
		Location:    remotePath,
		Bytes:       sum.n,
		SHA256:      sum.sum(),
		UploadedAt:  now().UTC(),
	})
}
