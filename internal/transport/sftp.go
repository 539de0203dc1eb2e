package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"deposit-orchestrator/internal/domain"
)

const (
	ProtocolSFTP    = "sftp"
	defaultSFTPPort = 22
)

// SFTP copies packages into a directory on a remote host over SSH. A
// completed upload is final, so receipts carry ACCEPTED.
type SFTP struct{}

func NewSFTP() *SFTP {
	return &SFTP{}
}

func (t *SFTP) Protocol() string {
	return ProtocolSFTP
}

type sftpSettings struct {
	addr     string
	basePath string
	timeout  time.Duration
	client   *ssh.ClientConfig
}

func sftpSettingsFrom(cfg Config) (sftpSettings, error) {
	host, err := cfg.Require(KeyHost)
	if err != nil {
		return sftpSettings{}, err
	}
	port, err := cfg.Int(KeyPort, defaultSFTPPort)
	if err != nil {
		return sftpSettings{}, err
	}
	timeout, err := cfg.ConnectTimeout()
	if err != nil {
		return sftpSettings{}, err
	}
	return sftpSettings{
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		basePath: cfg.String(KeyBasePath, "."),
		timeout:  timeout,
	}, nil
}

func sshClientConfig(cfg Config, timeout time.Duration) (*ssh.ClientConfig, error) {
	user, err := cfg.Require(KeyUsername)
	if err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	if keyFile := cfg.String(KeyPrivateKeyFile, ""); keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, invalidKey(KeyPrivateKeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, invalidKey(KeyPrivateKeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if pw := cfg.String(KeyPassword, ""); pw != "" {
		auth = append(auth, ssh.Password(pw))
	}
	if len(auth) == 0 {
		return nil, &ConfigurationError{Key: KeyPassword, Reason: "password or private_key_file required"}
	}

	insecure, err := cfg.InsecureSkipVerify()
	if err != nil {
		return nil, err
	}
	var hostKey ssh.HostKeyCallback
	switch knownHosts := cfg.String(KeyKnownHostsFile, ""); {
	case knownHosts != "":
		hostKey, err = knownhosts.New(knownHosts)
		if err != nil {
			return nil, invalidKey(KeyKnownHostsFile, err)
		}
	case insecure:
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicit per-repository opt-in
	default:
		return nil, &ConfigurationError{Key: KeyKnownHostsFile, Reason: "required unless insecure_skip_verify is true"}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

type sftpSession struct {
	conn     *ssh.Client
	client   *sftp.Client
	addr     string
	basePath string
}

func (t *SFTP) Open(ctx context.Context, cfg Config) (Session, error) {
	return t.dial(ctx, cfg)
}

func (t *SFTP) dial(ctx context.Context, cfg Config) (*sftpSession, error) {
	settings, err := sftpSettingsFrom(cfg)
	if err != nil {
		return nil, err
	}
	settings.client, err = sshClientConfig(cfg, settings.timeout)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: settings.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", settings.addr)
	if err != nil {
		return nil, &ConnectionError{Endpoint: settings.addr, Err: err}
	}
	_ = raw.SetDeadline(time.Now().Add(settings.timeout))
	c, chans, reqs, err := ssh.NewClientConn(raw, settings.addr, settings.client)
	if err != nil {
		_ = raw.Close()
		return nil, asConnectionError(settings.addr, fmt.Errorf("ssh handshake: %w", err))
	}
	_ = raw.SetDeadline(time.Time{})
	conn := ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, asConnectionError(settings.addr, fmt.Errorf("start sftp subsystem: %w", err))
	}
	return &sftpSession{conn: conn, client: client, addr: settings.addr, basePath: settings.basePath}, nil
}

func (s *sftpSession) Send(_ context.Context, pkg Package) (Receipt, error) {
	if err := s.client.MkdirAll(s.basePath); err != nil {
		return Receipt{}, s.classify(fmt.Errorf("create %s: %w", s.basePath, err))
	}
	target := path.Join(s.basePath, path.Base(pkg.Name))

	f, err := s.client.Create(target)
	if err != nil {
		return Receipt{}, s.classify(fmt.Errorf("create %s: %w", target, err))
	}
	if _, err := f.ReadFrom(bytes.NewReader(pkg.Body)); err != nil {
		_ = f.Close()
		return Receipt{}, s.classify(fmt.Errorf("write %s: %w", target, err))
	}
	if err := f.Close(); err != nil {
		return Receipt{}, s.classify(fmt.Errorf("close %s: %w", target, err))
	}

	info, err := s.client.Stat(target)
	if err != nil {
		return Receipt{}, s.classify(fmt.Errorf("stat %s: %w", target, err))
	}
	if info.Size() != int64(len(pkg.Body)) {
		return Receipt{}, fmt.Errorf("uploaded %s has size %d, want %d", target, info.Size(), len(pkg.Body))
	}

	return Receipt{
		Locator: "sftp://" + s.addr + "/" + target,
		Status:  domain.DepositStatusAccepted,
	}, nil
}

func (s *sftpSession) classify(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return &ProtocolRejection{Reason: err.Error()}
	}
	return asConnectionError(s.addr, err)
}

func (s *sftpSession) Close() error {
	cerr := s.client.Close()
	if err := s.conn.Close(); err != nil {
		return err
	}
	return cerr
}

// QueryStatus reports ACCEPTED while the uploaded file exists.
func (t *SFTP) QueryStatus(ctx context.Context, cfg Config, locator string) (domain.DepositStatus, error) {
	settings, err := sftpSettingsFrom(cfg)
	if err != nil {
		return "", err
	}
	prefix := "sftp://" + settings.addr + "/"
	if len(locator) <= len(prefix) || locator[:len(prefix)] != prefix {
		return "", fmt.Errorf("locator %q does not belong to %s", locator, settings.addr)
	}

	s, err := t.dial(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer s.Close()
	if _, err := s.client.Stat(locator[len(prefix):]); err != nil {
		return "", s.classify(err)
	}
	return domain.DepositStatusAccepted, nil
}

func (t *SFTP) CheckConnectivity(ctx context.Context, cfg Config) bool {
	settings, err := sftpSettingsFrom(cfg)
	if err != nil {
		return false
	}
	dialer := &net.Dialer{Timeout: settings.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", settings.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
