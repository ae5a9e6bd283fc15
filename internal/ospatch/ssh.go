package ospatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

type SSHConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
}

// SSHExecutor runs commands over one lazily dialed SSH connection, one
// session per command.
type SSHExecutor struct {
	config SSHConfig
	logger *logrus.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHExecutor(cfg SSHConfig, logger *logrus.Logger) (*SSHExecutor, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Host == "" {
		return nil, errors.New("ssh host is required")
	}
	if cfg.User == "" {
		return nil, errors.New("ssh user is required")
	}
	if cfg.Password == "" && cfg.KeyFile == "" {
		return nil, errors.New("ssh password or key file is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SSHExecutor{config: cfg, logger: logger}, nil
}

func (e *SSHExecutor) clientConfig() (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:    e.config.User,
		Timeout: e.config.Timeout,
	}

	if e.config.KeyFile != "" {
		key, err := os.ReadFile(e.config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if e.config.Password != "" {
		cfg.Auth = append(cfg.Auth, ssh.Password(e.config.Password))
	}

	if e.config.KnownHostsFile != "" {
		cb, err := knownhosts.New(e.config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		cfg.HostKeyCallback = cb
	} else {
		host := e.config.Host
		logger := e.logger
		cfg.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			logger.WithFields(logrus.Fields{
				"host":        host,
				"key_type":    key.Type(),
				"fingerprint": ssh.FingerprintSHA256(key),
			}).Warn("Host key not verified, no known_hosts file configured")
			return nil
		}
	}
	return cfg, nil
}

func (e *SSHExecutor) connect(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	cfg, err := e.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))

	dialer := &net.Dialer{Timeout: e.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect via SSH: %w", err)
	}

	// The handshake only honours deadlines on conn, so bound it by the
	// configured timeout and cut it short when ctx ends.
	_ = conn.SetDeadline(time.Now().Add(e.config.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	e.client = ssh.NewClient(sshConn, chans, reqs)
	e.logger.WithField("addr", addr).Debug("SSH connection established")
	return e.client, nil
}

// Run returns stdout. A non-zero exit status is returned as an error together
// with whatever stdout was produced.
func (e *SSHExecutor) Run(ctx context.Context, command string) (string, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("remote command failed: %w (stderr: %s)", err, utils.Truncate(stderr.String(), 200))
		}
		return stdout.String(), nil
	}
}

func (e *SSHExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
