package ospatch

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bl4ck0w1/patchlynx/pkg/utils"
)

const (
	testUser     = "ops"
	testPassword = "s3cret"
)

// testSSHServer is an in-process SSH server with a handful of canned
// commands.
type testSSHServer struct {
	host        string
	port        int
	hostKey     ssh.Signer
	authorized  ssh.PublicKey
	connections atomic.Int32
}

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, priv
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey) *testSSHServer {
	t.Helper()
	hostKey, _ := newSigner(t)
	srv := &testSSHServer{hostKey: hostKey, authorized: authorized}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if srv.authorized != nil && bytes.Equal(key.Marshal(), srv.authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	addr := ln.Addr().(*net.TCPAddr)
	srv.host, srv.port = addr.IP.String(), addr.Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.connections.Add(1)
			go serveSSHConn(conn, cfg)
		}
	}()
	return srv
}

func (s *testSSHServer) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

func serveSSHConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, chReqs)
	}
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				status := runCanned(ch, payload.Command, done)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				_ = ch.Close()
			}()
		case "signal":
			stop()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func runCanned(ch ssh.Channel, command string, done <-chan struct{}) uint32 {
	switch command {
	case "uname -s":
		_, _ = io.WriteString(ch, "Linux\n")
		return 0
	case "false":
		_, _ = io.WriteString(ch.Stderr(), "boom")
		return 1
	case "sleep":
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
		return 130
	}
	_, _ = io.WriteString(ch.Stderr(), command+": not found")
	return 127
}

func newTestExecutor(t *testing.T, cfg SSHConfig) *SSHExecutor {
	t.Helper()
	e, err := NewSSHExecutor(cfg, utils.QuietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestNewSSHExecutor_Validation(t *testing.T) {
	testCases := []struct {
		name string
		cfg  SSHConfig
		err  string
	}{
		{"missing host", SSHConfig{User: "u", Password: "p"}, "host"},
		{"missing user", SSHConfig{Host: "h", Password: "p"}, "user"},
		{"missing credentials", SSHConfig{Host: "h", User: "u"}, "password or key"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSSHExecutor(tc.cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}

	e, err := NewSSHExecutor(SSHConfig{Host: "h", User: "u", Password: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 22, e.config.Port)
	assert.Equal(t, 10*time.Second, e.config.Timeout)
}

func TestSSHExecutor_PasswordAuth(t *testing.T) {
	srv := startSSHServer(t, nil)
	e := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: testPassword, Timeout: 2 * time.Second})

	out, err := e.Run(context.Background(), "uname -s")
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", out)

	// The connection is reused across commands.
	_, err = e.Run(context.Background(), "uname -s")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.connections.Load())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestSSHExecutor_WrongPassword(t *testing.T) {
	srv := startSSHServer(t, nil)
	e := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: "nope", Timeout: 2 * time.Second})

	_, err := e.Run(context.Background(), "uname -s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh handshake")
}

func TestSSHExecutor_KeyAuth(t *testing.T) {
	userSigner, userKey := newSigner(t)
	srv := startSSHServer(t, userSigner.PublicKey())

	block, err := ssh.MarshalPrivateKey(userKey, "")
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0o600))

	e := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, KeyFile: keyFile, Timeout: 2 * time.Second})
	out, err := e.Run(context.Background(), "uname -s")
	require.NoError(t, err)
	assert.Equal(t, "Linux\n", out)

	bad := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(bad, []byte("not a key"), 0o600))
	broken := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, KeyFile: bad, Timeout: 2 * time.Second})
	_, err = broken.Run(context.Background(), "uname -s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse private key")
}

func TestSSHExecutor_KnownHosts(t *testing.T) {
	srv := startSSHServer(t, nil)
	dir := t.TempDir()

	trusted := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr())}, srv.hostKey.PublicKey())
	require.NoError(t, os.WriteFile(trusted, []byte(line+"\n"), 0o600))

	e := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: testPassword, KnownHostsFile: trusted, Timeout: 2 * time.Second})
	_, err := e.Run(context.Background(), "uname -s")
	require.NoError(t, err)

	other, _ := newSigner(t)
	mismatched := filepath.Join(dir, "known_hosts_other")
	line = knownhosts.Line([]string{knownhosts.Normalize(srv.addr())}, other.PublicKey())
	require.NoError(t, os.WriteFile(mismatched, []byte(line+"\n"), 0o600))

	rejected := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: testPassword, KnownHostsFile: mismatched, Timeout: 2 * time.Second})
	_, err = rejected.Run(context.Background(), "uname -s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key mismatch")

	missing := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: testPassword, KnownHostsFile: filepath.Join(dir, "absent"), Timeout: 2 * time.Second})
	_, err = missing.Run(context.Background(), "uname -s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known hosts")
}

func TestSSHExecutor_NonZeroExit(t *testing.T) {
	srv := startSSHServer(t, nil)
	e := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: testPassword, Timeout: 2 * time.Second})

	_, err := e.Run(context.Background(), "false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	var exitErr *ssh.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.ExitStatus())
}

func TestSSHExecutor_RunCancelled(t *testing.T) {
	srv := startSSHServer(t, nil)
	e := newTestExecutor(t, SSHConfig{Host: srv.host, Port: srv.port, User: testUser, Password: testPassword, Timeout: 2 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := e.Run(ctx, "sleep")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// silentListener accepts TCP connections and never speaks SSH.
func silentListener(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestSSHExecutor_HandshakeTimeout(t *testing.T) {
	host, port := silentListener(t)

	t.Run("configured timeout", func(t *testing.T) {
		e := newTestExecutor(t, SSHConfig{Host: host, Port: port, User: testUser, Password: testPassword, Timeout: 300 * time.Millisecond})
		start := time.Now()
		_, err := e.Run(context.Background(), "uname -s")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ssh handshake")
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("context deadline", func(t *testing.T) {
		e := newTestExecutor(t, SSHConfig{Host: host, Port: port, User: testUser, Password: testPassword, Timeout: time.Minute})
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := e.Run(ctx, "uname -s")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 3*time.Second)
	})

	t.Run("context cancelled", func(t *testing.T) {
		e := newTestExecutor(t, SSHConfig{Host: host, Port: port, User: testUser, Password: testPassword, Timeout: time.Minute})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(200*time.Millisecond, cancel)
		start := time.Now()
		_, err := e.Run(ctx, "uname -s")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}
