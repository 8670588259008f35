package gateway

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshdash/internal/session"
)

// RemoteDialer opens an authenticated connection to a target host.
type RemoteDialer interface {
	Dial(ctx context.Context, cfg session.ConnectionConfig) (Remote, error)
}

// Remote is one authenticated connection. Shells and commands each run in
// their own channel on it.
type Remote interface {
	OpenShell(shell string, cols, rows int) (Shell, error)
	// Run executes command and returns its stdout. When partial is non-nil
	// it receives stdout chunks as they arrive.
	Run(ctx context.Context, command string, partial func(chunk string)) (string, error)
	// Ping sends a keepalive over the connection and waits for the reply.
	Ping() error
	Close() error
}

// Shell is a PTY-backed interactive shell.
type Shell interface {
	io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	Resize(cols, rows int) error
	Close() error
}

// AllowedShells lists the shells OpenShell will start. Empty selects the
// login shell.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

func ValidateShell(shell string) error {
	if shell == "" || AllowedShells[shell] {
		return nil
	}
	return fmt.Errorf("shell %q is not in the allowed list", shell)
}

// SSHDialer dials targets with golang.org/x/crypto/ssh.
type SSHDialer struct {
	Timeout time.Duration
	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
}

func (d SSHDialer) Dial(ctx context.Context, cfg session.ConnectionConfig) (Remote, error) {
	signer, err := parseSigner(cfg.PrivateKey, cfg.Passphrase)
	if err != nil {
		return nil, err
	}
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := cfg.Address()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &sshRemote{client: ssh.NewClient(c, chans, reqs)}, nil
}

func parseSigner(key, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(passphrase))
		if errors.Is(err, x509.IncorrectPasswordError) {
			return nil, fmt.Errorf("incorrect passphrase for private key")
		}
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(key))
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key is passphrase protected")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return signer, nil
}

type sshRemote struct {
	client *ssh.Client
}

func (r *sshRemote) OpenShell(shell string, cols, rows int) (Shell, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, err
	}
	sess, err := r.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if shell == "" {
		err = sess.Shell()
	} else {
		err = sess.Start(shell)
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return &sshShell{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (r *sshRemote) Run(ctx context.Context, command string, partial func(string)) (string, error) {
	sess, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("create ssh session: %w", err)
	}
	defer sess.Close()

	var out, errOut bytes.Buffer
	var mu sync.Mutex
	sess.Stdout = writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		out.Write(p)
		mu.Unlock()
		if partial != nil {
			partial(string(p))
		}
		return len(p), nil
	})
	sess.Stderr = &errOut

	if err := sess.Start(command); err != nil {
		return "", fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return "", ctx.Err()
	}

	mu.Lock()
	output := out.String()
	mu.Unlock()
	if err != nil {
		msg := strings.TrimSpace(errOut.String())
		if msg == "" {
			msg = err.Error()
		}
		return output, errors.New(msg)
	}
	return output, nil
}

// Ping sends a keepalive@openssh.com request. SendRequest with wantReply
// fails once the connection is dead.
func (r *sshRemote) Ping() error {
	if _, _, err := r.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return fmt.Errorf("ssh keepalive: %w", err)
	}
	return nil
}

func (r *sshRemote) Close() error {
	return r.client.Close()
}

type sshShell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *sshShell) Stdout() io.Reader           { return s.stdout }
func (s *sshShell) Stderr() io.Reader           { return s.stderr }

func (s *sshShell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	s.stdin.Close()
	return s.sess.Close()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
