package transport

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// SSHBridge runs adb commands on a remote adb host reached over SSH. Used
// when devices hang off a bridge machine (for example a Pi next to the
// devices) rather than the droidsense host itself.
type SSHBridge struct {
	host      string
	sshClient *ssh.Client
}

// NewSSHBridge dials SSH on host:port with password auth.
func NewSSHBridge(host, user, pass string, port int) (*SSHBridge, error) {
	if port == 0 {
		port = 22
	}
	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(pass),
		},
		// Home-network bridge hosts — production would verify host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), config)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", host, err)
	}
	return &SSHBridge{host: host, sshClient: client}, nil
}

// Run executes name with args on the remote host. The SSH session is created
// per-call (stateless). Context cancellation closes the session.
func (b *SSHBridge) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	session, err := b.sshClient.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()
	defer close(done)

	cmd := name
	for _, a := range args {
		cmd += " " + quoteArg(a)
	}
	output, err := session.CombinedOutput(cmd)
	if err != nil {
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, fmt.Errorf("SSH exec '%s': %w", cmd, err)
	}
	return output, nil
}

// Close closes the SSH connection.
func (b *SSHBridge) Close() error {
	return b.sshClient.Close()
}

// quoteArg single-quotes an argument for the remote shell.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t'\"\\$&|;<>()*?#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
