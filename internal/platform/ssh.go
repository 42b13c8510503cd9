package platform

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHRunner executes commands on a remote host over SSH, implementing
// CommandRunner for any non-local platform. One *ssh.Client connection is
// cached per host and reused across Run calls.
type SSHRunner struct {
	sshCommand string // always "ssh"; the platform "ssh command" setting is not applied, and connections use the built-in client
	config     *ssh.ClientConfig
	dial       func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)

	clients map[string]*ssh.Client
}

// NewSSHRunner builds a runner authenticating via the calling user's SSH
// agent (the conventional Cylc remote-access model: passwordless key auth
// already configured by the site, never credentials held by the scheduler).
func NewSSHRunner() (*SSHRunner, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("platform: SSH_AUTH_SOCK not set, cannot authenticate to remote platforms")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("platform: connect to ssh-agent: %w", err)
	}
	agentClient := agent.NewClient(conn)
	return &SSHRunner{
		sshCommand: "ssh",
		config: &ssh.ClientConfig{
			User:            os.Getenv("USER"),
			Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(agentClient.Signers)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint: site-managed known_hosts is out of scope
			Timeout:         10 * time.Second,
		},
		dial:    ssh.Dial,
		clients: map[string]*ssh.Client{},
	}, nil
}

func (r *SSHRunner) client(host string) (*ssh.Client, error) {
	if c, ok := r.clients[host]; ok {
		return c, nil
	}
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	c, err := r.dial("tcp", addr, r.config)
	if err != nil {
		return nil, fmt.Errorf("platform: ssh dial %s: %w", host, err)
	}
	r.clients[host] = c
	return c, nil
}

// Run opens a new SSH session on host's cached connection and runs argv as a
// single shell command line (quoted per-argument to survive remote shell
// word-splitting).
func (r *SSHRunner) Run(ctx context.Context, host string, argv []string, stdin string) (string, string, error) {
	c, err := r.client(host)
	if err != nil {
		return "", "", err
	}
	session, err := c.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("platform: ssh session on %s: %w", host, err)
	}
	defer session.Close()

	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(shQuoteJoin(argv)) }()
	select {
	case <-ctx.Done():
		session.Close()
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		return stdout.String(), stderr.String(), err
	}
}

// Close closes every cached connection.
func (r *SSHRunner) Close() error {
	var firstErr error
	for _, c := range r.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func shQuoteJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// InstallTargetCache records, per install target, the last time a remote
// job-file directory tree was marked as synced. Job submission does not
// consult or update it, and nothing in the module copies job files to
// remote hosts. Grounded on the WorkflowStore
// (persistence.go): a single bbolt bucket, Update/View transactional
// helpers, JSON-free since the stored value is just a timestamp.
type InstallTargetCache struct {
	db *bbolt.DB
}

var installTargetBucket = []byte("install_targets")

// OpenInstallTargetCache opens (creating if absent) the bbolt database at
// path and ensures its bucket exists.
func OpenInstallTargetCache(path string) (*InstallTargetCache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("platform: open install-target cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(installTargetBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("platform: create install-target bucket: %w", err)
	}
	return &InstallTargetCache{db: db}, nil
}

// MarkInstalled records that installTarget's job-file tree was just synced.
func (c *InstallTargetCache) MarkInstalled(installTarget string, at time.Time) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(at.Unix()))
		return tx.Bucket(installTargetBucket).Put([]byte(installTarget), buf)
	})
}

// LastInstalled returns the last recorded install time for installTarget,
// and false if it has never been installed this run.
func (c *InstallTargetCache) LastInstalled(installTarget string) (time.Time, bool, error) {
	var t time.Time
	found := false
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(installTargetBucket).Get([]byte(installTarget))
		if v == nil {
			return nil
		}
		t = time.Unix(int64(binary.BigEndian.Uint64(v)), 0).UTC()
		found = true
		return nil
	})
	return t, found, err
}

// Close closes the underlying bbolt database.
func (c *InstallTargetCache) Close() error { return c.db.Close() }
