package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ensureFile creates path and its directory when missing.
func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts: %w", err)
	}
	return f.Close()
}

// AppendKnownHost records key for host. An authorized_keys style string is
// accepted as well as an xssh.PublicKey.
func AppendKnownHost(path, host string, key interface{}) error {
	var pub xssh.PublicKey
	switch k := key.(type) {
	case xssh.PublicKey:
		pub = k
	case string:
		parsed, _, _, _, err := xssh.ParseAuthorizedKey([]byte(strings.TrimSpace(k)))
		if err != nil {
			return fmt.Errorf("parse authorized key: %w", err)
		}
		pub = parsed
	default:
		return fmt.Errorf("unsupported host key type %T", key)
	}
	if err := ensureFile(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line([]string{knownhosts.Normalize(host)}, pub) + "\n"); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// LoadKnownHostsCallback returns a strict host key callback backed by path.
// Unknown hosts are rejected; run `mltaskd trust-host` to record one.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		return nil, errors.New("known_hosts path required")
	}
	if err := ensureFile(path); err != nil {
		return nil, err
	}
	return knownhosts.New(path)
}

var errHostKeyCaptured = errors.New("host key captured")

// ScanHostKey connects to addr and returns the key the server presents. The
// handshake is abandoned before authentication.
func ScanHostKey(ctx context.Context, addr string, timeout time.Duration) (xssh.PublicKey, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	var key xssh.PublicKey
	cfg := &xssh.ClientConfig{
		User: "mltaskd",
		HostKeyCallback: func(_ string, _ net.Addr, k xssh.PublicKey) error {
			key = k
			return errHostKeyCaptured
		},
		Timeout: timeout,
	}
	_, _, _, err = xssh.NewClientConn(conn, addr, cfg)
	if key != nil {
		return key, nil
	}
	if err == nil {
		err = errors.New("no host key presented")
	}
	return nil, fmt.Errorf("scan %s: %w", addr, err)
}
