// Package ssh dials the SFTP artifact host with strict known_hosts checking.
package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Client describes one SSH endpoint. Signer and Password may both be set;
// public key auth is tried first.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	Password   string
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	// Retries bounds redials after transient failures. Host key and
	// authentication errors are returned at once.
	Retries int
	Backoff time.Duration
	Dialer  Dialer
}

func (c *Client) clientConfig() (*xssh.ClientConfig, error) {
	var auth []xssh.AuthMethod
	if c.Signer != nil {
		auth = append(auth, xssh.PublicKeys(c.Signer))
	}
	if c.Password != "" {
		auth = append(auth, xssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: signer or password required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known_hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial connects and authenticates, redialing transient failures with a
// doubling backoff. The caller closes the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: c.Timeout}
	}
	delay := c.Backoff
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for attempt := 0; ; attempt++ {
		cli, err := dialOnce(ctx, dialer, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		if attempt >= c.Retries || !retryable(err) {
			return nil, err
		}
		log.Warn().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Dur("delay", delay).Msg("ssh dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// retryable reports whether a redial could succeed. A host key mismatch or a
// rejected credential will fail the same way again.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return false
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return false
	}
	return !strings.Contains(err.Error(), "unable to authenticate")
}

func dialOnce(ctx context.Context, d Dialer, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	type result struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sc, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{cli: xssh.NewClient(sc, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		_ = conn.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			_ = conn.Close()
		}
		return r.cli, r.err
	}
}
