package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	gssh "github.com/carbonetes/mltaskd/internal/ssh"
)

// SFTPConfig describes a remote artifact host.
type SFTPConfig struct {
	Addr       string
	User       string
	KeyPath    string
	Password   string
	KnownHosts string
	Root       string
	Timeout    time.Duration
	Retries    int
}

// SFTPStore keeps artifacts on a remote host over SFTP. Every upload is read
// back and compared by SHA-256 before it is accepted.
type SFTPStore struct {
	client *sftp.Client
	conn   io.Closer
	root   string
}

// NewSFTPStore wraps an existing SFTP client.
func NewSFTPStore(client *sftp.Client, root string) *SFTPStore {
	if root == "" {
		root = "."
	}
	return &SFTPStore{client: client, root: root}
}

// DialSFTP connects to cfg.Addr and returns a ready store.
func DialSFTP(ctx context.Context, cfg SFTPConfig) (*SFTPStore, error) {
	c := &gssh.Client{
		Addr:     cfg.Addr,
		User:     cfg.User,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
		Retries:  cfg.Retries,
	}
	if cfg.KeyPath != "" {
		signer, err := gssh.LoadPrivateKeySigner(cfg.KeyPath)
		if err != nil {
			return nil, err
		}
		c.Signer = signer
	}
	kh, err := gssh.LoadKnownHostsCallback(cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	c.KnownHosts = kh
	sshClient, err := gssh.Dial(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("connect SSH: %w", err)
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("create SFTP client: %w", err)
	}
	s := NewSFTPStore(client, cfg.Root)
	s.conn = sshClient
	log.Info().Str("addr", cfg.Addr).Str("root", cfg.Root).Msg("SFTP artifact store connected")
	return s, nil
}

func (s *SFTPStore) remotePath(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.root, k), nil
}

func (s *SFTPStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.remotePath(key)
	if err != nil {
		return err
	}
	if err := s.client.MkdirAll(path.Dir(p)); err != nil {
		return fmt.Errorf("create remote directory: %w", err)
	}
	f, err := s.client.Create(p)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close remote file: %w", err)
	}
	got, err := s.read(p)
	if err != nil {
		return fmt.Errorf("verify upload: %w", err)
	}
	if want, have := checksum(data), checksum(got); want != have {
		_ = s.client.Remove(p)
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, have)
	}
	return nil
}

func (s *SFTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.remotePath(key)
	if err != nil {
		return nil, err
	}
	data, err := s.read(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	p, err := s.remotePath(key)
	if err != nil {
		return err
	}
	if err := s.client.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Ping checks that the root is still reachable.
func (s *SFTPStore) Ping(ctx context.Context) error {
	_, err := s.client.Stat(s.root)
	return err
}

func (s *SFTPStore) Close() error {
	err := s.client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *SFTPStore) read(p string) ([]byte, error) {
	f, err := s.client.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
