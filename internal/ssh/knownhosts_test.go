package ssh

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv, "")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendKnownHost(kh, "artifacts.example.com:22", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected content in known_hosts")
	}

	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 22}
	if err := cb("artifacts.example.com:22", addr, signer.PublicKey()); err != nil {
		t.Fatalf("known host rejected: %v", err)
	}
	if err := cb("other.example.com:22", addr, signer.PublicKey()); err == nil {
		t.Fatalf("unknown host accepted")
	}
}

func TestScanHostKey(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "host_ed25519")
	if _, err := GenerateEd25519Keypair(priv, "host"); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	hostKey, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	srvCfg := &xssh.ServerConfig{NoClientAuth: true}
	srvCfg.AddHostKey(hostKey)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _, _ = xssh.NewServerConn(conn, srvCfg)
	}()

	key, err := ScanHostKey(context.Background(), ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !bytes.Equal(key.Marshal(), hostKey.PublicKey().Marshal()) {
		t.Fatalf("scanned key does not match host key")
	}

	kh := filepath.Join(dir, "known_hosts")
	if err := AppendKnownHost(kh, ln.Addr().String(), key); err != nil {
		t.Fatalf("append: %v", err)
	}
	cb, err := LoadKnownHostsCallback(kh)
	if err != nil {
		t.Fatalf("load callback: %v", err)
	}
	if err := cb(ln.Addr().String(), ln.Addr(), key); err != nil {
		t.Fatalf("trusted host rejected: %v", err)
	}
}

func TestLoadKnownHostsCallbackRequiresPath(t *testing.T) {
	if _, err := LoadKnownHostsCallback(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
