package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
)

// GenerateEd25519Keypair writes a new OpenSSH private key to privateKeyPath
// and its public half to privateKeyPath.pub. An existing key is never
// overwritten. The public key is returned in authorized_keys format.
func GenerateEd25519Keypair(privateKeyPath, comment string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return "", fmt.Errorf("mkdir key dir: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	block, err := xssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	if err := writeExclusive(privateKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	sshPub, err := xssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}
	authorized := xssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		authorized = append(authorized[:len(authorized)-1], []byte(" "+comment+"\n")...)
	}
	if err := os.WriteFile(privateKeyPath+".pub", authorized, 0o644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return string(authorized), nil
}

func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadPrivateKeySigner reads an unencrypted OpenSSH or PEM private key.
func LoadPrivateKeySigner(privateKeyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		var missing *xssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is passphrase protected; use an unencrypted deploy key", privateKeyPath)
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
