// Package pemfile creates and loads the SSH host key of the developer console.
package pemfile

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/zond/protogame"

	gossh "golang.org/x/crypto/ssh"
)

type KeyParams struct {
	Comment       string
	KeyPath       string
	SSHPubKeyPath string
}

// Generate writes a new ed25519 private key to KeyPath and, if SSHPubKeyPath is
// set, its public half in authorized_keys format.
func (k KeyParams) Generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return protogame.WithStack(err)
	}
	block, err := gossh.MarshalPrivateKey(priv, k.Comment)
	if err != nil {
		return protogame.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(k.KeyPath), 0700); err != nil {
		return protogame.WithStack(err)
	}
	if err := os.WriteFile(k.KeyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return protogame.WithStack(err)
	}

	if k.SSHPubKeyPath == "" {
		return nil
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return protogame.WithStack(err)
	}
	if err := os.WriteFile(k.SSHPubKeyPath, gossh.MarshalAuthorizedKey(sshPub), 0600); err != nil {
		return protogame.WithStack(err)
	}
	return nil
}

// LoadOrGenerate returns the signer stored at KeyPath, generating it first if
// the file is missing.
func (k KeyParams) LoadOrGenerate() (gossh.Signer, bool, error) {
	generated := false
	if _, err := os.Stat(k.KeyPath); os.IsNotExist(err) {
		if err := k.Generate(); err != nil {
			return nil, false, err
		}
		generated = true
	} else if err != nil {
		return nil, false, protogame.WithStack(err)
	}
	pemBytes, err := os.ReadFile(k.KeyPath)
	if err != nil {
		return nil, false, protogame.WithStack(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, false, errors.Wrapf(err, "parsing %q", k.KeyPath)
	}
	return signer, generated, nil
}

// LoadAuthorizedKeys parses every key in an authorized_keys file.
func LoadAuthorizedKeys(path string) ([]gossh.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, protogame.WithStack(err)
	}
	result := []gossh.PublicKey{}
	for len(b) > 0 {
		key, _, _, rest, err := gossh.ParseAuthorizedKey(b)
		if err != nil {
			if len(result) > 0 && len(rest) == 0 {
				break
			}
			return nil, errors.Wrapf(err, "parsing %q", path)
		}
		result = append(result, key)
		b = rest
	}
	return result, nil
}
