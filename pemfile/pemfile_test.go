package pemfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	params := KeyParams{
		Comment:       "console",
		KeyPath:       filepath.Join(dir, "keys", "host.pem"),
		SSHPubKeyPath: filepath.Join(dir, "keys", "host.pub"),
	}
	signer, generated, err := params.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	if !generated {
		t.Errorf("first load did not generate")
	}
	again, generated, err := params.LoadOrGenerate()
	if err != nil {
		t.Fatal(err)
	}
	if generated {
		t.Errorf("second load generated a new key")
	}
	if !bytes.Equal(signer.PublicKey().Marshal(), again.PublicKey().Marshal()) {
		t.Errorf("reloaded key differs")
	}

	keys, err := LoadAuthorizedKeys(params.SSHPubKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || !bytes.Equal(keys[0].Marshal(), signer.PublicKey().Marshal()) {
		t.Errorf("authorized keys = %v", keys)
	}
}

func TestLoadAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	content := &bytes.Buffer{}
	for i := 0; i < 2; i++ {
		params := KeyParams{
			KeyPath:       filepath.Join(dir, "k.pem"),
			SSHPubKeyPath: filepath.Join(dir, "k.pub"),
		}
		if err := params.Generate(); err != nil {
			t.Fatal(err)
		}
		b, err := os.ReadFile(params.SSHPubKeyPath)
		if err != nil {
			t.Fatal(err)
		}
		content.WriteString("# key\n")
		content.Write(b)
	}
	path := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(path, content.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	keys, err := LoadAuthorizedKeys(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Type() != gossh.KeyAlgoED25519 {
		t.Errorf("key type = %q", keys[0].Type())
	}

	if err := os.WriteFile(path, []byte("garbage\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAuthorizedKeys(path); err == nil {
		t.Errorf("parsed garbage")
	}
}
