package e2ee

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// keystore persists the user keypair to a local file.
//
// The file is chmod 0600 and written atomically (tmp + rename). It holds
// private key material and must never be synced to the remote directory.
type keystore struct {
	path string
}

func newKeystore(path string) *keystore {
	return &keystore{path: filepath.Clean(strings.TrimSpace(path))}
}

type keystoreFile struct {
	SchemaVersion int    `json:"schema_version"`
	PublicKey     string `json:"public_key"`
	PrivateKey    string `json:"private_key"`
}

// load returns (nil, nil) when no keystore exists yet.
func (k *keystore) load() (*KeyMaterial, error) {
	if k == nil || strings.TrimSpace(k.path) == "" {
		return nil, errors.New("missing keystore path")
	}
	b, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var kf keystoreFile
	if err := json.Unmarshal(b, &kf); err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kf.PublicKey))
	if err != nil {
		return nil, errors.New("corrupt keystore: bad public key")
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kf.PrivateKey))
	if err != nil {
		return nil, errors.New("corrupt keystore: bad private key")
	}
	m := KeyMaterial{PublicKey: pub, PrivateKey: priv}
	if !m.valid() {
		return nil, ErrBadKeySize
	}
	return &m, nil
}

func (k *keystore) save(m KeyMaterial) error {
	if k == nil || strings.TrimSpace(k.path) == "" {
		return errors.New("missing keystore path")
	}
	if !m.valid() {
		return ErrBadKeySize
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return err
	}

	kf := keystoreFile{
		SchemaVersion: 1,
		PublicKey:     base64.StdEncoding.EncodeToString(m.PublicKey),
		PrivateKey:    base64.StdEncoding.EncodeToString(m.PrivateKey),
	}
	b, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, k.path)
}
