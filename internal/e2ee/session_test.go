package e2ee

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type fakeDirectory struct {
	records map[string][]byte

	getErr error
	putErr error
	puts   int
}

func (d *fakeDirectory) GetPublicKey(_ context.Context, userID string) ([]byte, error) {
	if d.getErr != nil {
		return nil, d.getErr
	}
	return d.records[userID], nil
}

func (d *fakeDirectory) PutPublicKey(_ context.Context, userID string, publicKey []byte) error {
	if d.putErr != nil {
		return d.putErr
	}
	d.puts++
	if d.records == nil {
		d.records = map[string][]byte{}
	}
	d.records[userID] = append([]byte(nil), publicKey...)
	return nil
}

func newTestSession(t *testing.T, dir KeyDirectory) *Session {
	t.Helper()
	s, err := NewSession(Options{
		Directory:    dir,
		KeystorePath: filepath.Join(t.TempDir(), "keystore.json"),
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSetup_GeneratesAndPublishesKeyPair(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{}
	s := newTestSession(t, dir)

	m, err := s.Setup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(m.PublicKey) != KeySize || len(m.PrivateKey) != KeySize {
		t.Fatalf("key sizes pub=%d priv=%d, want %d", len(m.PublicKey), len(m.PrivateKey), KeySize)
	}
	if dir.puts != 1 {
		t.Fatalf("puts=%d, want 1", dir.puts)
	}
	if !bytes.Equal(dir.records["u1"], m.PublicKey) {
		t.Fatalf("directory holds wrong public key")
	}
	if s.LocalOnly() {
		t.Fatalf("LocalOnly=true, want false")
	}

	// Second setup returns the same persisted keys without republishing.
	m2, err := s.Setup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Setup again: %v", err)
	}
	if !bytes.Equal(m.PublicKey, m2.PublicKey) || !bytes.Equal(m.PrivateKey, m2.PrivateKey) {
		t.Fatalf("Setup is not stable across calls")
	}
	if dir.puts != 1 {
		t.Fatalf("puts=%d after second setup, want 1", dir.puts)
	}
}

func TestSetup_RemotePublicKeyWins(t *testing.T) {
	t.Parallel()

	remotePub := bytes.Repeat([]byte{7}, KeySize)
	dir := &fakeDirectory{records: map[string][]byte{"u1": remotePub}}
	s := newTestSession(t, dir)

	m, err := s.Setup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !bytes.Equal(m.PublicKey, remotePub) {
		t.Fatalf("PublicKey=%x, want remote value", m.PublicKey)
	}
	if len(m.PrivateKey) != KeySize {
		t.Fatalf("private key lost during reconciliation")
	}

	// The reconciled public key must also be persisted locally.
	m2, err := s.Setup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Setup again: %v", err)
	}
	if !bytes.Equal(m2.PublicKey, remotePub) {
		t.Fatalf("reconciled key not persisted")
	}
	if !bytes.Equal(m2.PrivateKey, m.PrivateKey) {
		t.Fatalf("private key changed across setups")
	}
}

func TestReconcileKeys_KeepsPrivateKey(t *testing.T) {
	t.Parallel()

	local := KeyMaterial{
		PublicKey:  bytes.Repeat([]byte{1}, KeySize),
		PrivateKey: bytes.Repeat([]byte{2}, KeySize),
	}
	remote := bytes.Repeat([]byte{3}, KeySize)

	got := ReconcileKeys(local, remote)
	if !bytes.Equal(got.PublicKey, remote) {
		t.Fatalf("PublicKey=%x, want remote", got.PublicKey)
	}
	if !bytes.Equal(got.PrivateKey, local.PrivateKey) {
		t.Fatalf("PrivateKey changed")
	}

	// Matching or malformed remote values leave local untouched.
	if got := ReconcileKeys(local, local.PublicKey); !bytes.Equal(got.PublicKey, local.PublicKey) {
		t.Fatalf("matching remote key should be a no-op")
	}
	if got := ReconcileKeys(local, []byte{1, 2, 3}); !bytes.Equal(got.PublicKey, local.PublicKey) {
		t.Fatalf("short remote key should be ignored")
	}
}

func TestSetup_DirectoryFailureDegradesToLocalOnly(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{getErr: errors.New("relation key_records does not exist")}
	s := newTestSession(t, dir)

	m, err := s.Setup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(m.PublicKey) != KeySize {
		t.Fatalf("no local key material in degraded mode")
	}
	if !s.LocalOnly() {
		t.Fatalf("LocalOnly=false, want true")
	}
}

func TestSetup_PublishFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{putErr: errors.New("network down")}
	s := newTestSession(t, dir)

	if _, err := s.Setup(context.Background(), "u1"); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !s.LocalOnly() {
		t.Fatalf("LocalOnly=false, want true after publish failure")
	}
}

func TestGetPublicKey_FailureReturnsNil(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{getErr: errors.New("boom")}
	s := newTestSession(t, dir)
	if pub := s.GetPublicKey(context.Background(), "peer"); pub != nil {
		t.Fatalf("GetPublicKey=%x, want nil on fetch failure", pub)
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()

	key, err := NewConversationKey()
	if err != nil {
		t.Fatalf("NewConversationKey: %v", err)
	}

	for _, plaintext := range []string{"", "hi", "a longer message with unicode: héllo 世界"} {
		env, err := Encrypt([]byte(plaintext), key)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		got, err := Decrypt(env, key)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plaintext, err)
		}
		if string(got) != plaintext {
			t.Fatalf("round trip got=%q want=%q", got, plaintext)
		}
	}
}

func TestEncrypt_NoncesAreUnique(t *testing.T) {
	t.Parallel()

	key, err := NewConversationKey()
	if err != nil {
		t.Fatalf("NewConversationKey: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		env, err := Encrypt([]byte("same plaintext"), key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if len(env.Nonce) != NonceSize {
			t.Fatalf("nonce size=%d, want %d", len(env.Nonce), NonceSize)
		}
		k := string(env.Nonce)
		if seen[k] {
			t.Fatalf("nonce reused after %d encryptions", i)
		}
		seen[k] = true
	}
}

func TestDecrypt_MalformedCipherTextFails(t *testing.T) {
	t.Parallel()

	key, err := NewConversationKey()
	if err != nil {
		t.Fatalf("NewConversationKey: %v", err)
	}
	env, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	corrupted := Envelope{CipherText: append([]byte(nil), env.CipherText...), Nonce: env.Nonce}
	corrupted.CipherText[0] ^= 0xFF
	if _, err := Decrypt(corrupted, key); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt corrupted: err=%v, want ErrDecrypt", err)
	}

	wrongKey, err := NewConversationKey()
	if err != nil {
		t.Fatalf("NewConversationKey: %v", err)
	}
	if _, err := Decrypt(env, wrongKey); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt wrong key: err=%v, want ErrDecrypt", err)
	}

	if _, err := Decrypt(Envelope{CipherText: env.CipherText, Nonce: []byte{1}}, key); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt short nonce: err=%v, want ErrDecrypt", err)
	}
}

func TestWrapUnwrapKey_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &fakeDirectory{})
	m, err := s.Setup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	key, err := NewConversationKey()
	if err != nil {
		t.Fatalf("NewConversationKey: %v", err)
	}
	wrapped, err := WrapKey(key, m.PublicKey)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	got, err := UnwrapKey(wrapped, m)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if *got != *key {
		t.Fatalf("unwrapped key differs from original")
	}

	// A different keypair cannot open the wrapped key.
	other := newTestSession(t, &fakeDirectory{})
	m2, err := other.Setup(context.Background(), "u2")
	if err != nil {
		t.Fatalf("Setup other: %v", err)
	}
	if _, err := UnwrapKey(wrapped, m2); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("UnwrapKey with wrong keypair: err=%v, want ErrDecrypt", err)
	}
}
