// Package e2ee owns the user keypair and per-conversation symmetric keys for
// end-to-end encrypted conversations.
//
// Key model:
//   - One Curve25519 keypair per user, generated lazily on first use and kept
//     in a local keystore file. The private key never leaves the client.
//   - One 32-byte symmetric key per conversation, wrapped (sealed) to the
//     user's public key and stored beside the conversation row.
//   - Messages are sealed with XSalsa20-Poly1305 and a fresh random 24-byte
//     nonce per call.
package e2ee

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of public keys, private keys, and conversation keys.
	KeySize = 32
	// NonceSize is the secretbox nonce size.
	NonceSize = 24
)

// DecryptFailurePlaceholder is rendered in place of a message whose
// ciphertext cannot be opened. Decrypt failures are per-message and must not
// break the rest of the timeline.
const DecryptFailurePlaceholder = "[Unable to decrypt message]"

var (
	ErrDecrypt    = errors.New("unable to decrypt")
	ErrNoKeyPair  = errors.New("keypair not initialized")
	ErrBadKeySize = errors.New("invalid key size")
)

// KeyDirectory is the remote public-key registry, at most one record per
// user. Implementations must treat "no record" as (nil, nil), not an error.
type KeyDirectory interface {
	GetPublicKey(ctx context.Context, userID string) ([]byte, error)
	PutPublicKey(ctx context.Context, userID string, publicKey []byte) error
}

// KeyMaterial is the user's local key state after Setup.
type KeyMaterial struct {
	PublicKey  []byte
	PrivateKey []byte
}

func (m KeyMaterial) valid() bool {
	return len(m.PublicKey) == KeySize && len(m.PrivateKey) == KeySize
}

// ConversationKey is the symmetric key for one conversation.
type ConversationKey [KeySize]byte

// Envelope is sealed message content plus the nonce it was sealed with.
type Envelope struct {
	CipherText []byte
	Nonce      []byte
}

type Options struct {
	Logger *slog.Logger
	// Directory is the remote key registry. Optional: when nil the session
	// runs in local-only mode from the start.
	Directory KeyDirectory
	// KeystorePath is the local keystore file (e.g. <state_dir>/keystore.json).
	KeystorePath string
}

// Session reconciles local and remote key state and performs all
// encrypt/decrypt operations for the engine.
type Session struct {
	log      *slog.Logger
	dir      KeyDirectory
	keystore *keystore

	mu        sync.Mutex
	material  *KeyMaterial
	localOnly bool
}

func NewSession(opts Options) (*Session, error) {
	path := strings.TrimSpace(opts.KeystorePath)
	if path == "" {
		return nil, errors.New("missing KeystorePath")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Session{
		log:      logger,
		dir:      opts.Directory,
		keystore: newKeystore(path),
	}, nil
}

// Setup returns the user's key material, generating and persisting a fresh
// keypair when none exists, and reconciling against the remote directory.
//
// Directory failures are non-fatal: the session degrades to local-only mode
// and encryption continues with the local keys.
func (s *Session) Setup(ctx context.Context, userID string) (KeyMaterial, error) {
	if s == nil {
		return KeyMaterial{}, errors.New("nil session")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return KeyMaterial{}, errors.New("missing user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local, err := s.keystore.load()
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("load keystore: %w", err)
	}
	if local == nil {
		generated, err := generateKeyPair()
		if err != nil {
			return KeyMaterial{}, fmt.Errorf("generate keypair: %w", err)
		}
		if err := s.keystore.save(generated); err != nil {
			return KeyMaterial{}, fmt.Errorf("save keystore: %w", err)
		}
		local = &generated
	}

	if s.dir == nil {
		s.localOnly = true
		s.material = local
		return *local, nil
	}

	remote, err := s.dir.GetPublicKey(ctx, userID)
	if err != nil {
		// Degraded: keep encrypting with local keys, skip reconciliation.
		s.log.Warn("key directory fetch failed, running local-only", "user_id", userID, "error", err)
		s.localOnly = true
		s.material = local
		return *local, nil
	}

	if len(remote) == KeySize {
		next := ReconcileKeys(*local, remote)
		if !bytes.Equal(next.PublicKey, local.PublicKey) {
			if err := s.keystore.save(next); err != nil {
				return KeyMaterial{}, fmt.Errorf("save reconciled keystore: %w", err)
			}
			s.log.Info("local public key reconciled to remote record", "user_id", userID)
		}
		local = &next
	} else {
		if err := s.dir.PutPublicKey(ctx, userID, local.PublicKey); err != nil {
			// Missing table, network failure, etc. Never block the session on this.
			s.log.Warn("key directory publish failed, running local-only", "user_id", userID, "error", err)
			s.localOnly = true
		}
	}

	s.material = local
	return *local, nil
}

// ReconcileKeys resolves a local/remote public-key mismatch: the remote value
// is authoritative for the public key, the local private key is never
// replaced (remote records hold only public material).
func ReconcileKeys(local KeyMaterial, remotePublicKey []byte) KeyMaterial {
	if len(remotePublicKey) != KeySize {
		return local
	}
	if bytes.Equal(local.PublicKey, remotePublicKey) {
		return local
	}
	out := KeyMaterial{
		PublicKey:  append([]byte(nil), remotePublicKey...),
		PrivateKey: local.PrivateKey,
	}
	return out
}

// GetPublicKey is a read-only remote lookup. Any fetch failure is reported
// as absence: no recipient key means "cannot encrypt for this peer", not a
// fatal error.
func (s *Session) GetPublicKey(ctx context.Context, userID string) []byte {
	if s == nil || s.dir == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	pub, err := s.dir.GetPublicKey(ctx, userID)
	if err != nil {
		s.log.Warn("key directory lookup failed", "user_id", userID, "error", err)
		return nil
	}
	if len(pub) != KeySize {
		return nil
	}
	return pub
}

// LocalOnly reports whether the last Setup degraded to local-only mode.
func (s *Session) LocalOnly() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localOnly
}

// Material returns the key material from the last successful Setup.
func (s *Session) Material() (KeyMaterial, bool) {
	if s == nil {
		return KeyMaterial{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.material == nil {
		return KeyMaterial{}, false
	}
	return *s.material, true
}

// NewConversationKey generates a fresh symmetric key for one conversation.
func NewConversationKey() (*ConversationKey, error) {
	var key ConversationKey
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	return &key, nil
}

// WrapKey seals a conversation key to a recipient public key. The wrapped
// form is what gets persisted beside the conversation row.
func WrapKey(key *ConversationKey, recipientPublicKey []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("nil conversation key")
	}
	if len(recipientPublicKey) != KeySize {
		return nil, ErrBadKeySize
	}
	var pub [KeySize]byte
	copy(pub[:], recipientPublicKey)
	return box.SealAnonymous(nil, key[:], &pub, rand.Reader)
}

// UnwrapKey opens a wrapped conversation key with the user's keypair.
func UnwrapKey(wrapped []byte, material KeyMaterial) (*ConversationKey, error) {
	if !material.valid() {
		return nil, ErrNoKeyPair
	}
	var pub, priv [KeySize]byte
	copy(pub[:], material.PublicKey)
	copy(priv[:], material.PrivateKey)

	opened, ok := box.OpenAnonymous(nil, wrapped, &pub, &priv)
	if !ok {
		return nil, ErrDecrypt
	}
	if len(opened) != KeySize {
		return nil, ErrDecrypt
	}
	var key ConversationKey
	copy(key[:], opened)
	return &key, nil
}

// Encrypt seals plaintext with a fresh random nonce. Reusing a nonce for a
// given key is a correctness violation; the nonce is drawn from crypto/rand
// on every call and never derived from message content.
func Encrypt(plaintext []byte, key *ConversationKey) (Envelope, error) {
	if key == nil {
		return Envelope{}, errors.New("nil conversation key")
	}
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Envelope{}, err
	}
	sealed := secretbox.Seal(nil, plaintext, &nonce, (*[KeySize]byte)(key))
	return Envelope{CipherText: sealed, Nonce: nonce[:]}, nil
}

// Decrypt opens an envelope. Malformed ciphertext is the only hard error in
// this package and is reported as ErrDecrypt.
func Decrypt(env Envelope, key *ConversationKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("nil conversation key")
	}
	if len(env.Nonce) != NonceSize {
		return nil, ErrDecrypt
	}
	var nonce [NonceSize]byte
	copy(nonce[:], env.Nonce)
	opened, ok := secretbox.Open(nil, env.CipherText, &nonce, (*[KeySize]byte)(key))
	if !ok {
		return nil, ErrDecrypt
	}
	return opened, nil
}

func generateKeyPair() (KeyMaterial, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterial{
		PublicKey:  append([]byte(nil), pub[:]...),
		PrivateKey: append([]byte(nil), priv[:]...),
	}, nil
}
