package credentials

import (
	"crypto/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	secretFileName = "store.key"
	secretLength   = 32
	saltLength     = 16
)

// sealer encrypts credential entries at rest. The key material lives in a
// per-install secret file next to the entries; sealing protects against
// casual reads and detects tampering, it is not a substitute for OS-level
// file permissions.
type sealer struct {
	secret []byte
}

func newSealer(dir string) (*sealer, error) {
	secret, err := loadOrCreateSecret(dir)
	if err != nil {
		return nil, errors.Wrap(err, "[newSealer] loadOrCreateSecret")
	}
	return &sealer{secret: secret}, nil
}

func loadOrCreateSecret(dir string) ([]byte, error) {
	path := filepath.Join(dir, secretFileName)
	if secret, err := os.ReadFile(path); err == nil && len(secret) == secretLength {
		return secret, nil
	}
	secret := make([]byte, secretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.Wrap(err, "rand.Read")
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, errors.Wrap(err, "write secret file")
	}
	return secret, nil
}

// seal produces salt || nonce || ciphertext.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "[sealer.seal] rand.Read salt")
	}
	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[sealer.seal] rand.Read nonce")
	}
	out := make([]byte, 0, saltLength+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

func (s *sealer) open(blob []byte) ([]byte, error) {
	if len(blob) < saltLength+chacha20poly1305.NonceSize {
		return nil, errors.New("[sealer.open] blob too short")
	}
	salt := blob[:saltLength]
	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := blob[saltLength : saltLength+aead.NonceSize()]
	ciphertext := blob[saltLength+aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[sealer.open] aead.Open")
	}
	return plaintext, nil
}

func (s *sealer) aead(salt []byte) (aeadCipher, error) {
	key, err := scrypt.Key(s.secret, salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt.Key")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, "chacha20poly1305.New")
	}
	return aead, nil
}

type aeadCipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}
