// Package keys handles NEAR ed25519 key pairs and the sandbox validator key file.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/gateway-fm/nearload/internal/borsh"
	"github.com/gateway-fm/nearload/pkg/types"
)

// ValidatorKeyFile is the file name of the validator key inside a near home directory.
const ValidatorKeyFile = "validator_key.json"

const ed25519Prefix = "ed25519:"

// keyTypeED25519 is the borsh enum index of ed25519 in PublicKey and Signature.
const keyTypeED25519 uint8 = 0

// ErrUnsupportedKeyType is returned for keys that are not ed25519.
var ErrUnsupportedKeyType = errors.New("unsupported key type")

// PublicKey is an ed25519 public key.
type PublicKey ed25519.PublicKey

// String renders the key as "ed25519:<base58>".
func (k PublicKey) String() string {
	return ed25519Prefix + base58.Encode(k)
}

// MarshalBorsh appends the borsh PublicKey enum encoding.
func (k PublicKey) MarshalBorsh(w *borsh.Writer) {
	w.U8(keyTypeED25519)
	w.Fixed(k)
}

// KeyPair is an ed25519 signing key.
type KeyPair struct {
	private ed25519.PrivateKey
}

// Generate creates a new random key pair.
func Generate() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

// FromSeed creates a key pair from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeyPair{private: ed25519.NewKeyFromSeed(seed)}, nil
}

// ParseSecretKey parses "ed25519:<base58>" where the payload is either the
// 64-byte seed||public form or a bare 32-byte seed.
func ParseSecretKey(s string) (*KeyPair, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.PrivateKeySize:
		return &KeyPair{private: ed25519.PrivateKey(raw)}, nil
	case ed25519.SeedSize:
		return FromSeed(raw)
	default:
		return nil, fmt.Errorf("secret key has %d bytes, want %d or %d", len(raw), ed25519.PrivateKeySize, ed25519.SeedSize)
	}
}

// ParsePublicKey parses "ed25519:<base58>".
func ParsePublicKey(s string) (PublicKey, error) {
	raw, err := decodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return PublicKey(raw), nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		if s[:idx+1] != ed25519Prefix {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, s[:idx])
		}
		s = s[idx+1:]
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode base58 key: %w", err)
	}
	return raw, nil
}

// PublicKey returns the public half.
func (k *KeyPair) PublicKey() PublicKey {
	return PublicKey(k.private.Public().(ed25519.PublicKey))
}

// SecretKey renders the 64-byte secret as "ed25519:<base58>".
func (k *KeyPair) SecretKey() string {
	return ed25519Prefix + base58.Encode(k.private)
}

// Sign signs msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// MarshalSignatureBorsh appends the borsh Signature enum encoding of sig.
func MarshalSignatureBorsh(w *borsh.Writer, sig []byte) {
	w.U8(keyTypeED25519)
	w.Fixed(sig)
}

// ValidatorKey is the privileged sandbox identity read from the near home directory.
type ValidatorKey struct {
	AccountID types.AccountID
	Key       *KeyPair
}

type validatorKeyJSON struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	SecretKey  string `json:"secret_key"`
	PrivateKey string `json:"private_key"` // Older neard releases
}

// LoadValidatorKey reads validator_key.json from homeDir.
func LoadValidatorKey(homeDir string) (*ValidatorKey, error) {
	path := filepath.Join(homeDir, ValidatorKeyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validator key: %w", err)
	}

	var raw validatorKeyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw.AccountID == "" {
		return nil, fmt.Errorf("%s: missing account_id", path)
	}

	secret := raw.SecretKey
	if secret == "" {
		secret = raw.PrivateKey
	}
	kp, err := ParseSecretKey(secret)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if raw.PublicKey != "" && raw.PublicKey != kp.PublicKey().String() {
		return nil, fmt.Errorf("%s: public_key does not match secret key", path)
	}

	return &ValidatorKey{AccountID: types.AccountID(raw.AccountID), Key: kp}, nil
}
