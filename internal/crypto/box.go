// Package crypto seals and opens topic payloads with nacl box so publishers
// can address a relay's key pair end to end.
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	NonceSize      = 24
)

// KeyPair holds a Curve25519 key pair
type KeyPair struct {
	Public  *[PublicKeySize]byte
	Private *[PrivateKeySize]byte
}

// GenerateKeyPair creates a new X25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: public, Private: private}, nil
}

// Seal encrypts plaintext for the recipient. Overhead is box.Overhead bytes.
func Seal(plaintext []byte, recipient *[PublicKeySize]byte, sender *[PrivateKeySize]byte) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], plaintext, &nonce, recipient, sender), nil
}

// Open decrypts ciphertext from the sender. The nonce is prepended.
func Open(ciphertext []byte, sender *[PublicKeySize]byte, recipient *[PrivateKeySize]byte) ([]byte, bool) {
	if len(ciphertext) < NonceSize+box.Overhead {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], ciphertext[:NonceSize])
	return box.Open(nil, ciphertext[NonceSize:], &nonce, sender, recipient)
}

// OpenFrom is Open with the sender key given as raw bytes, as carried on the wire.
func OpenFrom(ciphertext, sender []byte, recipient *[PrivateKeySize]byte) ([]byte, bool) {
	if len(sender) != PublicKeySize {
		return nil, false
	}
	var pub [PublicKeySize]byte
	copy(pub[:], sender)
	return Open(ciphertext, &pub, recipient)
}

// ParsePublicKey decodes a hex encoded public key.
func ParsePublicKey(s string) (*[PublicKeySize]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("public key is %d bytes, want %d", len(b), PublicKeySize)
	}
	var pub [PublicKeySize]byte
	copy(pub[:], b)
	return &pub, nil
}

// LoadKeyPair reads a key pair file: hex private key on the first line. The
// public key is derived from it.
func LoadKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	b, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil || len(b) != PrivateKeySize {
		return nil, fmt.Errorf("key file %s: want %d hex encoded bytes", path, PrivateKeySize)
	}
	kp := &KeyPair{Public: new([PublicKeySize]byte), Private: new([PrivateKeySize]byte)}
	copy(kp.Private[:], b)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// String returns the hex encoded public key.
func (k *KeyPair) String() string {
	return hex.EncodeToString(k.Public[:])
}
