// Package crypto implements the node identity primitives used by the swarm.
//
// A node is identified by a Curve25519 static key. The public half is what the
// Noise handshake reveals to the other side and what the connection queue uses
// to detect duplicate connections between the same two nodes.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Node id:", keys.ID())
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyLength is the size in bytes of both halves of a KeyPair.
const KeyLength = curve25519.ScalarSize

// ErrZeroKey is returned when a secret key consists only of zero bytes.
var ErrZeroKey = errors.New("invalid secret key: all zeros")

// KeyPair represents a Curve25519 static key pair identifying a node.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "GenerateKeyPair",
			"error":    err.Error(),
		}).Error("Failed to read random secret key")
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	defer ZeroBytes(secret[:])

	return FromSecretKey(secret)
}

// FromSecretKey creates a key pair from an existing private key, deriving the
// public key with X25519 scalar multiplication against the base point.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// ID returns the hex encoding of the public key.
func (kp *KeyPair) ID() string {
	return hex.EncodeToString(kp.Public[:])
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
