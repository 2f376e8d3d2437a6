// Package crypto provides salt generation and credential proof hashing.
//
// Clients never send a password. They ask for the account salt, derive a
// proof from password and salt, and send the proof. The server stores only
// an Argon2id hash of that proof.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// SaltSize is the number of random bytes behind a hex salt string.
const SaltSize = 16

var ErrInvalidSalt = errors.New("crypto: invalid salt")

// GenerateSalt returns a random hex-encoded salt.
func GenerateSalt() (string, error) {
	b := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidateSalt checks that salt is a hex string of SaltSize bytes.
func ValidateSalt(salt string) error {
	b, err := hex.DecodeString(salt)
	if err != nil || len(b) != SaltSize {
		return ErrInvalidSalt
	}
	return nil
}

// Proof derives the client-side credential proof for password and salt.
func Proof(password, salt string) string {
	h := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(h[:])
}

// HashProof hashes a client proof using Argon2id keyed by the account salt.
func HashProof(proof, salt string) []byte {
	return argon2.IDKey([]byte(proof), []byte(salt), 1, 64*1024, 4, 32)
}

// VerifyProof reports whether proof hashes to stored under salt.
func VerifyProof(proof, salt string, stored []byte) bool {
	if len(stored) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(HashProof(proof, salt), stored) == 1
}
