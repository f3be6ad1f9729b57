package htlc

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"
)

// DigestAlgorithm names the hash applied to secrets. Both sides of a swap must
// agree on it so a single secret unlocks both ledgers.
type DigestAlgorithm string

const (
	DigestSHA256    DigestAlgorithm = "sha256"
	DigestKeccak256 DigestAlgorithm = "keccak256"
	DigestBlake3    DigestAlgorithm = "blake3"
)

// ParseDigestAlgorithm normalises the supplied name. An empty name selects
// sha256.
func ParseDigestAlgorithm(name string) (DigestAlgorithm, error) {
	switch DigestAlgorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", DigestSHA256:
		return DigestSHA256, nil
	case DigestKeccak256, "keccak":
		return DigestKeccak256, nil
	case DigestBlake3:
		return DigestBlake3, nil
	default:
		return "", fmt.Errorf("htlc: unsupported digest algorithm %q", name)
	}
}

// Sum hashes the secret with the algorithm.
func (a DigestAlgorithm) Sum(secret []byte) [32]byte {
	switch a {
	case DigestKeccak256:
		return ethcrypto.Keccak256Hash(secret)
	case DigestBlake3:
		return blake3.Sum256(secret)
	default:
		return sha256.Sum256(secret)
	}
}

// Matches reports whether the secret hashes to digest. The comparison covers
// the full digest in constant time.
func (a DigestAlgorithm) Matches(secret []byte, digest [32]byte) bool {
	sum := a.Sum(secret)
	return subtle.ConstantTimeCompare(sum[:], digest[:]) == 1
}
