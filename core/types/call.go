package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// SignatureLength is the size of a recoverable secp256k1 signature (R || S || V).
const SignatureLength = 65

var callDomain = []byte("htlcbridge/call/v1")

var (
	// ErrInvalidSignature is returned when a call carries no usable signature.
	ErrInvalidSignature = errors.New("call: invalid signature")
	// ErrSignerMismatch is returned when the recovered signer differs from the
	// claimed caller.
	ErrSignerMismatch = errors.New("call: signature does not match caller")
)

// SignedCall is an entrypoint invocation authorised by the caller's key. The
// nonce binds the signature to one position in the caller's call sequence so
// it cannot be replayed.
type SignedCall struct {
	Entrypoint           string
	Nonce                uint64
	Value                *big.Int
	OrderID              uint64
	SecretDigest         [32]byte
	Amount               *big.Int
	MinCounterpartAmount *big.Int
	Expiry               uint64
	Secret               []byte
	Signature            []byte
}

// Hash returns the keccak256 digest of the RLP encoded call, excluding the
// signature.
func (c *SignedCall) Hash() ([]byte, error) {
	payload := struct {
		Domain               []byte
		Entrypoint           string
		Nonce                uint64
		Value                *big.Int
		OrderID              uint64
		SecretDigest         [32]byte
		HasAmount            bool
		Amount               *big.Int
		MinCounterpartAmount *big.Int
		Expiry               uint64
		Secret               []byte
	}{
		Domain:               callDomain,
		Entrypoint:           c.Entrypoint,
		Nonce:                c.Nonce,
		Value:                orZero(c.Value),
		OrderID:              c.OrderID,
		SecretDigest:         c.SecretDigest,
		HasAmount:            c.Amount != nil,
		Amount:               orZero(c.Amount),
		MinCounterpartAmount: orZero(c.MinCounterpartAmount),
		Expiry:               c.Expiry,
		Secret:               c.Secret,
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("call: encode: %w", err)
	}
	return ethcrypto.Keccak256(encoded), nil
}

// Sign fills in the signature using key.
func (c *SignedCall) Sign(key *ecdsa.PrivateKey) error {
	if key == nil {
		return errors.New("call: nil signing key")
	}
	hash, err := c.Hash()
	if err != nil {
		return err
	}
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		return err
	}
	c.Signature = sig
	return nil
}

// From recovers the address that signed the call. Both 0/1 and 27/28 recovery
// ids are accepted.
func (c *SignedCall) From() ([20]byte, error) {
	var out [20]byte
	if len(c.Signature) != SignatureLength {
		return out, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, SignatureLength, len(c.Signature))
	}
	sig := make([]byte, SignatureLength)
	copy(sig, c.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	hash, err := c.Hash()
	if err != nil {
		return out, err
	}
	pubKey, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	copy(out[:], ethcrypto.PubkeyToAddress(*pubKey).Bytes())
	return out, nil
}

// VerifyCaller checks that the call was signed by caller.
func (c *SignedCall) VerifyCaller(caller [20]byte) error {
	signer, err := c.From()
	if err != nil {
		return err
	}
	if signer != caller {
		return fmt.Errorf("%w: signed by %x", ErrSignerMismatch, signer)
	}
	return nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
