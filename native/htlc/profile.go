package htlc

import (
	"fmt"
	"strings"
)

// AmountSource selects where announce takes the locked amount from.
type AmountSource uint8

const (
	// AmountFromAttached locks exactly the value attached to the call.
	AmountFromAttached AmountSource = iota
	// AmountFromParameter locks the explicit amount parameter, which must equal
	// the attached value.
	AmountFromParameter
)

func (s AmountSource) String() string {
	switch s {
	case AmountFromAttached:
		return "attached"
	case AmountFromParameter:
		return "parameter"
	default:
		return "unknown"
	}
}

// ParseAmountSource accepts "attached" (default) or "parameter".
func ParseAmountSource(name string) (AmountSource, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "attached":
		return AmountFromAttached, nil
	case "parameter", "explicit":
		return AmountFromParameter, nil
	default:
		return 0, fmt.Errorf("htlc: unsupported amount source %q", name)
	}
}

// Profile selects one of the behavioural variants of the escrow state machine.
type Profile struct {
	// StrictValidation requires positive amount, counterpart amount and expiry
	// on announce.
	StrictValidation bool
	// RetainOnClaim keeps claimed orders in the store with Claimed set. When
	// false a successful claim deletes the order.
	RetainOnClaim bool
	// ExpiryEnforced rejects claims after the order deadline and cancels
	// before it.
	ExpiryEnforced bool
	// AmountSource selects whether announce locks the attached value or the
	// explicit amount parameter.
	AmountSource AmountSource
	// Digest is the hash applied to claim secrets. Empty means sha256.
	Digest DigestAlgorithm
}

var (
	// DefaultProfile locks the attached value, keeps claimed orders and
	// performs no positivity or time checks.
	DefaultProfile = Profile{RetainOnClaim: true, AmountSource: AmountFromAttached, Digest: DigestSHA256}
	// StrictProfile takes an explicit amount and validates every numeric input.
	StrictProfile = Profile{StrictValidation: true, RetainOnClaim: true, AmountSource: AmountFromParameter, Digest: DigestSHA256}
	// MinimalProfile deletes orders once claimed.
	MinimalProfile = Profile{RetainOnClaim: false, AmountSource: AmountFromAttached, Digest: DigestSHA256}
)

// ProfileByName resolves a named preset.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return DefaultProfile, nil
	case "strict":
		return StrictProfile, nil
	case "minimal":
		return MinimalProfile, nil
	default:
		return Profile{}, fmt.Errorf("htlc: unknown profile %q", name)
	}
}

func (p Profile) digest() DigestAlgorithm {
	if p.Digest == "" {
		return DigestSHA256
	}
	return p.Digest
}
