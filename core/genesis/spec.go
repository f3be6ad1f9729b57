package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"htlcbridge/crypto"
)

// GenesisSpec describes the initial escrow state: the informational owner and
// the native balances credited before the first call.
type GenesisSpec struct {
	Owner string            `json:"owner" toml:"Owner" yaml:"owner"`
	Alloc map[string]string `json:"alloc" toml:"Alloc" yaml:"alloc"` // addr -> amount
}

// Allocation is a validated balance credit.
type Allocation struct {
	Address crypto.Address
	Amount  *big.Int
}

// Resolved is a validated spec with allocations in address order.
type Resolved struct {
	Owner    crypto.Address
	HasOwner bool
	Alloc    []Allocation
}

// LoadGenesisSpec reads a JSON genesis file. Unknown fields are rejected.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// Resolve validates the spec and parses addresses and amounts.
func (s *GenesisSpec) Resolve() (*Resolved, error) {
	out := &Resolved{}
	if s == nil {
		return out, nil
	}
	if owner := strings.TrimSpace(s.Owner); owner != "" {
		addr, err := crypto.ParseAddress(owner)
		if err != nil {
			return nil, fmt.Errorf("owner: %w", err)
		}
		out.Owner = addr
		out.HasOwner = true
	}
	seen := make(map[crypto.Address]struct{}, len(s.Alloc))
	for rawAddr, rawAmount := range s.Alloc {
		addr, err := crypto.ParseAddress(rawAddr)
		if err != nil {
			return nil, fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("alloc %q: duplicate account", rawAddr)
		}
		seen[addr] = struct{}{}
		amount, err := parseAmountString(rawAmount)
		if err != nil {
			return nil, fmt.Errorf("alloc %q: %w", rawAddr, err)
		}
		out.Alloc = append(out.Alloc, Allocation{Address: addr, Amount: amount})
	}
	sort.Slice(out.Alloc, func(i, j int) bool {
		return bytes.Compare(out.Alloc[i].Address[:], out.Alloc[j].Address[:]) < 0
	})
	return out, nil
}

func parseAmountString(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must not be empty")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
