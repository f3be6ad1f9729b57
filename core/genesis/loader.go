package genesis

import (
	"errors"
	"fmt"

	"htlcbridge/core/state"
)

// Apply writes the resolved genesis into state. It does not commit.
func Apply(manager *state.Manager, spec *Resolved) error {
	if manager == nil {
		return fmt.Errorf("genesis: nil state manager")
	}
	if spec == nil {
		return nil
	}
	if spec.HasOwner {
		if err := manager.HTLCSetOwner(spec.Owner); err != nil && !errors.Is(err, state.ErrOwnerAlreadySet) {
			return fmt.Errorf("genesis: set owner: %w", err)
		}
	}
	for _, alloc := range spec.Alloc {
		if err := manager.Credit(alloc.Address[:], alloc.Amount); err != nil {
			return fmt.Errorf("genesis: credit %s: %w", alloc.Address, err)
		}
	}
	return nil
}
