package config

import (
	"fmt"
	"os"
	"strings"

	"htlcbridge/core/genesis"
	"htlcbridge/native/htlc"
)

// Resolve turns the preset plus overrides into an engine profile.
func (p ProfileConfig) Resolve() (htlc.Profile, error) {
	profile, err := htlc.ProfileByName(p.Preset)
	if err != nil {
		return htlc.Profile{}, err
	}
	if p.StrictValidation != nil {
		profile.StrictValidation = *p.StrictValidation
	}
	if p.RetainOnClaim != nil {
		profile.RetainOnClaim = *p.RetainOnClaim
	}
	if p.ExpiryEnforced != nil {
		profile.ExpiryEnforced = *p.ExpiryEnforced
	}
	if strings.TrimSpace(p.AmountSource) != "" {
		src, err := htlc.ParseAmountSource(p.AmountSource)
		if err != nil {
			return htlc.Profile{}, err
		}
		profile.AmountSource = src
	}
	if strings.TrimSpace(p.Digest) != "" {
		digest, err := htlc.ParseDigestAlgorithm(p.Digest)
		if err != nil {
			return htlc.Profile{}, err
		}
		profile.Digest = digest
	}
	return profile, nil
}

// Spec returns the genesis described by the section, loading File when set.
func (g GenesisConfig) Spec() (*genesis.GenesisSpec, error) {
	if strings.TrimSpace(g.File) != "" {
		return genesis.LoadGenesisSpec(g.File)
	}
	alloc := make(map[string]string, len(g.Alloc))
	for addr, amount := range g.Alloc {
		alloc[addr] = amount
	}
	return &genesis.GenesisSpec{Owner: g.Owner, Alloc: alloc}, nil
}

// ResolveAuthToken returns the static bearer token, preferring the
// environment variable when it is set.
func (r RPCConfig) ResolveAuthToken() string {
	if env := strings.TrimSpace(r.AuthTokenEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.AuthToken)
}

// ResolveJWTSecret reads the HS256 secret from the configured environment
// variable.
func (r RPCConfig) ResolveJWTSecret() ([]byte, error) {
	env := strings.TrimSpace(r.JWTSecretEnv)
	if env == "" {
		return nil, nil
	}
	value := strings.TrimSpace(os.Getenv(env))
	if value == "" {
		return nil, fmt.Errorf("rpc: JWT secret env %s is empty", env)
	}
	return []byte(value), nil
}
