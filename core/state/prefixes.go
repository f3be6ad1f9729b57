package state

var (
	accountPrefix       = []byte("account/")
	htlcOrderPrefix     = []byte("htlc/order/")
	htlcCounterKeyBytes = []byte("htlc/counter")
	htlcOwnerKeyBytes   = []byte("htlc/owner")
	htlcLockedKeyBytes  = []byte("htlc/locked")
	htlcVaultSeedBytes  = []byte("htlc/vault")
)
