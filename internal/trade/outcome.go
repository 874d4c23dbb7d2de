package trade

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InitiatorWins compares the observed price against the strike. Equality
// never satisfies either direction, so the acceptor takes ties.
func InitiatorWins(direction Direction, observed, strike *big.Int) bool {
	cmp := observed.Cmp(strike)
	switch direction {
	case Above:
		return cmp > 0
	case Below:
		return cmp < 0
	default:
		return false
	}
}

func Winner(p Params, acceptor common.Address, observed *big.Int) common.Address {
	if InitiatorWins(p.Direction, observed, p.Price) {
		return p.Initiator
	}
	return acceptor
}
