// Package chainlink settles trades against round-indexed push feeds.
package chainlink

import (
	"context"
	"errors"
	"math/big"
)

// ErrRoundNotFound reports that a feed has no data for the requested round.
var ErrRoundNotFound = errors.New("round not found")

type Round struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       uint64
	UpdatedAt       uint64
	AnsweredInRound *big.Int
}

// Feed is the read surface of an AggregatorV3Interface contract.
type Feed interface {
	Decimals(ctx context.Context) (uint8, error)
	GetRoundData(ctx context.Context, roundID *big.Int) (Round, error)
	LatestRoundData(ctx context.Context) (Round, error)
}

// maxRoundBits is the width of aggregator round ids (uint80).
const maxRoundBits = 80
