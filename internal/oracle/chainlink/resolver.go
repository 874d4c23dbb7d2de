package chainlink

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"trade-entry/internal/oracle"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

// EvidenceLength is the size of the big-endian round id carried as evidence.
const EvidenceLength = 32

type FeedSource interface {
	ChainlinkFeed(assetID uint32) (common.Address, bool)
}

// Resolver accepts round r as the observation at expiry when r was updated
// at or before expiry and round r+1 either does not exist or was updated
// after it.
type Resolver struct {
	feeds FeedSource
	open  func(common.Address) Feed
}

func NewResolver(feeds FeedSource, open func(common.Address) Feed) *Resolver {
	return &Resolver{feeds: feeds, open: open}
}

func (r *Resolver) Resolve(ctx context.Context, req oracle.Request) (oracle.Observation, error) {
	if len(req.Evidence) != EvidenceLength {
		return oracle.Observation{}, fmt.Errorf("chainlink evidence is %d bytes, want %d: %w", len(req.Evidence), EvidenceLength, trade.ErrInvalidEvidence)
	}
	addr, ok := r.feeds.ChainlinkFeed(req.AssetID)
	if !ok {
		return oracle.Observation{}, fmt.Errorf("no chainlink feed for asset %d: %w", req.AssetID, trade.ErrUnavailableAssetOrDataSource)
	}
	feed := r.open(addr)
	roundID := new(big.Int).SetBytes(req.Evidence)
	if roundID.BitLen() > maxRoundBits {
		return oracle.Observation{}, fmt.Errorf("round %s exceeds uint80: %w", roundID, trade.ErrInvalidRoundID)
	}

	round, err := feed.GetRoundData(ctx, roundID)
	if errors.Is(err, ErrRoundNotFound) {
		return oracle.Observation{}, fmt.Errorf("round %s: %w", roundID, trade.ErrInvalidRoundID)
	}
	if err != nil {
		return oracle.Observation{}, err
	}
	if round.UpdatedAt == 0 || round.UpdatedAt > req.Expiry {
		return oracle.Observation{}, fmt.Errorf("round %s updated at %d, expiry %d: %w", roundID, round.UpdatedAt, req.Expiry, trade.ErrInvalidRoundID)
	}

	nextID := new(big.Int).Add(roundID, big.NewInt(1))
	if nextID.BitLen() <= maxRoundBits {
		next, err := feed.GetRoundData(ctx, nextID)
		switch {
		case errors.Is(err, ErrRoundNotFound):
		case err != nil:
			return oracle.Observation{}, err
		case next.UpdatedAt != 0 && next.UpdatedAt <= req.Expiry:
			return oracle.Observation{}, fmt.Errorf("round %s updated at %d is not the last before expiry %d: %w", nextID, next.UpdatedAt, req.Expiry, trade.ErrInvalidRoundID)
		}
	}

	if round.Answer == nil || round.Answer.Sign() < 0 {
		return oracle.Observation{}, fmt.Errorf("round %s answer %v: %w", roundID, round.Answer, trade.ErrInvalidEvidence)
	}
	decimals, err := feed.Decimals(ctx)
	if err != nil {
		return oracle.Observation{}, err
	}
	return oracle.Observation{
		Price:      oracle.Scale(round.Answer, int32(decimals)),
		ObservedAt: round.UpdatedAt,
		FeePaid:    new(big.Int),
	}, nil
}

// FindRoundID walks back from the latest round to the last one updated at
// or before expiry. It gives up after maxSteps rounds.
func FindRoundID(ctx context.Context, feed Feed, expiry uint64, maxSteps int) (*big.Int, error) {
	round, err := feed.LatestRoundData(ctx)
	if err != nil {
		return nil, err
	}
	roundID := new(big.Int).Set(round.RoundID)
	for steps := 0; round.UpdatedAt > expiry || round.UpdatedAt == 0; steps++ {
		if steps >= maxSteps {
			return nil, fmt.Errorf("no round at or before %d within %d rounds of latest", expiry, maxSteps)
		}
		if roundID.Sign() == 0 {
			return nil, fmt.Errorf("no round at or before %d: %w", expiry, ErrRoundNotFound)
		}
		roundID.Sub(roundID, big.NewInt(1))
		round, err = feed.GetRoundData(ctx, roundID)
		if err != nil {
			return nil, fmt.Errorf("round %s: %w", roundID, err)
		}
	}
	return roundID, nil
}

// Evidence encodes roundID as the 32-byte settlement evidence.
func Evidence(roundID *big.Int) []byte {
	return common.LeftPadBytes(roundID.Bytes(), EvidenceLength)
}
