package keeper

import (
	"context"
	"fmt"
	"math/big"

	"trade-entry/internal/oracle/chainlink"
	"trade-entry/internal/oracle/pyth"
	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

// Evidence builds the settlement payload and the native fee to attach for
// one expired trade.
type Evidence interface {
	Build(ctx context.Context, entry state.TradeEntry) ([]byte, *big.Int, error)
}

// ChainlinkEvidence locates the last round published at or before expiry.
type ChainlinkEvidence struct {
	feeds    chainlink.FeedSource
	open     func(common.Address) chainlink.Feed
	maxSteps int
}

func NewChainlinkEvidence(feeds chainlink.FeedSource, open func(common.Address) chainlink.Feed, maxSteps int) *ChainlinkEvidence {
	if maxSteps <= 0 {
		maxSteps = 500
	}
	return &ChainlinkEvidence{feeds: feeds, open: open, maxSteps: maxSteps}
}

func (c *ChainlinkEvidence) Build(ctx context.Context, entry state.TradeEntry) ([]byte, *big.Int, error) {
	addr, ok := c.feeds.ChainlinkFeed(entry.Params.ObservationAssetID)
	if !ok {
		return nil, nil, fmt.Errorf("no chainlink feed for asset %d: %w", entry.Params.ObservationAssetID, trade.ErrUnavailableAssetOrDataSource)
	}
	roundID, err := chainlink.FindRoundID(ctx, c.open(addr), entry.Params.Expiry, c.maxSteps)
	if err != nil {
		return nil, nil, err
	}
	return chainlink.Evidence(roundID), new(big.Int), nil
}

// Updater fetches a signed Pyth update published at an exact second.
type Updater interface {
	UpdateAt(ctx context.Context, feedID common.Hash, publishTime uint64) (pyth.Update, error)
}

// PythEvidence fetches the update published at expiry and quotes its fee.
type PythEvidence struct {
	feeds   pyth.FeedSource
	updates Updater
	open    func(common.Address) pyth.Oracle
}

func NewPythEvidence(feeds pyth.FeedSource, updates Updater, open func(common.Address) pyth.Oracle) *PythEvidence {
	return &PythEvidence{feeds: feeds, updates: updates, open: open}
}

func (p *PythEvidence) Build(ctx context.Context, entry state.TradeEntry) ([]byte, *big.Int, error) {
	feedID, ok := p.feeds.PythFeed(entry.Params.ObservationAssetID)
	if !ok {
		return nil, nil, fmt.Errorf("no pyth feed for asset %d: %w", entry.Params.ObservationAssetID, trade.ErrUnavailableAssetOrDataSource)
	}
	addr := p.feeds.PythOracle()
	if addr == (common.Address{}) {
		return nil, nil, fmt.Errorf("pyth oracle not configured: %w", trade.ErrUnavailableAssetOrDataSource)
	}
	update, err := p.updates.UpdateAt(ctx, feedID, entry.Params.Expiry)
	if err != nil {
		return nil, nil, err
	}
	fee, err := p.open(addr).GetUpdateFee(ctx, [][]byte{update.Data})
	if err != nil {
		return nil, nil, fmt.Errorf("update fee: %w", err)
	}
	return update.Data, fee, nil
}
