package pyth

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"trade-entry/internal/oracle"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

type FeedSource interface {
	PythFeed(assetID uint32) (common.Hash, bool)
	PythOracle() common.Address
}

// Resolver accepts one update blob whose publish time equals the trade
// expiry exactly. Only the oracle's quoted fee is forwarded.
type Resolver struct {
	feeds FeedSource
	open  func(common.Address) Oracle
}

func NewResolver(feeds FeedSource, open func(common.Address) Oracle) *Resolver {
	return &Resolver{feeds: feeds, open: open}
}

func (r *Resolver) Resolve(ctx context.Context, req oracle.Request) (oracle.Observation, error) {
	if len(req.Evidence) == 0 {
		return oracle.Observation{}, fmt.Errorf("empty pyth update: %w", trade.ErrInvalidEvidence)
	}
	feedID, ok := r.feeds.PythFeed(req.AssetID)
	if !ok {
		return oracle.Observation{}, fmt.Errorf("no pyth feed for asset %d: %w", req.AssetID, trade.ErrUnavailableAssetOrDataSource)
	}
	addr := r.feeds.PythOracle()
	if addr == (common.Address{}) {
		return oracle.Observation{}, fmt.Errorf("pyth oracle not configured: %w", trade.ErrUnavailableAssetOrDataSource)
	}
	o := r.open(addr)
	updates := [][]byte{req.Evidence}

	fee, err := o.GetUpdateFee(ctx, updates)
	if err != nil {
		return oracle.Observation{}, err
	}
	attached := req.Fee
	if attached == nil {
		attached = new(big.Int)
	}
	if attached.Cmp(fee) < 0 {
		return oracle.Observation{}, fmt.Errorf("attached %s, update fee %s: %w", attached, fee, trade.ErrInsufficientFee)
	}

	feeds, err := o.ParsePriceFeedUpdates(ctx, updates, []common.Hash{feedID}, req.Expiry, req.Expiry, fee)
	if errors.Is(err, ErrUpdateRejected) {
		return oracle.Observation{}, fmt.Errorf("%v: %w", err, trade.ErrInvalidEvidence)
	}
	if err != nil {
		return oracle.Observation{}, err
	}
	if len(feeds) != 1 || feeds[0].ID != feedID {
		return oracle.Observation{}, fmt.Errorf("update does not carry feed %s: %w", feedID.Hex(), trade.ErrInvalidEvidence)
	}
	price := feeds[0].Price
	if price.PublishTime != req.Expiry {
		return oracle.Observation{}, fmt.Errorf("published at %d, expiry %d: %w", price.PublishTime, req.Expiry, trade.ErrInvalidEvidence)
	}
	if price.Price < 0 {
		return oracle.Observation{}, fmt.Errorf("negative price %d: %w", price.Price, trade.ErrInvalidEvidence)
	}
	return oracle.Observation{
		Price:        oracle.Scale(big.NewInt(price.Price), -price.Expo),
		ObservedAt:   req.Expiry,
		FeePaid:      new(big.Int).Set(fee),
		FeeRecipient: addr,
	}, nil
}
