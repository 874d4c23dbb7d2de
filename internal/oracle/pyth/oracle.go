// Package pyth settles trades against timestamp-targeted pull updates.
package pyth

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUpdateRejected reports that the oracle refused to verify an update.
var ErrUpdateRejected = errors.New("update rejected")

type Price struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime uint64
}

type PriceFeed struct {
	ID       common.Hash
	Price    Price
	EMAPrice Price
}

// Oracle is the IPyth surface used for settlement.
type Oracle interface {
	GetUpdateFee(ctx context.Context, updates [][]byte) (*big.Int, error)
	ParsePriceFeedUpdates(ctx context.Context, updates [][]byte, ids []common.Hash, minPublishTime, maxPublishTime uint64, fee *big.Int) ([]PriceFeed, error)
}
