// Package oracle turns settlement evidence into a validated price
// observation. Each data source registers one Resolver in a Set.
package oracle

import (
	"context"
	"fmt"
	"math/big"

	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

// PriceDecimals is the fixed-point precision of every Observation price.
const PriceDecimals = 18

type Request struct {
	AssetID  uint32
	Expiry   uint64
	Evidence []byte
	// Fee is the native value attached by the caller. Sources that charge
	// for updates consume part of it.
	Fee *big.Int
}

type Observation struct {
	Price        *big.Int
	ObservedAt   uint64
	// FeePaid is owed to FeeRecipient in the native asset.
	FeePaid      *big.Int
	FeeRecipient common.Address
}

type Resolver interface {
	Resolve(ctx context.Context, req Request) (Observation, error)
}

// Set dispatches by data source id.
type Set map[trade.DataSource]Resolver

func (s Set) Resolve(ctx context.Context, source trade.DataSource, req Request) (Observation, error) {
	r, ok := s[source]
	if !ok || r == nil {
		return Observation{}, fmt.Errorf("no resolver for %s: %w", source, trade.ErrUnavailableAssetOrDataSource)
	}
	return r.Resolve(ctx, req)
}

// Scale rescales value carrying decimals fractional digits to PriceDecimals.
// Negative decimals mean value is a multiple of a power of ten.
func Scale(value *big.Int, decimals int32) *big.Int {
	out := new(big.Int).Set(value)
	shift := int64(PriceDecimals) - int64(decimals)
	switch {
	case shift > 0:
		out.Mul(out, pow10(shift))
	case shift < 0:
		out.Quo(out, pow10(-shift))
	}
	return out
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}
