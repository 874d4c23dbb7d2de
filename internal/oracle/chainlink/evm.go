package chainlink

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregator = mustParseABI(aggregatorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EVMFeed reads an aggregator through eth_call at the latest block.
type EVMFeed struct {
	caller  ethereum.ContractCaller
	address common.Address

	mu       sync.Mutex
	decimals *uint8
}

func NewEVMFeed(caller ethereum.ContractCaller, address common.Address) *EVMFeed {
	return &EVMFeed{caller: caller, address: address}
}

func (f *EVMFeed) Decimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decimals != nil {
		return *f.decimals, nil
	}
	out, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals: unexpected output %v", out)
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", out[0])
	}
	f.decimals = &d
	return d, nil
}

func (f *EVMFeed) GetRoundData(ctx context.Context, roundID *big.Int) (Round, error) {
	out, err := f.call(ctx, "getRoundData", roundID)
	if err != nil && isRevert(err) {
		return Round{}, fmt.Errorf("round %s on %s: %v: %w", roundID, f.address.Hex(), err, ErrRoundNotFound)
	}
	if err != nil {
		return Round{}, err
	}
	return decodeRound(out)
}

func (f *EVMFeed) LatestRoundData(ctx context.Context) (Round, error) {
	out, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return Round{}, err
	}
	return decodeRound(out)
}

func (f *EVMFeed) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := aggregator.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	return aggregator.Unpack(method, raw)
}

func decodeRound(out []any) (Round, error) {
	if len(out) != 5 {
		return Round{}, fmt.Errorf("round data: expected 5 outputs, got %d", len(out))
	}
	values := make([]*big.Int, len(out))
	for i, v := range out {
		b, ok := v.(*big.Int)
		if !ok {
			return Round{}, fmt.Errorf("round data: output %d has type %T", i, v)
		}
		values[i] = b
	}
	if !values[2].IsUint64() || !values[3].IsUint64() {
		return Round{}, errors.New("round data: timestamp overflows uint64")
	}
	return Round{
		RoundID:         values[0],
		Answer:          values[1],
		StartedAt:       values[2].Uint64(),
		UpdatedAt:       values[3].Uint64(),
		AnsweredInRound: values[4],
	}, nil
}

// Aggregators revert with "No data present" for unknown rounds.
func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
