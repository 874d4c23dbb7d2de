package pyth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const pythABI = `[
	{"inputs":[{"name":"updateData","type":"bytes[]"}],"name":"getUpdateFee","outputs":[{"name":"feeAmount","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"updateData","type":"bytes[]"},{"name":"priceIds","type":"bytes32[]"},{"name":"minPublishTime","type":"uint64"},{"name":"maxPublishTime","type":"uint64"}],"name":"parsePriceFeedUpdates","outputs":[{"components":[{"name":"id","type":"bytes32"},{"components":[{"name":"price","type":"int64"},{"name":"conf","type":"uint64"},{"name":"expo","type":"int32"},{"name":"publishTime","type":"uint256"}],"name":"price","type":"tuple"},{"components":[{"name":"price","type":"int64"},{"name":"conf","type":"uint64"},{"name":"expo","type":"int32"},{"name":"publishTime","type":"uint256"}],"name":"emaPrice","type":"tuple"}],"name":"priceFeeds","type":"tuple[]"}],"stateMutability":"payable","type":"function"}
]`

var pythContract = mustParseABI(pythABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type abiPrice struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime *big.Int
}

type abiPriceFeed struct {
	Id       [32]byte
	Price    abiPrice
	EmaPrice abiPrice
}

// EVMOracle verifies updates by simulating IPyth calls with eth_call. from
// must hold enough native balance to cover the update fee.
type EVMOracle struct {
	caller  ethereum.ContractCaller
	address common.Address
	from    common.Address
}

func NewEVMOracle(caller ethereum.ContractCaller, address, from common.Address) *EVMOracle {
	return &EVMOracle{caller: caller, address: address, from: from}
}

func (o *EVMOracle) GetUpdateFee(ctx context.Context, updates [][]byte) (*big.Int, error) {
	out, err := o.call(ctx, nil, "getUpdateFee", updates)
	if err != nil {
		return nil, err
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getUpdateFee: unexpected type %T", out[0])
	}
	return fee, nil
}

func (o *EVMOracle) ParsePriceFeedUpdates(ctx context.Context, updates [][]byte, ids []common.Hash, minPublishTime, maxPublishTime uint64, fee *big.Int) ([]PriceFeed, error) {
	priceIDs := make([][32]byte, len(ids))
	for i, id := range ids {
		priceIDs[i] = id
	}
	out, err := o.call(ctx, fee, "parsePriceFeedUpdates", updates, priceIDs, minPublishTime, maxPublishTime)
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("parsePriceFeedUpdates: %v: %w", err, ErrUpdateRejected)
		}
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new([]abiPriceFeed)).(*[]abiPriceFeed)
	feeds := make([]PriceFeed, len(raw))
	for i, f := range raw {
		price, err := convertPrice(f.Price)
		if err != nil {
			return nil, err
		}
		ema, err := convertPrice(f.EmaPrice)
		if err != nil {
			return nil, err
		}
		feeds[i] = PriceFeed{ID: common.Hash(f.Id), Price: price, EMAPrice: ema}
	}
	return feeds, nil
}

func (o *EVMOracle) call(ctx context.Context, value *big.Int, method string, args ...any) ([]any, error) {
	input, err := pythContract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{From: o.from, To: &o.address, Data: input, Value: value}
	raw, err := o.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	out, err := pythContract.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(out))
	}
	return out, nil
}

func convertPrice(p abiPrice) (Price, error) {
	if p.PublishTime == nil || !p.PublishTime.IsUint64() {
		return Price{}, fmt.Errorf("publish time %v overflows uint64", p.PublishTime)
	}
	return Price{Price: p.Price, Conf: p.Conf, Expo: p.Expo, PublishTime: p.PublishTime.Uint64()}, nil
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
