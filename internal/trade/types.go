package trade

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Direction uint8

const (
	Above Direction = iota
	Below
)

func (d Direction) String() string {
	switch d {
	case Above:
		return "ABOVE"
	case Below:
		return "BELOW"
	default:
		return fmt.Sprintf("DIRECTION(%d)", uint8(d))
	}
}

func (d Direction) Valid() bool {
	return d == Above || d == Below
}

// DataSource selects the oracle adapter that settles a trade.
type DataSource uint8

const (
	DataSourceChainlink DataSource = 1
	DataSourcePyth      DataSource = 2
)

func (d DataSource) String() string {
	switch d {
	case DataSourceChainlink:
		return "chainlink"
	case DataSourcePyth:
		return "pyth"
	default:
		return fmt.Sprintf("source-%d", uint8(d))
	}
}

// Params are the immutable terms of one trade. Field order matches the
// signed TradeParams struct and must not change.
type Params struct {
	DepositAsset       common.Address
	Initiator          common.Address
	InitiatorAmount    *big.Int
	Acceptor           common.Address
	AcceptorAmount     *big.Int
	AcceptionDeadline  uint64
	Expiry             uint64
	ObservationAssetID uint32
	Direction          Direction
	Price              *big.Int
	DataSourceID       DataSource
	Nonce              *big.Int
}

// OpenAcceptor reports whether any account may accept the trade.
func (p Params) OpenAcceptor() bool {
	return p.Acceptor == (common.Address{})
}

// Pool is the full escrow held for the trade.
func (p Params) Pool() *big.Int {
	return new(big.Int).Add(bigOrZero(p.InitiatorAmount), bigOrZero(p.AcceptorAmount))
}

func (p Params) Validate() error {
	if err := checkUint256("initiatorAmount", p.InitiatorAmount); err != nil {
		return err
	}
	if err := checkUint256("acceptorAmount", p.AcceptorAmount); err != nil {
		return err
	}
	if err := checkUint256("price", p.Price); err != nil {
		return err
	}
	if err := checkUint256("nonce", p.Nonce); err != nil {
		return err
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("direction %d is not defined", uint8(p.Direction))
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored amounts.
func (p Params) Clone() Params {
	out := p
	out.InitiatorAmount = cloneBig(p.InitiatorAmount)
	out.AcceptorAmount = cloneBig(p.AcceptorAmount)
	out.Price = cloneBig(p.Price)
	out.Nonce = cloneBig(p.Nonce)
	return out
}

type Record struct {
	Status   Status
	Acceptor common.Address
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func checkUint256(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%s is required", name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%s must be >= 0", name)
	}
	if v.Cmp(maxUint256) > 0 {
		return fmt.Errorf("%s overflows uint256", name)
	}
	return nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
