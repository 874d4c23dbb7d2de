package sqlite

import (
	"fmt"
	"math/big"

	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
)

// storedParams is the msgpack layout of the params column. Integers above
// 64 bits are kept as decimal strings.
type storedParams struct {
	DepositAsset       string `msgpack:"deposit_asset"`
	Initiator          string `msgpack:"initiator"`
	InitiatorAmount    string `msgpack:"initiator_amount"`
	Acceptor           string `msgpack:"acceptor"`
	AcceptorAmount     string `msgpack:"acceptor_amount"`
	AcceptionDeadline  uint64 `msgpack:"acception_deadline"`
	Expiry             uint64 `msgpack:"expiry"`
	ObservationAssetID uint32 `msgpack:"observation_asset_id"`
	Direction          uint8  `msgpack:"direction"`
	Price              string `msgpack:"price"`
	DataSourceID       uint8  `msgpack:"data_source_id"`
	Nonce              string `msgpack:"nonce"`
}

func encodeParams(p trade.Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(storedParams{
		DepositAsset:       p.DepositAsset.Hex(),
		Initiator:          p.Initiator.Hex(),
		InitiatorAmount:    p.InitiatorAmount.String(),
		Acceptor:           p.Acceptor.Hex(),
		AcceptorAmount:     p.AcceptorAmount.String(),
		AcceptionDeadline:  p.AcceptionDeadline,
		Expiry:             p.Expiry,
		ObservationAssetID: p.ObservationAssetID,
		Direction:          uint8(p.Direction),
		Price:              p.Price.String(),
		DataSourceID:       uint8(p.DataSourceID),
		Nonce:              p.Nonce.String(),
	})
}

func decodeParams(blob []byte) (trade.Params, error) {
	var raw storedParams
	if err := msgpack.Unmarshal(blob, &raw); err != nil {
		return trade.Params{}, err
	}
	p := trade.Params{
		DepositAsset:       common.HexToAddress(raw.DepositAsset),
		Initiator:          common.HexToAddress(raw.Initiator),
		Acceptor:           common.HexToAddress(raw.Acceptor),
		AcceptionDeadline:  raw.AcceptionDeadline,
		Expiry:             raw.Expiry,
		ObservationAssetID: raw.ObservationAssetID,
		Direction:          trade.Direction(raw.Direction),
		DataSourceID:       trade.DataSource(raw.DataSourceID),
	}
	var err error
	if p.InitiatorAmount, err = parseBig("initiator_amount", raw.InitiatorAmount); err != nil {
		return trade.Params{}, err
	}
	if p.AcceptorAmount, err = parseBig("acceptor_amount", raw.AcceptorAmount); err != nil {
		return trade.Params{}, err
	}
	if p.Price, err = parseBig("price", raw.Price); err != nil {
		return trade.Params{}, err
	}
	if p.Nonce, err = parseBig("nonce", raw.Nonce); err != nil {
		return trade.Params{}, err
	}
	return p, nil
}

func decodeEntry(id common.Hash, blob []byte, status int64, acceptor string) (state.TradeEntry, bool, error) {
	params, err := decodeParams(blob)
	if err != nil {
		return state.TradeEntry{}, false, fmt.Errorf("decode trade %s: %w", id.Hex(), err)
	}
	return state.TradeEntry{
		ID:     id,
		Params: params,
		Record: trade.Record{Status: trade.Status(status), Acceptor: common.HexToAddress(acceptor)},
	}, true, nil
}

func parseBig(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt %s %q", field, raw)
	}
	return v, nil
}
