package trade

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// paramsJSON mirrors the typed-data message used by wallets. Integers are
// accepted as JSON numbers or as decimal/0x-hex strings and are always
// written back as decimal strings.
type paramsJSON struct {
	DepositAsset       common.Address `json:"depositAsset"`
	Initiator          common.Address `json:"initiator"`
	InitiatorAmount    jsonInt        `json:"initiatorAmount"`
	Acceptor           common.Address `json:"acceptor"`
	AcceptorAmount     jsonInt        `json:"acceptorAmount"`
	AcceptionDeadline  jsonInt        `json:"acceptionDeadline"`
	Expiry             jsonInt        `json:"expiry"`
	ObservationAssetID uint32         `json:"observationAssetId"`
	Direction          uint8          `json:"direction"`
	Price              jsonInt        `json:"price"`
	DataSourceID       uint8          `json:"dataSourceId"`
	Nonce              jsonInt        `json:"nonce"`
}

func (p Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(paramsJSON{
		DepositAsset:       p.DepositAsset,
		Initiator:          p.Initiator,
		InitiatorAmount:    jsonInt{bigOrZero(p.InitiatorAmount)},
		Acceptor:           p.Acceptor,
		AcceptorAmount:     jsonInt{bigOrZero(p.AcceptorAmount)},
		AcceptionDeadline:  jsonInt{new(big.Int).SetUint64(p.AcceptionDeadline)},
		Expiry:             jsonInt{new(big.Int).SetUint64(p.Expiry)},
		ObservationAssetID: p.ObservationAssetID,
		Direction:          uint8(p.Direction),
		Price:              jsonInt{bigOrZero(p.Price)},
		DataSourceID:       uint8(p.DataSourceID),
		Nonce:              jsonInt{bigOrZero(p.Nonce)},
	})
}

func (p *Params) UnmarshalJSON(data []byte) error {
	var raw paramsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	deadline, err := raw.AcceptionDeadline.uint64("acceptionDeadline")
	if err != nil {
		return err
	}
	expiry, err := raw.Expiry.uint64("expiry")
	if err != nil {
		return err
	}
	*p = Params{
		DepositAsset:       raw.DepositAsset,
		Initiator:          raw.Initiator,
		InitiatorAmount:    raw.InitiatorAmount.v,
		Acceptor:           raw.Acceptor,
		AcceptorAmount:     raw.AcceptorAmount.v,
		AcceptionDeadline:  deadline,
		Expiry:             expiry,
		ObservationAssetID: raw.ObservationAssetID,
		Direction:          Direction(raw.Direction),
		Price:              raw.Price.v,
		DataSourceID:       DataSource(raw.DataSourceID),
		Nonce:              raw.Nonce.v,
	}
	return nil
}

type jsonInt struct {
	v *big.Int
}

func (j jsonInt) MarshalJSON() ([]byte, error) {
	return json.Marshal(bigOrZero(j.v).String())
}

func (j *jsonInt) UnmarshalJSON(data []byte) error {
	text := string(bytes.TrimSpace(data))
	if text == "null" {
		j.v = nil
		return nil
	}
	text = strings.Trim(text, `"`)
	v, ok := new(big.Int).SetString(text, 0)
	if !ok {
		return fmt.Errorf("invalid integer %q", text)
	}
	j.v = v
	return nil
}

func (j jsonInt) uint64(name string) (uint64, error) {
	if j.v == nil {
		return 0, fmt.Errorf("%s is required", name)
	}
	if j.v.Sign() < 0 || !j.v.IsUint64() {
		return 0, fmt.Errorf("%s out of range: %s", name, j.v)
	}
	return j.v.Uint64(), nil
}
