package trade

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTransitionLifecycle(t *testing.T) {
	status, err := Transition(StatusNone, EventStart)
	if err != nil || status != StatusStarted {
		t.Fatalf("expected %s, got %s (%v)", StatusStarted, status, err)
	}
	status, err = Transition(status, EventSettle)
	if err != nil || status != StatusSettled {
		t.Fatalf("expected %s, got %s (%v)", StatusSettled, status, err)
	}
}

func TestTransitionRejectsOutOfOrder(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
	}{
		{StatusNone, EventSettle},
		{StatusStarted, EventStart},
		{StatusSettled, EventStart},
		{StatusSettled, EventSettle},
		{StatusCancelled, EventStart},
		{StatusCancelled, EventSettle},
		{StatusSettling, EventSettle},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.event)
		if !errors.Is(err, ErrWrongTradeStatus) {
			t.Fatalf("%s from %s: expected ErrWrongTradeStatus, got %v", tc.event, tc.from, err)
		}
		if got != tc.from {
			t.Fatalf("invalid transition should not change status, got %s", got)
		}
	}
}

func TestInitiatorWins(t *testing.T) {
	strike := big.NewInt(100_000)
	if !InitiatorWins(Above, big.NewInt(100_001), strike) {
		t.Fatalf("expected above to win when observed > strike")
	}
	if InitiatorWins(Above, big.NewInt(99_999), strike) {
		t.Fatalf("expected above to lose when observed < strike")
	}
	if !InitiatorWins(Below, big.NewInt(99_999), strike) {
		t.Fatalf("expected below to win when observed < strike")
	}
	if InitiatorWins(Above, strike, strike) || InitiatorWins(Below, strike, strike) {
		t.Fatalf("expected ties to go to the acceptor")
	}
}

func TestWinnerUsesActualAcceptor(t *testing.T) {
	p := Params{
		Initiator: common.HexToAddress("0x01"),
		Direction: Below,
		Price:     big.NewInt(10),
	}
	acceptor := common.HexToAddress("0x02")
	if got := Winner(p, acceptor, big.NewInt(11)); got != acceptor {
		t.Fatalf("expected acceptor %s, got %s", acceptor.Hex(), got.Hex())
	}
	if got := Winner(p, acceptor, big.NewInt(9)); got != p.Initiator {
		t.Fatalf("expected initiator %s, got %s", p.Initiator.Hex(), got.Hex())
	}
}

func TestParamsUnmarshalAcceptsNumbersAndStrings(t *testing.T) {
	raw := `{
		"depositAsset": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"initiator": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"initiatorAmount": "100000000000000000000",
		"acceptor": "0x0000000000000000000000000000000000000000",
		"acceptorAmount": "0x56bc75e2d63100000",
		"acceptionDeadline": 1700000100,
		"expiry": "1700086400",
		"observationAssetId": 1,
		"direction": 1,
		"price": "100000000000000000000000",
		"dataSourceId": 2,
		"nonce": 7
	}`
	var p Params
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.AcceptorAmount.Cmp(p.InitiatorAmount) != 0 {
		t.Fatalf("expected hex and decimal amounts to match, got %s and %s", p.AcceptorAmount, p.InitiatorAmount)
	}
	if p.AcceptionDeadline != 1700000100 || p.Expiry != 1700086400 {
		t.Fatalf("unexpected times: %d %d", p.AcceptionDeadline, p.Expiry)
	}
	if p.Direction != Below || p.DataSourceID != DataSourcePyth {
		t.Fatalf("unexpected enums: %s %s", p.Direction, p.DataSourceID)
	}
	if !p.OpenAcceptor() {
		t.Fatalf("expected zero acceptor to be open")
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["acceptorAmount"] != "100000000000000000000" {
		t.Fatalf("expected decimal string, got %v", decoded["acceptorAmount"])
	}
}

func TestParamsValidate(t *testing.T) {
	p := Params{
		InitiatorAmount: big.NewInt(1),
		AcceptorAmount:  big.NewInt(-1),
		Price:           big.NewInt(1),
		Nonce:           big.NewInt(1),
	}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
	p.AcceptorAmount = big.NewInt(1)
	p.Direction = Direction(3)
	if err := p.Validate(); err == nil {
		t.Fatalf("expected unknown direction to be rejected")
	}
	p.Direction = Above
	p.Nonce = new(big.Int).Lsh(big.NewInt(1), 256)
	if err := p.Validate(); err == nil {
		t.Fatalf("expected overflowing nonce to be rejected")
	}
}

func TestParamsUnmarshalRejectsTimesBeyondUint64(t *testing.T) {
	for _, field := range []string{"acceptionDeadline", "expiry"} {
		raw := map[string]any{
			"initiatorAmount":   "1",
			"acceptorAmount":    "1",
			"acceptionDeadline": "1",
			"expiry":            "1",
			"price":             "1",
			"nonce":             "1",
		}
		raw[field] = "18446744073709551616"
		data, err := json.Marshal(raw)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var p Params
		if err := json.Unmarshal(data, &p); err == nil {
			t.Fatalf("expected %s above 2^64-1 to be rejected", field)
		}
	}
}
