package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type Kind string

const (
	KindTradeStarted Kind = "trade_started"
	KindTradeSettled Kind = "trade_settled"
)

// Event is one committed lifecycle change. Settlement fields are zero for
// KindTradeStarted.
type Event struct {
	ID         uuid.UUID
	Kind       Kind
	TradeID    common.Hash
	Params     trade.Params
	Acceptor   common.Address
	Price      *big.Int
	ObservedAt uint64
	Winner     common.Address
	Payout     *big.Int
	Time       time.Time
}

func TradeStarted(id common.Hash, params trade.Params, acceptor common.Address, now time.Time) Event {
	return Event{
		ID:       uuid.New(),
		Kind:     KindTradeStarted,
		TradeID:  id,
		Params:   params.Clone(),
		Acceptor: acceptor,
		Time:     now.UTC(),
	}
}

func TradeSettled(id common.Hash, params trade.Params, acceptor common.Address, price *big.Int, observedAt uint64, winner common.Address, payout *big.Int, now time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       KindTradeSettled,
		TradeID:    id,
		Params:     params.Clone(),
		Acceptor:   acceptor,
		Price:      new(big.Int).Set(price),
		ObservedAt: observedAt,
		Winner:     winner,
		Payout:     new(big.Int).Set(payout),
		Time:       now.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi fans an event out to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

type eventJSON struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TradeID    common.Hash     `json:"trade_id"`
	Params     trade.Params    `json:"params"`
	Acceptor   common.Address  `json:"acceptor"`
	Price      string          `json:"price,omitempty"`
	ObservedAt uint64          `json:"observed_at,omitempty"`
	Winner     *common.Address `json:"winner,omitempty"`
	Payout     string          `json:"payout,omitempty"`
	TimeMS     int64           `json:"time_ms"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		ID:         e.ID.String(),
		Kind:       e.Kind,
		TradeID:    e.TradeID,
		Params:     e.Params,
		Acceptor:   e.Acceptor,
		ObservedAt: e.ObservedAt,
		TimeMS:     e.Time.UnixMilli(),
	}
	if e.Kind == KindTradeSettled {
		winner := e.Winner
		out.Winner = &winner
	}
	if e.Price != nil {
		out.Price = e.Price.String()
	}
	if e.Payout != nil {
		out.Payout = e.Payout.String()
	}
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := uuid.Parse(raw.ID)
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	*e = Event{
		ID:         id,
		Kind:       raw.Kind,
		TradeID:    raw.TradeID,
		Params:     raw.Params,
		Acceptor:   raw.Acceptor,
		ObservedAt: raw.ObservedAt,
		Time:       time.UnixMilli(raw.TimeMS).UTC(),
	}
	if raw.Winner != nil {
		e.Winner = *raw.Winner
	}
	if e.Price, err = parseAmount("price", raw.Price); err != nil {
		return err
	}
	if e.Payout, err = parseAmount("payout", raw.Payout); err != nil {
		return err
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s: invalid amount %q", field, raw)
	}
	return v, nil
}
