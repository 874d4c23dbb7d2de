package stream

import (
	"context"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trade-entry/internal/events"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type countingCounter struct {
	n int
}

func (c *countingCounter) Inc() { c.n++ }

func startedEvent(nonce int64) events.Event {
	p := trade.Params{
		Initiator:       common.HexToAddress("0x01"),
		InitiatorAmount: big.NewInt(1),
		AcceptorAmount:  big.NewInt(1),
		Price:           big.NewInt(1),
		Nonce:           big.NewInt(nonce),
	}
	return events.TradeStarted(common.BigToHash(big.NewInt(nonce)), p, common.HexToAddress("0x02"), time.Unix(100, 0))
}

func waitFor(t *testing.T, ctx context.Context, cond func() bool) {
	t.Helper()
	for !cond() {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHubDeliversToClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hub := NewHub(4, 10*time.Millisecond, nil, zap.NewNop())
	server := httptest.NewServer(hub)
	defer server.Close()

	received := make(chan events.Event, 1)
	client := NewClient("ws"+strings.TrimPrefix(server.URL, "http"), 10*time.Millisecond, zap.NewNop())
	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- client.Run(runCtx, func(e events.Event) {
			select {
			case received <- e:
			default:
			}
		})
	}()

	waitFor(t, ctx, func() bool { return hub.Subscribers() == 1 })
	want := startedEvent(7)
	hub.Publish(ctx, want)

	select {
	case got := <-received:
		if got.ID != want.ID || got.TradeID != want.TradeID || got.Kind != events.KindTradeStarted {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Params.Nonce.Cmp(big.NewInt(7)) != 0 {
			t.Fatalf("expected nonce 7, got %s", got.Params.Nonce)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for event")
	}

	runCancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitFor(t, ctx, func() bool { return hub.Subscribers() == 0 })
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	dropped := &countingCounter{}
	hub := NewHub(1, 0, dropped, zap.NewNop())
	sub := &subscriber{ch: make(chan []byte, 1)}
	hub.add(sub)
	hub.Publish(context.Background(), startedEvent(1))
	hub.Publish(context.Background(), startedEvent(2))
	if len(sub.ch) != 1 || dropped.n != 1 {
		t.Fatalf("expected 1 queued and 1 dropped, got %d and %d", len(sub.ch), dropped.n)
	}
	hub.remove(sub)
	hub.Publish(context.Background(), startedEvent(3))
	if dropped.n != 1 {
		t.Fatalf("expected removed subscriber to be skipped")
	}
}
