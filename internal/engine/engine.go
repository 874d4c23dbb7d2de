// Package engine owns the trade lifecycle: escrow on start and a single
// full-pool payout on settlement.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"trade-entry/internal/events"
	"trade-entry/internal/metrics"
	"trade-entry/internal/oracle"
	"trade-entry/internal/signing"
	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type Registry interface {
	IsAllowed(assetID uint32, source trade.DataSource) bool
}

type Settlement struct {
	TradeID     common.Hash
	Price       *big.Int
	ObservedAt  uint64
	Winner      common.Address
	Payout      *big.Int
	FeePaid     *big.Int
	// FeeRetained is the part of the attached value the escrow keeps.
	FeeRetained *big.Int
}

type Engine struct {
	mu       sync.Mutex
	domain   signing.Domain
	registry Registry
	ledger   state.Ledger
	oracles  oracle.Set
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

func New(domain signing.Domain, registry Registry, ledger state.Ledger, oracles oracle.Set, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		domain:   domain,
		registry: registry,
		ledger:   ledger,
		oracles:  oracles,
		events:   events.Multi{},
		metrics:  metrics.NewNoop(),
		log:      log,
		now:      time.Now,
	}
}

func (e *Engine) SetPublisher(p events.Publisher) {
	if p != nil {
		e.events = p
	}
}

func (e *Engine) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// Escrow is the account that holds both stakes between start and settlement.
func (e *Engine) Escrow() common.Address {
	return e.domain.VerifyingContract
}

func (e *Engine) Domain() signing.Domain {
	return e.domain
}

func (e *Engine) TradeHash(p trade.Params) (common.Hash, error) {
	return e.domain.Hash(p)
}

// TradeDetails returns the record for id. Unknown ids read as StatusNone.
func (e *Engine) TradeDetails(ctx context.Context, id common.Hash) (trade.Record, error) {
	var record trade.Record
	err := e.ledger.View(ctx, func(tx state.Tx) error {
		entry, _, err := tx.Trade(id)
		record = entry.Record
		return err
	})
	return record, err
}

// ExpiredTrades lists started trades whose expiry has passed.
func (e *Engine) ExpiredTrades(ctx context.Context) ([]state.TradeEntry, error) {
	var out []state.TradeEntry
	err := e.ledger.View(ctx, func(tx state.Tx) error {
		var err error
		out, err = tx.ListTrades(trade.StatusStarted, e.unixNow())
		return err
	})
	return out, err
}

// StartTrade escrows both stakes for params signed by the initiator. caller
// becomes the acceptor. Nothing moves unless every check passes.
func (e *Engine) StartTrade(ctx context.Context, caller common.Address, p trade.Params, signature []byte) (common.Hash, error) {
	id, err := e.startTrade(ctx, caller, p, signature)
	if err != nil {
		e.metrics.StartRejected.Inc()
		e.log.Warn("start rejected",
			zap.String("trade_id", id.Hex()),
			zap.String("caller", caller.Hex()),
			zap.Error(err),
		)
		return common.Hash{}, err
	}
	return id, nil
}

func (e *Engine) startTrade(ctx context.Context, caller common.Address, p trade.Params, signature []byte) (common.Hash, error) {
	id, err := e.domain.Hash(p)
	if err != nil {
		return common.Hash{}, err
	}
	if err := e.domain.Verify(p, signature, p.Initiator); err != nil {
		return id, err
	}
	if !e.registry.IsAllowed(p.ObservationAssetID, p.DataSourceID) {
		return id, fmt.Errorf("asset %d via %s: %w", p.ObservationAssetID, p.DataSourceID, trade.ErrUnavailableAssetOrDataSource)
	}
	if !p.OpenAcceptor() && p.Acceptor != caller {
		return id, fmt.Errorf("caller %s, acceptor %s: %w", caller.Hex(), p.Acceptor.Hex(), trade.ErrNotTradeAcceptor)
	}
	if now := e.unixNow(); now > p.AcceptionDeadline {
		return id, fmt.Errorf("now %d, deadline %d: %w", now, p.AcceptionDeadline, trade.ErrAcceptionDeadlinePassed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	escrow := e.Escrow()
	err = e.ledger.Update(ctx, func(tx state.Tx) error {
		entry, _, err := tx.Trade(id)
		if err != nil {
			return err
		}
		next, err := trade.Transition(entry.Record.Status, trade.EventStart)
		if err != nil {
			return err
		}
		if err := tx.TransferFrom(p.DepositAsset, escrow, p.Initiator, escrow, p.InitiatorAmount); err != nil {
			return fmt.Errorf("initiator stake: %w", err)
		}
		if err := tx.TransferFrom(p.DepositAsset, escrow, caller, escrow, p.AcceptorAmount); err != nil {
			return fmt.Errorf("acceptor stake: %w", err)
		}
		return tx.PutTrade(state.TradeEntry{
			ID:     id,
			Params: p.Clone(),
			Record: trade.Record{Status: next, Acceptor: caller},
		})
	})
	if err != nil {
		return id, err
	}

	e.metrics.TradesStarted.Inc()
	e.log.Info("trade started",
		zap.String("trade_id", id.Hex()),
		zap.String("initiator", p.Initiator.Hex()),
		zap.String("acceptor", caller.Hex()),
		zap.String("pool", p.Pool().String()),
		zap.Uint64("expiry", p.Expiry),
		zap.String("data_source", p.DataSourceID.String()),
	)
	e.events.Publish(ctx, events.TradeStarted(id, p, caller, e.now()))
	return id, nil
}

// SettleTrade resolves evidence through the trade's data source and pays
// the whole pool to the winner. Any caller may settle. fee is native value
// debited from caller: the oracle's quoted update fee goes to the oracle and
// the remainder stays in escrow.
func (e *Engine) SettleTrade(ctx context.Context, caller common.Address, p trade.Params, evidence []byte, fee *big.Int) (Settlement, error) {
	s, err := e.settleTrade(ctx, caller, p, evidence, fee)
	if err != nil {
		e.metrics.SettleRejected.Inc()
		e.log.Warn("settle rejected",
			zap.String("trade_id", s.TradeID.Hex()),
			zap.String("caller", caller.Hex()),
			zap.Error(err),
		)
		return Settlement{}, err
	}
	e.log.Info("trade settled",
		zap.String("trade_id", s.TradeID.Hex()),
		zap.String("caller", caller.Hex()),
		zap.String("price", s.Price.String()),
		zap.Uint64("observed_at", s.ObservedAt),
		zap.String("winner", s.Winner.Hex()),
		zap.String("payout", s.Payout.String()),
		zap.String("fee_paid", s.FeePaid.String()),
	)
	return s, nil
}

func (e *Engine) settleTrade(ctx context.Context, caller common.Address, p trade.Params, evidence []byte, fee *big.Int) (Settlement, error) {
	id, err := e.domain.Hash(p)
	if err != nil {
		return Settlement{}, err
	}
	s := Settlement{TradeID: id}
	record, err := e.TradeDetails(ctx, id)
	if err != nil {
		return s, err
	}
	if record.Status != trade.StatusStarted {
		return s, fmt.Errorf("settle from %s: %w", record.Status, trade.ErrWrongTradeStatus)
	}
	if now := e.unixNow(); now < p.Expiry {
		return s, fmt.Errorf("now %d, expiry %d: %w", now, p.Expiry, trade.ErrTradeNotExpired)
	}

	obs, err := e.oracles.Resolve(ctx, p.DataSourceID, oracle.Request{
		AssetID:  p.ObservationAssetID,
		Expiry:   p.Expiry,
		Evidence: evidence,
		Fee:      fee,
	})
	if err != nil {
		e.metrics.OracleFailures.Inc()
		return s, err
	}
	s.Price = obs.Price
	s.ObservedAt = obs.ObservedAt
	attached := new(big.Int)
	if fee != nil {
		attached.Set(fee)
	}
	s.FeePaid = new(big.Int)
	if obs.FeePaid != nil {
		s.FeePaid.Set(obs.FeePaid)
	}
	if attached.Cmp(s.FeePaid) < 0 {
		return s, fmt.Errorf("attached %s, update fee %s: %w", attached, s.FeePaid, trade.ErrInsufficientFee)
	}
	s.FeeRetained = new(big.Int).Sub(attached, s.FeePaid)
	s.Winner = trade.Winner(p, record.Acceptor, obs.Price)
	s.Payout = p.Pool()

	e.mu.Lock()
	defer e.mu.Unlock()
	escrow := e.Escrow()
	err = e.ledger.Update(ctx, func(tx state.Tx) error {
		entry, found, err := tx.Trade(id)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("trade %s vanished: %w", id.Hex(), trade.ErrWrongTradeStatus)
		}
		next, err := trade.Transition(entry.Record.Status, trade.EventSettle)
		if err != nil {
			return err
		}
		if err := chargeFee(tx, caller, escrow, attached, s.FeePaid, obs.FeeRecipient); err != nil {
			return fmt.Errorf("fee: %w", err)
		}
		if err := tx.Transfer(p.DepositAsset, escrow, s.Winner, s.Payout); err != nil {
			return fmt.Errorf("payout: %w", err)
		}
		entry.Record.Status = next
		return tx.PutTrade(entry)
	})
	if err != nil {
		return s, err
	}

	e.metrics.TradesSettled.Inc()
	e.events.Publish(ctx, events.TradeSettled(id, p, record.Acceptor, s.Price, s.ObservedAt, s.Winner, s.Payout, e.now()))
	return s, nil
}

// chargeFee moves the attached native value from caller into escrow and
// forwards the oracle's share out of it.
func chargeFee(tx state.Tx, caller, escrow common.Address, attached, owed *big.Int, recipient common.Address) error {
	if attached.Sign() == 0 {
		return nil
	}
	if err := tx.Transfer(state.NativeAsset, caller, escrow, attached); err != nil {
		return err
	}
	if owed.Sign() == 0 {
		return nil
	}
	if recipient == (common.Address{}) {
		return errors.New("oracle fee without recipient")
	}
	return tx.Transfer(state.NativeAsset, escrow, recipient, owed)
}

func (e *Engine) unixNow() uint64 {
	ts := e.now().Unix()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// IsRejection reports whether err is a lifecycle rule violation rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	for _, target := range []error{
		trade.ErrInvalidSignature,
		trade.ErrNotAuthorized,
		trade.ErrNotTradeAcceptor,
		trade.ErrUnavailableAssetOrDataSource,
		trade.ErrAcceptionDeadlinePassed,
		trade.ErrTradeNotExpired,
		trade.ErrWrongTradeStatus,
		trade.ErrInvalidRoundID,
		trade.ErrInvalidEvidence,
		trade.ErrInsufficientFee,
		state.ErrInsufficientBalance,
		state.ErrInsufficientAllowance,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
