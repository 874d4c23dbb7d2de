package engine

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trade-entry/internal/events"
	"trade-entry/internal/oracle"
	"trade-entry/internal/oracle/chainlink"
	"trade-entry/internal/oracle/pyth"
	"trade-entry/internal/registry"
	"trade-entry/internal/signing"
	"trade-entry/internal/state"
	"trade-entry/internal/state/sqlite"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
)

const (
	initiatorKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"
	strangerKey  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

	btcAsset  uint32 = 1
	startTime        = 1_700_000_000
	expiry           = startTime + 3_600
)

var (
	owner    = common.HexToAddress("0xa0Ee7A142d267C1f36714E4a8F75612F20a79720")
	acceptor = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	usdc     = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	escrow   = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	feedAddr = common.HexToAddress("0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c")
	pythAddr = common.HexToAddress("0x4305FB66699C3B2702D4d05CF36551390A4c69C6")
	btcPyth  = common.HexToHash("0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43")

	unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

type fakeFeed struct {
	mu     sync.Mutex
	rounds map[int64]chainlink.Round
}

func (f *fakeFeed) Decimals(ctx context.Context) (uint8, error) {
	return 8, nil
}

func (f *fakeFeed) GetRoundData(ctx context.Context, roundID *big.Int) (chainlink.Round, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rounds[roundID.Int64()]
	if !ok {
		return chainlink.Round{}, chainlink.ErrRoundNotFound
	}
	return r, nil
}

func (f *fakeFeed) LatestRoundData(ctx context.Context) (chainlink.Round, error) {
	return chainlink.Round{}, errors.New("not used")
}

// set replaces the feed with one round per answer (8 decimals), the last
// one updated at expiry.
func (f *fakeFeed) set(answers ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds = make(map[int64]chainlink.Round)
	for i, answer := range answers {
		ts := uint64(expiry - len(answers) + 1 + i)
		f.rounds[int64(i)] = chainlink.Round{RoundID: big.NewInt(int64(i)), Answer: big.NewInt(answer), StartedAt: ts, UpdatedAt: ts, AnsweredInRound: big.NewInt(int64(i))}
	}
}

type fakePyth struct {
	fee   *big.Int
	price int64
}

func (f *fakePyth) GetUpdateFee(ctx context.Context, updates [][]byte) (*big.Int, error) {
	return f.fee, nil
}

func (f *fakePyth) ParsePriceFeedUpdates(ctx context.Context, updates [][]byte, ids []common.Hash, minPublishTime, maxPublishTime uint64, fee *big.Int) ([]pyth.PriceFeed, error) {
	p := pyth.Price{Price: f.price, Expo: -8, PublishTime: minPublishTime}
	return []pyth.PriceFeed{{ID: ids[0], Price: p, EMAPrice: p}}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	t        *testing.T
	engine   *Engine
	store    *sqlite.Store
	registry *registry.Registry
	signer   *signing.Signer
	feed     *fakeFeed
	pyth     *fakePyth
	events   *recorder
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(owner, store, nil)
	if err := reg.SetAssetsAllowed(ctx, owner, []uint32{btcAsset}, trade.DataSourceChainlink, true); err != nil {
		t.Fatalf("allow chainlink: %v", err)
	}
	if err := reg.SetAssetsAllowed(ctx, owner, []uint32{btcAsset}, trade.DataSourcePyth, true); err != nil {
		t.Fatalf("allow pyth: %v", err)
	}
	if err := reg.SetChainlinkFeed(ctx, owner, btcAsset, feedAddr); err != nil {
		t.Fatalf("chainlink feed: %v", err)
	}
	if err := reg.SetPythFeed(ctx, owner, btcAsset, btcPyth); err != nil {
		t.Fatalf("pyth feed: %v", err)
	}
	if err := reg.SetPythOracle(ctx, owner, pythAddr); err != nil {
		t.Fatalf("pyth oracle: %v", err)
	}

	signer, err := signing.NewSigner(initiatorKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	feed := &fakeFeed{}
	pythOracle := &fakePyth{fee: big.NewInt(3)}
	oracles := oracle.Set{
		trade.DataSourceChainlink: chainlink.NewResolver(reg, func(common.Address) chainlink.Feed { return feed }),
		trade.DataSourcePyth:      pyth.NewResolver(reg, func(common.Address) pyth.Oracle { return pythOracle }),
	}
	f := &fixture{
		t:        t,
		store:    store,
		registry: reg,
		signer:   signer,
		feed:     feed,
		pyth:     pythOracle,
		events:   &recorder{},
		clock:    time.Unix(startTime, 0),
	}
	f.engine = New(signing.NewDomain(big.NewInt(31337), escrow), reg, store, oracles, nil)
	f.engine.SetPublisher(f.events)
	f.engine.now = func() time.Time { return f.clock }

	f.fund(signer.Address(), 1_000)
	f.fund(acceptor, 1_000)
	return f
}

func (f *fixture) fund(account common.Address, amount int64) {
	f.t.Helper()
	err := f.store.Update(context.Background(), func(tx state.Tx) error {
		if err := tx.Mint(usdc, account, units(amount)); err != nil {
			return err
		}
		return tx.Approve(usdc, account, escrow, units(amount))
	})
	if err != nil {
		f.t.Fatalf("fund %s: %v", account.Hex(), err)
	}
}

func (f *fixture) fundNative(account common.Address, amount int64) {
	f.t.Helper()
	err := f.store.Update(context.Background(), func(tx state.Tx) error {
		return tx.Mint(state.NativeAsset, account, big.NewInt(amount))
	})
	if err != nil {
		f.t.Fatalf("fund native %s: %v", account.Hex(), err)
	}
}

func (f *fixture) balance(account common.Address) *big.Int {
	f.t.Helper()
	return f.balanceOf(usdc, account)
}

func (f *fixture) balanceOf(asset, account common.Address) *big.Int {
	f.t.Helper()
	var out *big.Int
	err := f.store.View(context.Background(), func(tx state.Tx) error {
		var err error
		out, err = tx.BalanceOf(asset, account)
		return err
	})
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return out
}

func (f *fixture) expectBalance(account common.Address, want *big.Int) {
	f.t.Helper()
	if got := f.balance(account); got.Cmp(want) != 0 {
		f.t.Fatalf("expected %s to hold %s, got %s", account.Hex(), want, got)
	}
}

func (f *fixture) params(nonce int64) trade.Params {
	return trade.Params{
		DepositAsset:       usdc,
		Initiator:          f.signer.Address(),
		InitiatorAmount:    units(100),
		AcceptorAmount:     units(200),
		AcceptionDeadline:  startTime + 100,
		Expiry:             expiry,
		ObservationAssetID: btcAsset,
		Direction:          trade.Above,
		Price:              units(100_000),
		DataSourceID:       trade.DataSourceChainlink,
		Nonce:              big.NewInt(nonce),
	}
}

func (f *fixture) sign(p trade.Params) []byte {
	f.t.Helper()
	sig, err := f.signer.SignTrade(f.engine.Domain(), p)
	if err != nil {
		f.t.Fatalf("sign: %v", err)
	}
	return sig
}

func (f *fixture) start(p trade.Params) common.Hash {
	f.t.Helper()
	id, err := f.engine.StartTrade(context.Background(), acceptor, p, f.sign(p))
	if err != nil {
		f.t.Fatalf("start: %v", err)
	}
	return id
}

func (f *fixture) status(id common.Hash) trade.Status {
	f.t.Helper()
	record, err := f.engine.TradeDetails(context.Background(), id)
	if err != nil {
		f.t.Fatalf("details: %v", err)
	}
	return record.Status
}

func TestStartTradeEscrowsBothSides(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	id := f.start(p)

	if want, _ := f.engine.TradeHash(p); want != id {
		t.Fatalf("expected trade id %s, got %s", want.Hex(), id.Hex())
	}
	record, err := f.engine.TradeDetails(context.Background(), id)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if record.Status != trade.StatusStarted || record.Acceptor != acceptor {
		t.Fatalf("unexpected record %#v", record)
	}
	f.expectBalance(f.signer.Address(), units(900))
	f.expectBalance(acceptor, units(800))
	f.expectBalance(escrow, units(300))

	if len(f.events.events) != 1 || f.events.events[0].Kind != events.KindTradeStarted || f.events.events[0].TradeID != id {
		t.Fatalf("expected one trade_started event, got %#v", f.events.events)
	}
}

func TestStartTradeOnlyOnce(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	f.start(p)
	_, err := f.engine.StartTrade(context.Background(), acceptor, p, f.sign(p))
	if !errors.Is(err, trade.ErrWrongTradeStatus) {
		t.Fatalf("expected ErrWrongTradeStatus, got %v", err)
	}
	f.expectBalance(escrow, units(300))
}

func TestStartTradeRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	stranger, err := signing.NewSigner(strangerKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	sig, err := stranger.SignTrade(f.engine.Domain(), p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, err = f.engine.StartTrade(context.Background(), acceptor, p, sig)
	if !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	f.expectBalance(escrow, new(big.Int))
	if len(f.events.events) != 0 {
		t.Fatalf("rejected start must not publish events")
	}
}

func TestStartTradePolicyChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.params(1)
	p.ObservationAssetID = 2
	if _, err := f.engine.StartTrade(ctx, acceptor, p, f.sign(p)); !errors.Is(err, trade.ErrUnavailableAssetOrDataSource) {
		t.Fatalf("expected ErrUnavailableAssetOrDataSource, got %v", err)
	}

	p = f.params(2)
	p.Acceptor = common.HexToAddress("0x1234")
	if _, err := f.engine.StartTrade(ctx, acceptor, p, f.sign(p)); !errors.Is(err, trade.ErrNotTradeAcceptor) {
		t.Fatalf("expected ErrNotTradeAcceptor, got %v", err)
	}
	p.Acceptor = acceptor
	if _, err := f.engine.StartTrade(ctx, acceptor, p, f.sign(p)); err != nil {
		t.Fatalf("named acceptor should start: %v", err)
	}

	p = f.params(3)
	f.clock = time.Unix(int64(p.AcceptionDeadline), 0)
	if _, err := f.engine.StartTrade(ctx, acceptor, p, f.sign(p)); err != nil {
		t.Fatalf("start at the deadline should pass: %v", err)
	}
	p = f.params(4)
	f.clock = time.Unix(int64(p.AcceptionDeadline)+1, 0)
	if _, err := f.engine.StartTrade(ctx, acceptor, p, f.sign(p)); !errors.Is(err, trade.ErrAcceptionDeadlinePassed) {
		t.Fatalf("expected ErrAcceptionDeadlinePassed, got %v", err)
	}
}

func TestStartTradeRollsBackOnShortAcceptor(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	p.AcceptorAmount = units(5_000)
	_, err := f.engine.StartTrade(context.Background(), acceptor, p, f.sign(p))
	if !errors.Is(err, state.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	f.expectBalance(f.signer.Address(), units(1_000))
	f.expectBalance(escrow, new(big.Int))
	id, _ := f.engine.TradeHash(p)
	if status := f.status(id); status != trade.StatusNone {
		t.Fatalf("expected NONE after rollback, got %s", status)
	}
}

func TestNonceDistinctTradesStartIndependently(t *testing.T) {
	f := newFixture(t)
	a := f.start(f.params(1))
	b := f.start(f.params(2))
	if a == b {
		t.Fatalf("expected distinct trade ids")
	}
	f.expectBalance(escrow, units(600))
	if f.status(a) != trade.StatusStarted || f.status(b) != trade.StatusStarted {
		t.Fatalf("expected both trades started")
	}
}

func TestSettleBeforeExpiry(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	f.start(p)
	f.feed.set(10_000_010_000_000)
	f.clock = time.Unix(expiry-1, 0)
	_, err := f.engine.SettleTrade(context.Background(), acceptor, p, chainlink.Evidence(big.NewInt(0)), nil)
	if !errors.Is(err, trade.ErrTradeNotExpired) {
		t.Fatalf("expected ErrTradeNotExpired, got %v", err)
	}
}

func TestSettleUnknownTrade(t *testing.T) {
	f := newFixture(t)
	f.clock = time.Unix(expiry, 0)
	_, err := f.engine.SettleTrade(context.Background(), acceptor, f.params(9), chainlink.Evidence(big.NewInt(0)), nil)
	if !errors.Is(err, trade.ErrWrongTradeStatus) {
		t.Fatalf("expected ErrWrongTradeStatus, got %v", err)
	}
}

func TestSettleChainlinkRoundSelection(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	id := f.start(p)
	// round 0: 50000 at expiry-1, round 1: 55000 at expiry
	f.feed.set(5_000_000_000_000, 5_500_000_000_000)
	f.clock = time.Unix(expiry+10, 0)
	ctx := context.Background()

	_, err := f.engine.SettleTrade(ctx, acceptor, p, chainlink.Evidence(big.NewInt(0)), nil)
	if !errors.Is(err, trade.ErrInvalidRoundID) {
		t.Fatalf("expected ErrInvalidRoundID, got %v", err)
	}
	if f.status(id) != trade.StatusStarted {
		t.Fatalf("failed settlement must leave the trade started")
	}
	s, err := f.engine.SettleTrade(ctx, acceptor, p, chainlink.Evidence(big.NewInt(1)), nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.Price.Cmp(units(55_000)) != 0 || s.ObservedAt != expiry {
		t.Fatalf("unexpected observation %s at %d", s.Price, s.ObservedAt)
	}
}

func TestSettlePaysWinner(t *testing.T) {
	cases := []struct {
		name      string
		direction trade.Direction
		answer    int64
		initiator bool
	}{
		{"above wins", trade.Above, 10_000_010_000_000, true},
		{"above loses", trade.Above, 9_999_900_000_000, false},
		{"above tie", trade.Above, 10_000_000_000_000, false},
		{"below wins", trade.Below, 9_999_900_000_000, true},
		{"below loses", trade.Below, 10_000_010_000_000, false},
		{"below tie", trade.Below, 10_000_000_000_000, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.params(1)
			p.Direction = tc.direction
			f.start(p)
			f.feed.set(tc.answer)
			f.clock = time.Unix(expiry, 0)
			s, err := f.engine.SettleTrade(context.Background(), owner, p, chainlink.Evidence(big.NewInt(0)), nil)
			if err != nil {
				t.Fatalf("settle: %v", err)
			}
			if s.Payout.Cmp(units(300)) != 0 {
				t.Fatalf("expected payout of the whole pool, got %s", s.Payout)
			}
			f.expectBalance(escrow, new(big.Int))
			if tc.initiator {
				if s.Winner != f.signer.Address() {
					t.Fatalf("expected initiator to win, got %s", s.Winner.Hex())
				}
				f.expectBalance(f.signer.Address(), units(1_200))
				f.expectBalance(acceptor, units(800))
			} else {
				if s.Winner != acceptor {
					t.Fatalf("expected acceptor to win, got %s", s.Winner.Hex())
				}
				f.expectBalance(f.signer.Address(), units(900))
				f.expectBalance(acceptor, units(1_100))
			}
		})
	}
}

func TestSettleOnlyOnce(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	id := f.start(p)
	f.feed.set(10_000_010_000_000)
	f.clock = time.Unix(expiry, 0)
	ctx := context.Background()
	if _, err := f.engine.SettleTrade(ctx, acceptor, p, chainlink.Evidence(big.NewInt(0)), nil); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if f.status(id) != trade.StatusSettled {
		t.Fatalf("expected SETTLED")
	}
	_, err := f.engine.SettleTrade(ctx, acceptor, p, chainlink.Evidence(big.NewInt(0)), nil)
	if !errors.Is(err, trade.ErrWrongTradeStatus) {
		t.Fatalf("expected ErrWrongTradeStatus, got %v", err)
	}
	f.expectBalance(f.signer.Address(), units(1_200))
	if _, err := f.engine.StartTrade(ctx, acceptor, p, f.sign(p)); !errors.Is(err, trade.ErrWrongTradeStatus) {
		t.Fatalf("settled trade must not restart, got %v", err)
	}
	kinds := []events.Kind{}
	for _, e := range f.events.events {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 2 || kinds[0] != events.KindTradeStarted || kinds[1] != events.KindTradeSettled {
		t.Fatalf("unexpected events %v", kinds)
	}
}

var pythUpdate = []byte{0x50, 0x4e, 0x41, 0x55}

func TestSettlePythWithFee(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	p.DataSourceID = trade.DataSourcePyth
	p.Direction = trade.Below
	f.start(p)
	f.pyth.price = 9_999_900_000_000
	f.clock = time.Unix(expiry+60, 0)
	f.fundNative(acceptor, 10)
	ctx := context.Background()

	_, err := f.engine.SettleTrade(ctx, acceptor, p, pythUpdate, big.NewInt(2))
	if !errors.Is(err, trade.ErrInsufficientFee) {
		t.Fatalf("expected ErrInsufficientFee, got %v", err)
	}
	s, err := f.engine.SettleTrade(ctx, acceptor, p, pythUpdate, big.NewInt(10))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.FeePaid.Int64() != 3 || s.FeeRetained.Int64() != 7 {
		t.Fatalf("expected fee 3 paid and 7 retained, got %s and %s", s.FeePaid, s.FeeRetained)
	}
	if s.Winner != f.signer.Address() || s.Price.Cmp(units(99_999)) != 0 {
		t.Fatalf("unexpected settlement %#v", s)
	}
	for _, tc := range []struct {
		account common.Address
		want    int64
	}{
		{acceptor, 0},
		{pythAddr, 3},
		{escrow, 7},
	} {
		if got := f.balanceOf(state.NativeAsset, tc.account); got.Int64() != tc.want {
			t.Fatalf("expected %s to hold %d native, got %s", tc.account.Hex(), tc.want, got)
		}
	}
}

func TestSettleRollsBackWhenFeeUnfunded(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	p.DataSourceID = trade.DataSourcePyth
	id := f.start(p)
	f.pyth.price = 10_000_100_000_000
	f.clock = time.Unix(expiry, 0)
	f.fundNative(acceptor, 2)

	_, err := f.engine.SettleTrade(context.Background(), acceptor, p, pythUpdate, big.NewInt(3))
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.status(id) != trade.StatusStarted {
		t.Fatalf("expected trade to stay STARTED")
	}
	f.expectBalance(escrow, units(300))
	if got := f.balanceOf(state.NativeAsset, acceptor); got.Int64() != 2 {
		t.Fatalf("expected caller native balance untouched, got %s", got)
	}
	if got := f.balanceOf(state.NativeAsset, pythAddr); got.Sign() != 0 {
		t.Fatalf("expected oracle unpaid, got %s", got)
	}
}

func TestSettleKeepsValueAttachedToChainlink(t *testing.T) {
	f := newFixture(t)
	p := f.params(1)
	f.start(p)
	f.feed.set(10_000_010_000_000)
	f.clock = time.Unix(expiry, 0)
	f.fundNative(acceptor, 5)

	s, err := f.engine.SettleTrade(context.Background(), acceptor, p, chainlink.Evidence(big.NewInt(0)), big.NewInt(5))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if s.FeePaid.Sign() != 0 || s.FeeRetained.Int64() != 5 {
		t.Fatalf("expected whole value retained, got paid %s retained %s", s.FeePaid, s.FeeRetained)
	}
	if got := f.balanceOf(state.NativeAsset, escrow); got.Int64() != 5 {
		t.Fatalf("expected escrow to keep 5 native, got %s", got)
	}
}

func TestExpiredTrades(t *testing.T) {
	f := newFixture(t)
	early := f.params(1)
	late := f.params(2)
	late.Expiry = expiry + 1_000
	f.start(early)
	f.start(late)
	f.clock = time.Unix(expiry, 0)
	due, err := f.engine.ExpiredTrades(context.Background())
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(due) != 1 || due[0].Params.Nonce.Int64() != 1 {
		t.Fatalf("expected only the first trade to be due, got %d", len(due))
	}
}

func TestIsRejection(t *testing.T) {
	if !IsRejection(errors.Join(errors.New("ctx"), trade.ErrInvalidRoundID)) {
		t.Fatalf("expected wrapped sentinel to be a rejection")
	}
	if IsRejection(errors.New("connection reset")) {
		t.Fatalf("transport errors are not rejections")
	}
}
