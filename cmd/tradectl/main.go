package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"trade-entry/internal/config"
	"trade-entry/internal/events"
	"trade-entry/internal/logging"
	"trade-entry/internal/oracle"
	"trade-entry/internal/oracle/chainlink"
	"trade-entry/internal/oracle/pyth"
	"trade-entry/internal/signing"
	"trade-entry/internal/state"
	"trade-entry/internal/state/sqlite"
	"trade-entry/internal/stream"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultEnvFile     = ".env"
	defaultRPCTimeout  = 10 * time.Second
	defaultMaxSteps    = 500
	signerKeyEnv       = "TE_SIGNER_KEY"
	defaultStateFile   = "data/trade-entry.db"
	defaultStreamURL   = "ws://localhost:8090/ws"
	defaultAmountScale = 18
)

var commands = map[string]func(args []string) error{
	"hash":        runHash,
	"sign":        runSign,
	"accept-sign": runAcceptSign,
	"settle-sign": runSettleSign,
	"find-round":  runFindRound,
	"pyth-update": runPythUpdate,
	"fund":        runFund,
	"watch":       runWatch,
}

func main() {
	if err := config.LoadEnv(defaultEnvFile); err != nil {
		fatal(err)
	}
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	run, ok := commands[os.Args[1]]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[2:]); err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tradectl <command> [flags]")
	fmt.Fprintln(os.Stderr, "commands: hash, sign, accept-sign, settle-sign, find-round, pyth-update, fund, watch")
}

type domainFlags struct {
	configPath string
	chainID    int64
	contract   string
}

func (d *domainFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&d.configPath, "config", "", "optional config path for chain settings")
	fs.Int64Var(&d.chainID, "chain-id", 0, "chain id (overrides config)")
	fs.StringVar(&d.contract, "contract", "", "escrow contract address (overrides config)")
}

func (d *domainFlags) domain() (signing.Domain, error) {
	chainID := d.chainID
	contract := d.contract
	if d.configPath != "" {
		cfg, err := config.Load(d.configPath)
		if err != nil {
			return signing.Domain{}, err
		}
		if chainID == 0 {
			chainID = cfg.Chain.ChainID
		}
		if contract == "" {
			contract = cfg.Chain.ContractAddress
		}
	}
	if chainID <= 0 {
		return signing.Domain{}, errors.New("chain id is required")
	}
	if !common.IsHexAddress(contract) {
		return signing.Domain{}, errors.New("contract address is required")
	}
	return signing.NewDomain(big.NewInt(chainID), common.HexToAddress(contract)), nil
}

func readParams(path string) (trade.Params, error) {
	if path == "" {
		return trade.Params{}, errors.New("-params is required")
	}
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return trade.Params{}, err
	}
	var p trade.Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return trade.Params{}, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}

func runHash(args []string) error {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	var d domainFlags
	d.register(fs)
	paramsPath := fs.String("params", "", "trade params JSON file (- for stdin)")
	_ = fs.Parse(args)

	domain, err := d.domain()
	if err != nil {
		return err
	}
	p, err := readParams(*paramsPath)
	if err != nil {
		return err
	}
	id, err := domain.Hash(p)
	if err != nil {
		return err
	}
	fmt.Printf("trade_id: %s\n", id.Hex())
	fmt.Printf("accept_digest: %s\n", signing.AcceptDigest(id).Hex())
	return nil
}

func loadSigner() (*signing.Signer, error) {
	key := strings.TrimSpace(os.Getenv(signerKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("%s is required", signerKeyEnv)
	}
	return signing.NewSigner(key)
}

func runSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	var d domainFlags
	d.register(fs)
	paramsPath := fs.String("params", "", "trade params JSON file (- for stdin)")
	_ = fs.Parse(args)

	domain, err := d.domain()
	if err != nil {
		return err
	}
	p, err := readParams(*paramsPath)
	if err != nil {
		return err
	}
	signer, err := loadSigner()
	if err != nil {
		return err
	}
	if signer.Address() != p.Initiator {
		return fmt.Errorf("signer %s is not the initiator %s", signer.Address().Hex(), p.Initiator.Hex())
	}
	sig, err := signer.SignTrade(domain, p)
	if err != nil {
		return err
	}
	id, _ := domain.Hash(p)
	fmt.Printf("trade_id: %s\n", id.Hex())
	fmt.Printf("signature: %s\n", hexutil.Encode(sig))
	return nil
}

func runAcceptSign(args []string) error {
	fs := flag.NewFlagSet("accept-sign", flag.ExitOnError)
	rawID := fs.String("id", "", "trade id")
	_ = fs.Parse(args)

	b, err := hexutil.Decode(*rawID)
	if err != nil || len(b) != common.HashLength {
		return errors.New("-id must be 32 bytes of 0x-prefixed hex")
	}
	signer, err := loadSigner()
	if err != nil {
		return err
	}
	sig, err := signer.SignAccept(common.BytesToHash(b))
	if err != nil {
		return err
	}
	fmt.Printf("acceptor: %s\n", signer.Address().Hex())
	fmt.Printf("acceptor_signature: %s\n", hexutil.Encode(sig))
	return nil
}

func runSettleSign(args []string) error {
	fs := flag.NewFlagSet("settle-sign", flag.ExitOnError)
	rawID := fs.String("id", "", "trade id")
	rawFee := fs.String("fee", "", "native fee to attach, in wei")
	_ = fs.Parse(args)

	b, err := hexutil.Decode(*rawID)
	if err != nil || len(b) != common.HashLength {
		return errors.New("-id must be 32 bytes of 0x-prefixed hex")
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(*rawFee), 0)
	if !ok || fee.Sign() < 0 {
		return errors.New("-fee must be a non-negative integer")
	}
	signer, err := loadSigner()
	if err != nil {
		return err
	}
	sig, err := signer.SignSettle(common.BytesToHash(b), fee)
	if err != nil {
		return err
	}
	fmt.Printf("caller: %s\n", signer.Address().Hex())
	fmt.Printf("caller_signature: %s\n", hexutil.Encode(sig))
	return nil
}

func runFindRound(args []string) error {
	fs := flag.NewFlagSet("find-round", flag.ExitOnError)
	rpcURL := fs.String("rpc", os.Getenv("TE_RPC_URL"), "JSON-RPC endpoint")
	feed := fs.String("feed", "", "chainlink aggregator address")
	expiry := fs.Uint64("expiry", 0, "trade expiry (unix seconds)")
	maxSteps := fs.Int("max-steps", defaultMaxSteps, "rounds to walk back from latest")
	timeout := fs.Duration("timeout", defaultRPCTimeout, "rpc timeout")
	_ = fs.Parse(args)

	if *rpcURL == "" {
		return errors.New("-rpc or TE_RPC_URL is required")
	}
	if !common.IsHexAddress(*feed) {
		return errors.New("-feed must be an address")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		return err
	}
	defer client.Close()
	agg := chainlink.NewEVMFeed(client, common.HexToAddress(*feed))
	roundID, err := chainlink.FindRoundID(ctx, agg, *expiry, *maxSteps)
	if err != nil {
		return err
	}
	round, err := agg.GetRoundData(ctx, roundID)
	if err != nil {
		return err
	}
	decimals, err := agg.Decimals(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("round_id: %s\n", roundID)
	fmt.Printf("answer: %s\n", decimal.NewFromBigInt(round.Answer, -int32(decimals)).String())
	fmt.Printf("updated_at: %s\n", time.Unix(int64(round.UpdatedAt), 0).UTC().Format(time.RFC3339))
	fmt.Printf("evidence: %s\n", hexutil.Encode(chainlink.Evidence(roundID)))
	return nil
}

func runPythUpdate(args []string) error {
	fs := flag.NewFlagSet("pyth-update", flag.ExitOnError)
	hermesURL := fs.String("hermes", os.Getenv("TE_HERMES_URL"), "hermes base url")
	rawFeed := fs.String("feed-id", "", "pyth price feed id")
	publishTime := fs.Uint64("publish-time", 0, "publish time (unix seconds), usually the trade expiry")
	timeout := fs.Duration("timeout", defaultRPCTimeout, "request timeout")
	_ = fs.Parse(args)

	b, err := hexutil.Decode(*rawFeed)
	if err != nil || len(b) != common.HashLength {
		return errors.New("-feed-id must be 32 bytes of 0x-prefixed hex")
	}
	log := logging.New(config.LoggingConfig{Level: "warn"})
	defer func() { _ = log.Sync() }()
	hermes := pyth.NewHermes(*hermesURL, *timeout, log)
	update, err := hermes.UpdateAt(context.Background(), common.BytesToHash(b), *publishTime)
	if err != nil {
		return err
	}
	for _, feed := range update.Parsed {
		fmt.Printf("feed %s: price=%s publish_time=%d\n",
			feed.ID.Hex(),
			decimal.NewFromBigInt(big.NewInt(feed.Price.Price), feed.Price.Expo).String(),
			feed.Price.PublishTime,
		)
	}
	fmt.Printf("evidence: %s\n", hexutil.Encode(update.Data))
	return nil
}

// runFund credits a local ledger and approves the escrow, for development
// databases only.
func runFund(args []string) error {
	fs := flag.NewFlagSet("fund", flag.ExitOnError)
	statePath := fs.String("db", defaultStateFile, "sqlite ledger path")
	asset := fs.String("asset", "", "deposit asset address, or \"native\" for oracle fee funds")
	owner := fs.String("owner", "", "account to credit")
	spender := fs.String("spender", "", "escrow address to approve (optional)")
	amount := fs.String("amount", "", "amount in whole units, e.g. 12.5")
	scale := fs.Int("decimals", defaultAmountScale, "asset decimals")
	_ = fs.Parse(args)

	assetAddr, err := parseAsset(*asset)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(*owner) {
		return errors.New("-owner must be an address")
	}
	units, err := parseUnits(*amount, int32(*scale))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(*statePath), 0o755); err != nil {
		return err
	}
	store, err := sqlite.New(*statePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ownerAddr := common.HexToAddress(*owner)
	err = store.Update(context.Background(), func(tx state.Tx) error {
		if err := tx.Mint(assetAddr, ownerAddr, units); err != nil {
			return err
		}
		if *spender == "" {
			return nil
		}
		if !common.IsHexAddress(*spender) {
			return errors.New("-spender must be an address")
		}
		current, err := tx.Allowance(assetAddr, ownerAddr, common.HexToAddress(*spender))
		if err != nil {
			return err
		}
		return tx.Approve(assetAddr, ownerAddr, common.HexToAddress(*spender), new(big.Int).Add(current, units))
	})
	if err != nil {
		return err
	}
	fmt.Printf("credited %s (%s units) to %s\n", *amount, units, ownerAddr.Hex())
	return nil
}

func parseAsset(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "native") {
		return state.NativeAsset, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("-asset must be an address or native")
	}
	return common.HexToAddress(raw), nil
}

func parseUnits(amount string, decimals int32) (*big.Int, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	if value.Sign() <= 0 {
		return nil, errors.New("amount must be > 0")
	}
	scaled := value.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return scaled.BigInt(), nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", defaultStreamURL, "event stream websocket url")
	scale := fs.Int("decimals", defaultAmountScale, "decimals used to print amounts")
	_ = fs.Parse(args)

	log := logging.New(config.LoggingConfig{Level: "info", Encoding: "console"})
	defer func() { _ = log.Sync() }()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := stream.NewClient(*url, 2*time.Second, log)
	err := client.Run(ctx, func(e events.Event) {
		fields := []zap.Field{
			zap.String("trade_id", e.TradeID.Hex()),
			zap.String("acceptor", e.Acceptor.Hex()),
		}
		if e.Kind == events.KindTradeSettled {
			fields = append(fields,
				zap.String("winner", e.Winner.Hex()),
				zap.String("payout", decimal.NewFromBigInt(e.Payout, -int32(*scale)).String()),
				zap.String("price", decimal.NewFromBigInt(e.Price, -oracle.PriceDecimals).String()),
			)
		}
		log.Info(string(e.Kind), fields...)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
