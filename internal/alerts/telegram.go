package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trade-entry/internal/config"
	"trade-entry/internal/events"
	"trade-entry/internal/oracle"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

type Telegram struct {
	enabled  bool
	token    string
	chatID   string
	decimals int32
	baseURL  string
	client   *http.Client
	log      *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 40 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	decimals := cfg.AmountDecimals
	if decimals <= 0 {
		decimals = 18
	}
	return &Telegram{
		enabled:  cfg.Enabled,
		token:    strings.TrimSpace(cfg.Token),
		chatID:   strings.TrimSpace(cfg.ChatID),
		decimals: decimals,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		log:      log,
	}
}

// Publish sends a one-message summary of a trade event. Failures are logged.
func (t *Telegram) Publish(ctx context.Context, e events.Event) {
	if !t.enabled {
		return
	}
	if err := t.Send(ctx, t.format(e)); err != nil {
		t.log.Warn("telegram alert failed", zap.String("trade_id", e.TradeID.Hex()), zap.Error(err))
	}
}

func (t *Telegram) format(e events.Event) string {
	p := e.Params
	switch e.Kind {
	case events.KindTradeStarted:
		return strings.Join([]string{
			"trade started " + shortHash(e.TradeID.Hex()),
			fmt.Sprintf("asset %d via %s, %s %s", p.ObservationAssetID, p.DataSourceID, p.Direction, formatAmount(p.Price, oracle.PriceDecimals)),
			fmt.Sprintf("pool %s (initiator %s, acceptor %s)", formatAmount(p.Pool(), t.decimals), formatAmount(p.InitiatorAmount, t.decimals), formatAmount(p.AcceptorAmount, t.decimals)),
			"expiry " + time.Unix(int64(p.Expiry), 0).UTC().Format(time.RFC3339),
		}, "\n")
	case events.KindTradeSettled:
		side := "acceptor"
		if e.Winner == p.Initiator {
			side = "initiator"
		}
		return strings.Join([]string{
			"trade settled " + shortHash(e.TradeID.Hex()),
			fmt.Sprintf("observed %s at %s, strike %s %s", formatAmount(e.Price, oracle.PriceDecimals), time.Unix(int64(e.ObservedAt), 0).UTC().Format(time.RFC3339), p.Direction, formatAmount(p.Price, oracle.PriceDecimals)),
			fmt.Sprintf("%s %s wins %s", side, e.Winner.Hex(), formatAmount(e.Payout, t.decimals)),
		}, "\n")
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.TradeID.Hex())
	}
}

func formatAmount(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "..." + h[len(h)-4:]
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var result json.RawMessage
	return t.do(req, "send", &result)
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Chat struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      *Chat  `json:"chat"`
	Text      string `json:"text"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// GetUpdates long-polls for operator messages starting at offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	if !t.enabled {
		return nil, errors.New("telegram disabled")
	}
	if t.token == "" {
		return nil, errors.New("telegram token is required")
	}
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	q.Set("allowed_updates", `["message"]`)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := t.do(req, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func (t *Telegram) do(req *http.Request, op string, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram %s failed: http %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("telegram %s: decode: %w", op, err)
	}
	if !result.OK {
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram %s failed: %s", op, desc)
	}
	if len(result.Result) == 0 {
		return nil
	}
	return json.Unmarshal(result.Result, out)
}
