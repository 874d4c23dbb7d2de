package pyth

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const HermesBaseURL = "https://hermes.pyth.network"

// Hermes fetches signed price updates from the Pyth price service.
type Hermes struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewHermes(baseURL string, timeout time.Duration, log *zap.Logger) *Hermes {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = HermesBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hermes{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Update is one signed update blob plus the prices it carries.
type Update struct {
	Data   []byte
	Parsed []PriceFeed
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime uint64 `json:"publish_time"`
}

type hermesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []struct {
		ID       string      `json:"id"`
		Price    hermesPrice `json:"price"`
		EMAPrice hermesPrice `json:"ema_price"`
	} `json:"parsed"`
}

// UpdateAt returns the update for feedID published at publishTime.
func (h *Hermes) UpdateAt(ctx context.Context, feedID common.Hash, publishTime uint64) (Update, error) {
	endpoint := fmt.Sprintf("%s/v2/updates/price/%d?%s", h.baseURL, publishTime, url.Values{"ids[]": {feedID.Hex()}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Update{}, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return Update{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Update{}, fmt.Errorf("hermes http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var data hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Update{}, err
	}
	if enc := data.Binary.Encoding; enc != "" && enc != "hex" {
		return Update{}, fmt.Errorf("hermes encoding %q not supported", enc)
	}
	if len(data.Binary.Data) == 0 {
		return Update{}, errors.New("hermes returned no update data")
	}
	blob, err := hex.DecodeString(strings.TrimPrefix(data.Binary.Data[0], "0x"))
	if err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	out := Update{Data: blob}
	for _, p := range data.Parsed {
		price, err := p.Price.convert()
		if err != nil {
			return Update{}, err
		}
		var ema Price
		if p.EMAPrice.Price != "" {
			if ema, err = p.EMAPrice.convert(); err != nil {
				return Update{}, err
			}
		}
		out.Parsed = append(out.Parsed, PriceFeed{ID: common.HexToHash(p.ID), Price: price, EMAPrice: ema})
	}
	h.log.Debug("hermes update fetched",
		zap.String("feed_id", feedID.Hex()),
		zap.Uint64("publish_time", publishTime),
		zap.Int("bytes", len(blob)),
	)
	return out, nil
}

func (p hermesPrice) convert() (Price, error) {
	price, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	var conf uint64
	if p.Conf != "" {
		conf, err = strconv.ParseUint(p.Conf, 10, 64)
		if err != nil {
			return Price{}, fmt.Errorf("parse conf %q: %w", p.Conf, err)
		}
	}
	return Price{Price: price, Conf: conf, Expo: p.Expo, PublishTime: p.PublishTime}, nil
}
