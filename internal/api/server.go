// Package api exposes the trade lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"trade-entry/internal/engine"
	"trade-entry/internal/signing"
	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Engine interface {
	Domain() signing.Domain
	Escrow() common.Address
	TradeHash(p trade.Params) (common.Hash, error)
	TradeDetails(ctx context.Context, id common.Hash) (trade.Record, error)
	StartTrade(ctx context.Context, caller common.Address, p trade.Params, signature []byte) (common.Hash, error)
	SettleTrade(ctx context.Context, caller common.Address, p trade.Params, evidence []byte, fee *big.Int) (engine.Settlement, error)
}

type Registry interface {
	Snapshot() state.RegistrySnapshot
}

type Server struct {
	engine   Engine
	registry Registry
	ledger   state.Ledger
	log      *zap.Logger
}

func New(eng Engine, registry Registry, ledger state.Ledger, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: eng, registry: registry, ledger: ledger, log: log}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.log, true))
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	{
		v1.GET("/domain", s.handleDomain)
		v1.GET("/registry", s.handleRegistry)
		v1.GET("/balances/:asset/:owner", s.handleBalance)
		v1.GET("/allowances/:asset/:owner/:spender", s.handleAllowance)

		trades := v1.Group("/trades")
		{
			trades.POST("/hash", s.handleHash)
			trades.POST("/start", s.handleStart)
			trades.POST("/settle", s.handleSettle)
			trades.GET("/:id", s.handleTrade)
		}
	}
	return router
}

type paramsRequest struct {
	Params *trade.Params `json:"params" binding:"required"`
}

type startRequest struct {
	Params            *trade.Params `json:"params" binding:"required"`
	Signature         string        `json:"signature" binding:"required"`
	AcceptorSignature string        `json:"acceptor_signature" binding:"required"`
}

type settleRequest struct {
	Params   *trade.Params `json:"params" binding:"required"`
	Evidence string        `json:"evidence" binding:"required"`
	Fee      string        `json:"fee"`

	// CallerSignature is the settler's personal_sign over the trade id and
	// fee. Required when fee is non-zero; the recovered address pays it.
	CallerSignature string `json:"caller_signature"`
}

type settlementResponse struct {
	TradeID    common.Hash    `json:"trade_id"`
	Price      string         `json:"price"`
	ObservedAt uint64         `json:"observed_at"`
	Winner     common.Address `json:"winner"`
	Payout     string         `json:"payout"`
	FeePaid    string         `json:"fee_paid"`
	Retained   string         `json:"fee_retained"`
}

func (s *Server) handleDomain(c *gin.Context) {
	d := s.engine.Domain()
	c.JSON(http.StatusOK, gin.H{
		"name":              d.Name,
		"version":           d.Version,
		"chainId":           d.ChainID.String(),
		"verifyingContract": d.VerifyingContract,
		"escrow":            s.engine.Escrow(),
	})
}

func (s *Server) handleRegistry(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleHash(c *gin.Context) {
	var req paramsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := s.engine.TradeHash(*req.Params)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade_id": id, "accept_digest": signing.AcceptDigest(id)})
}

// handleStart authenticates the acceptor by a personal_sign signature over
// the trade id; the recovered address becomes the caller.
func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(c, errors.New("signature must be 0x-prefixed hex"))
		return
	}
	acceptSig, err := hexutil.Decode(req.AcceptorSignature)
	if err != nil {
		badRequest(c, errors.New("acceptor_signature must be 0x-prefixed hex"))
		return
	}
	id, err := s.engine.TradeHash(*req.Params)
	if err != nil {
		badRequest(c, err)
		return
	}
	caller, err := signing.RecoverAcceptor(id, acceptSig)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := s.engine.StartTrade(c.Request.Context(), caller, *req.Params, sig); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade_id": id, "acceptor": caller})
}

func (s *Server) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	evidence, err := hexutil.Decode(req.Evidence)
	if err != nil {
		badRequest(c, errors.New("evidence must be 0x-prefixed hex"))
		return
	}
	fee := new(big.Int)
	if strings.TrimSpace(req.Fee) != "" {
		if _, ok := fee.SetString(strings.TrimSpace(req.Fee), 0); !ok || fee.Sign() < 0 {
			badRequest(c, errors.New("fee must be a non-negative integer"))
			return
		}
	}
	var caller common.Address
	if req.CallerSignature != "" || fee.Sign() > 0 {
		if req.CallerSignature == "" {
			badRequest(c, errors.New("caller_signature is required to attach a fee"))
			return
		}
		sig, err := hexutil.Decode(req.CallerSignature)
		if err != nil {
			badRequest(c, errors.New("caller_signature must be 0x-prefixed hex"))
			return
		}
		id, err := s.engine.TradeHash(*req.Params)
		if err != nil {
			badRequest(c, err)
			return
		}
		caller, err = signing.RecoverSettler(id, fee, sig)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	settlement, err := s.engine.SettleTrade(c.Request.Context(), caller, *req.Params, evidence, fee)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settlementResponse{
		TradeID:    settlement.TradeID,
		Price:      settlement.Price.String(),
		ObservedAt: settlement.ObservedAt,
		Winner:     settlement.Winner,
		Payout:     settlement.Payout.String(),
		FeePaid:    settlement.FeePaid.String(),
		Retained:   settlement.FeeRetained.String(),
	})
}

func (s *Server) handleTrade(c *gin.Context) {
	raw := c.Param("id")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		badRequest(c, errors.New("trade id must be 32 bytes of 0x-prefixed hex"))
		return
	}
	id := common.BytesToHash(b)
	record, err := s.engine.TradeDetails(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trade_id": id,
		"status":   record.Status.String(),
		"acceptor": record.Acceptor,
	})
}

func (s *Server) handleBalance(c *gin.Context) {
	asset, owner, ok := addressParams(c, "asset", "owner")
	if !ok {
		return
	}
	var balance *big.Int
	err := s.ledger.View(c.Request.Context(), func(tx state.Tx) error {
		var err error
		balance, err = tx.BalanceOf(asset, owner)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset, "owner": owner, "balance": balance.String()})
}

func (s *Server) handleAllowance(c *gin.Context) {
	addrs, ok := addressList(c, "asset", "owner", "spender")
	if !ok {
		return
	}
	var allowance *big.Int
	err := s.ledger.View(c.Request.Context(), func(tx state.Tx) error {
		var err error
		allowance, err = tx.Allowance(addrs[0], addrs[1], addrs[2])
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"asset": addrs[0], "owner": addrs[1], "spender": addrs[2], "allowance": allowance.String()})
}

func addressParams(c *gin.Context, a, b string) (common.Address, common.Address, bool) {
	addrs, ok := addressList(c, a, b)
	if !ok {
		return common.Address{}, common.Address{}, false
	}
	return addrs[0], addrs[1], true
}

func addressList(c *gin.Context, names ...string) ([]common.Address, bool) {
	out := make([]common.Address, 0, len(names))
	for _, name := range names {
		raw := c.Param(name)
		if !common.IsHexAddress(raw) {
			badRequest(c, errors.New(name+" must be a hex address"))
			return nil, false
		}
		out = append(out, common.HexToAddress(raw))
	}
	return out, true
}
