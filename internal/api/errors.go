package api

import (
	"errors"
	"net/http"

	"trade-entry/internal/state"
	"trade-entry/internal/trade"

	"github.com/gin-gonic/gin"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{trade.ErrInvalidSignature, http.StatusUnauthorized, "InvalidSignature"},
	{trade.ErrNotAuthorized, http.StatusForbidden, "NotAuthorized"},
	{trade.ErrNotTradeAcceptor, http.StatusForbidden, "NotTradeAcceptor"},
	{trade.ErrUnavailableAssetOrDataSource, http.StatusUnprocessableEntity, "UnavailableAssetOrDataSource"},
	{trade.ErrAcceptionDeadlinePassed, http.StatusConflict, "AcceptionDeadlinePassed"},
	{trade.ErrTradeNotExpired, http.StatusConflict, "TradeNotExpired"},
	{trade.ErrWrongTradeStatus, http.StatusConflict, "WrongTradeStatus"},
	{trade.ErrInvalidRoundID, http.StatusUnprocessableEntity, "InvalidRoundId"},
	{trade.ErrInvalidEvidence, http.StatusUnprocessableEntity, "InvalidEvidence"},
	{trade.ErrInsufficientFee, http.StatusPaymentRequired, "InsufficientFee"},
	{state.ErrInsufficientBalance, http.StatusUnprocessableEntity, "InsufficientBalance"},
	{state.ErrInsufficientAllowance, http.StatusUnprocessableEntity, "InsufficientAllowance"},
}

func writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, gin.H{"error": m.code, "message": err.Error()})
			return
		}
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": "internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "BadRequest", "message": err.Error()})
}
