package trade

import "errors"

// Authorization failures.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrNotTradeAcceptor = errors.New("not trade acceptor")
)

// Policy failures.
var (
	ErrUnavailableAssetOrDataSource = errors.New("unavailable asset or data source")
	ErrAcceptionDeadlinePassed      = errors.New("acception deadline passed")
	ErrTradeNotExpired              = errors.New("trade not expired")
)

var ErrWrongTradeStatus = errors.New("wrong trade status")

// Oracle evidence failures.
var (
	ErrInvalidRoundID  = errors.New("invalid round id")
	ErrInvalidEvidence = errors.New("invalid evidence")
	ErrInsufficientFee = errors.New("insufficient fee")
)
