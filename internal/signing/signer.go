package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	DomainName    = "TradeEntry"
	DomainVersion = "1"

	primaryType = "TradeParams"
)

var tradeParamsTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	primaryType: {
		{Name: "depositAsset", Type: "address"},
		{Name: "initiator", Type: "address"},
		{Name: "initiatorAmount", Type: "uint256"},
		{Name: "acceptor", Type: "address"},
		{Name: "acceptorAmount", Type: "uint256"},
		{Name: "acceptionDeadline", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "observationAssetId", Type: "uint32"},
		{Name: "direction", Type: "uint8"},
		{Name: "price", Type: "uint256"},
		{Name: "dataSourceId", Type: "uint8"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Domain binds trade digests to one chain and one escrow account.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

func NewDomain(chainID *big.Int, verifyingContract common.Address) Domain {
	return Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Hash returns the trade identity: keccak256("\x19\x01" || domainSeparator || structHash).
func (d Domain) Hash(p trade.Params) (common.Hash, error) {
	if err := p.Validate(); err != nil {
		return common.Hash{}, err
	}
	if d.ChainID == nil {
		return common.Hash{}, errors.New("domain chain id is required")
	}
	typedData := d.typedData(p)
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash)), nil
}

// Recover returns the account that produced signature over the params digest.
func (d Domain) Recover(p trade.Params, signature []byte) (common.Address, error) {
	digest, err := d.Hash(p)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(digest, signature)
}

// Verify fails with trade.ErrInvalidSignature unless expected signed p.
func (d Domain) Verify(p trade.Params, signature []byte, expected common.Address) error {
	signer, err := d.Recover(p, signature)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("recovered %s, expected %s: %w", signer.Hex(), expected.Hex(), trade.ErrInvalidSignature)
	}
	return nil
}

func (d Domain) typedData(p trade.Params) apitypes.TypedData {
	chainID := (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID))
	return apitypes.TypedData{
		Types:       tradeParamsTypes,
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           chainID,
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"depositAsset":       p.DepositAsset.Hex(),
			"initiator":          p.Initiator.Hex(),
			"initiatorAmount":    p.InitiatorAmount.String(),
			"acceptor":           p.Acceptor.Hex(),
			"acceptorAmount":     p.AcceptorAmount.String(),
			"acceptionDeadline":  strconv.FormatUint(p.AcceptionDeadline, 10),
			"expiry":             strconv.FormatUint(p.Expiry, 10),
			"observationAssetId": strconv.FormatUint(uint64(p.ObservationAssetID), 10),
			"direction":          strconv.FormatUint(uint64(p.Direction), 10),
			"price":              p.Price.String(),
			"dataSourceId":       strconv.FormatUint(uint64(p.DataSourceID), 10),
			"nonce":              p.Nonce.String(),
		},
	}
}

func recoverDigest(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d: %w", len(signature), trade.ErrInvalidSignature)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	// homestead rules reject high-s values, so each digest has one valid signature per key.
	if sig[64] > 1 || !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("malformed signature values: %w", trade.ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover: %v: %w", err, trade.ErrInvalidSignature)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Signer holds an initiator key and produces wallet-compatible signatures.
type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(hexKey string) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Signer{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignTrade returns r || s || v with v in {27, 28}.
func (s *Signer) SignTrade(d Domain, p trade.Params) ([]byte, error) {
	digest, err := d.Hash(p)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), s.privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
