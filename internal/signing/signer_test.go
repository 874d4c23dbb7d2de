package signing

import (
	"errors"
	"math/big"
	"testing"

	"trade-entry/internal/trade"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	initiatorKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"
	otherKey     = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

func testDomain() Domain {
	return NewDomain(big.NewInt(31337), common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
}

func testParams(initiator common.Address) trade.Params {
	return trade.Params{
		DepositAsset:       common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"),
		Initiator:          initiator,
		InitiatorAmount:    new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
		AcceptorAmount:     new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
		AcceptionDeadline:  1_700_000_100,
		Expiry:             1_700_086_400,
		ObservationAssetID: 1,
		Direction:          trade.Above,
		Price:              new(big.Int).Mul(big.NewInt(100_000), big.NewInt(1e18)),
		DataSourceID:       trade.DataSourceChainlink,
		Nonce:              big.NewInt(1),
	}
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func manualHash(d Domain, p trade.Params) common.Hash {
	domainType := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	domainSep := crypto.Keccak256(
		domainType,
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		word(d.ChainID),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
	structType := crypto.Keccak256([]byte("TradeParams(address depositAsset,address initiator,uint256 initiatorAmount,address acceptor,uint256 acceptorAmount,uint256 acceptionDeadline,uint256 expiry,uint32 observationAssetId,uint8 direction,uint256 price,uint8 dataSourceId,uint256 nonce)"))
	structHash := crypto.Keccak256(
		structType,
		common.LeftPadBytes(p.DepositAsset.Bytes(), 32),
		common.LeftPadBytes(p.Initiator.Bytes(), 32),
		word(p.InitiatorAmount),
		common.LeftPadBytes(p.Acceptor.Bytes(), 32),
		word(p.AcceptorAmount),
		word(new(big.Int).SetUint64(p.AcceptionDeadline)),
		word(new(big.Int).SetUint64(p.Expiry)),
		word(big.NewInt(int64(p.ObservationAssetID))),
		word(big.NewInt(int64(p.Direction))),
		word(p.Price),
		word(big.NewInt(int64(p.DataSourceID))),
		word(p.Nonce),
	)
	return common.BytesToHash(crypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash))
}

func TestHashMatchesStructEncoding(t *testing.T) {
	d := testDomain()
	p := testParams(common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))
	got, err := d.Hash(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if want := manualHash(d, p); got != want {
		t.Fatalf("expected %s, got %s", want.Hex(), got.Hex())
	}
}

func TestHashBindsNonceAndDomain(t *testing.T) {
	d := testDomain()
	p := testParams(common.HexToAddress("0x01"))
	base, err := d.Hash(p)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	other := p.Clone()
	other.Nonce = big.NewInt(2)
	if h, _ := d.Hash(other); h == base {
		t.Fatalf("expected nonce to change the trade identity")
	}
	moved := NewDomain(big.NewInt(31337), common.HexToAddress("0x02"))
	if h, _ := moved.Hash(p); h == base {
		t.Fatalf("expected verifying contract to change the trade identity")
	}
	forked := NewDomain(big.NewInt(1), d.VerifyingContract)
	if h, _ := forked.Hash(p); h == base {
		t.Fatalf("expected chain id to change the trade identity")
	}
}

func TestSignAndVerify(t *testing.T) {
	signer, err := NewSigner(initiatorKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	d := testDomain()
	p := testParams(signer.Address())
	sig, err := signer.SignTrade(d, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected wallet-style v, got %d", sig[64])
	}
	if err := d.Verify(p, sig, signer.Address()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	if err := d.Verify(p, raw, signer.Address()); err != nil {
		t.Fatalf("verify with raw v: %v", err)
	}
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	initiator, _ := NewSigner(initiatorKey)
	other, err := NewSigner(otherKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	d := testDomain()
	p := testParams(initiator.Address())
	sig, err := other.SignTrade(d, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := d.Verify(p, sig, initiator.Address()); !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsTamperedParams(t *testing.T) {
	signer, _ := NewSigner(initiatorKey)
	d := testDomain()
	p := testParams(signer.Address())
	sig, _ := signer.SignTrade(d, p)
	p.Price = big.NewInt(1)
	if err := d.Verify(p, sig, signer.Address()); !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsMalformedSignatures(t *testing.T) {
	signer, _ := NewSigner(initiatorKey)
	d := testDomain()
	p := testParams(signer.Address())
	sig, _ := signer.SignTrade(d, p)

	if err := d.Verify(p, sig[:64], signer.Address()); !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected short signature to fail, got %v", err)
	}
	badV := append([]byte{}, sig...)
	badV[64] = 30
	if err := d.Verify(p, badV, signer.Address()); !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected bad v to fail, got %v", err)
	}
	// (r, n-s, v^1) recovers the same key; only the low-s form is accepted.
	n := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	highS := append([]byte{}, sig...)
	copy(highS[32:64], common.LeftPadBytes(new(big.Int).Sub(n, s).Bytes(), 32))
	highS[64] = 27 + (1 - (sig[64] - 27))
	if err := d.Verify(p, highS, signer.Address()); !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected high-s signature to fail, got %v", err)
	}
}

func TestAcceptSignature(t *testing.T) {
	acceptor, err := NewSigner(otherKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	id := common.HexToHash("0xabc123")
	sig, err := acceptor.SignAccept(id)
	if err != nil {
		t.Fatalf("sign accept: %v", err)
	}
	got, err := RecoverAcceptor(id, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != acceptor.Address() {
		t.Fatalf("expected %s, got %s", acceptor.Address().Hex(), got.Hex())
	}
	if other, _ := RecoverAcceptor(common.HexToHash("0xabc124"), sig); other == acceptor.Address() {
		t.Fatalf("expected acceptance to be bound to one trade id")
	}
	if _, err := RecoverAcceptor(id, sig[:10]); !errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected short signature to fail, got %v", err)
	}
}

func TestSettleSignature(t *testing.T) {
	settler, err := NewSigner(otherKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	id := common.HexToHash("0xabc123")
	fee := big.NewInt(3)
	sig, err := settler.SignSettle(id, fee)
	if err != nil {
		t.Fatalf("sign settle: %v", err)
	}
	got, err := RecoverSettler(id, fee, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != settler.Address() {
		t.Fatalf("expected %s, got %s", settler.Address().Hex(), got.Hex())
	}
	if other, _ := RecoverSettler(id, big.NewInt(4), sig); other == settler.Address() {
		t.Fatalf("expected settle authorisation to be bound to the fee")
	}
	accept, err := settler.SignAccept(id)
	if err != nil {
		t.Fatalf("sign accept: %v", err)
	}
	if other, _ := RecoverSettler(id, fee, accept); other == settler.Address() {
		t.Fatalf("expected an acceptance not to authorise a fee payment")
	}
	if SettleDigest(id, nil) != SettleDigest(id, new(big.Int)) {
		t.Fatalf("expected nil fee to sign as zero")
	}
}

func TestVerifyRejectsMalformedParamsBeforeRecovery(t *testing.T) {
	signer, err := NewSigner(initiatorKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	d := testDomain()
	p := testParams(signer.Address())
	sig, err := signer.SignTrade(d, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.Direction = trade.Direction(5)
	err = d.Verify(p, sig, signer.Address())
	if err == nil || errors.Is(err, trade.ErrInvalidSignature) {
		t.Fatalf("expected a params error rather than ErrInvalidSignature, got %v", err)
	}
}
