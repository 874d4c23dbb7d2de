package signing

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AcceptDigest is the personal_sign digest an acceptor signs over a trade
// identity to prove who is taking the other side.
func AcceptDigest(id common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(id.Bytes()))
}

func RecoverAcceptor(id common.Hash, signature []byte) (common.Address, error) {
	return recoverDigest(AcceptDigest(id), signature)
}

func (s *Signer) SignAccept(id common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(AcceptDigest(id).Bytes(), s.privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SettleDigest is the personal_sign digest a settler signs to authorise
// paying fee in native value for trade id.
func SettleDigest(id common.Hash, fee *big.Int) common.Hash {
	if fee == nil {
		fee = new(big.Int)
	}
	msg := append(id.Bytes(), common.BigToHash(fee).Bytes()...)
	return common.BytesToHash(accounts.TextHash(msg))
}

func RecoverSettler(id common.Hash, fee *big.Int, signature []byte) (common.Address, error) {
	return recoverDigest(SettleDigest(id, fee), signature)
}

func (s *Signer) SignSettle(id common.Hash, fee *big.Int) ([]byte, error) {
	sig, err := crypto.Sign(SettleDigest(id, fee).Bytes(), s.privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}
