package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"OpenMCP-Broadcast/internal/web3"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer implements web3.Signer with an optional local key. Without a key it
// passes transactions through unchanged.
type Signer struct {
	key     *ecdsa.PrivateKey
	chainID *big.Int
}

var _ web3.Signer = (*Signer)(nil)

// NewSigner builds a signer. key may be nil.
func NewSigner(key *ecdsa.PrivateKey, chainID *big.Int) *Signer {
	s := &Signer{key: key}
	if chainID != nil && chainID.Sign() > 0 {
		s.chainID = new(big.Int).Set(chainID)
	}
	return s
}

// SignerFromHex parses a hex encoded secp256k1 key. An empty string yields a
// passthrough signer.
func SignerFromHex(hexKey string, chainID *big.Int) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return NewSigner(nil, chainID), nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return NewSigner(key, chainID), nil
}

// Address returns the signing address, or an empty string in passthrough mode.
func (s *Signer) Address() string {
	if s == nil || s.key == nil {
		return ""
	}
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// Sign implements web3.Signer.
func (s *Signer) Sign(_ context.Context, raw []byte) ([]byte, error) {
	tx, err := unmarshalTx(raw)
	if err != nil {
		return nil, err
	}
	if hasSignature(tx) || s == nil || s.key == nil {
		return raw, nil
	}
	signed, err := coretypes.SignTx(tx, signerFor(tx, s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	out, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode signed transaction: %w", err)
	}
	return out, nil
}

// LooksSigned implements web3.Signer.
func (s *Signer) LooksSigned(raw []byte) bool {
	tx, err := unmarshalTx(raw)
	if err != nil {
		return false
	}
	return hasSignature(tx)
}
