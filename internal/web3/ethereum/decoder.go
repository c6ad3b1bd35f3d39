package ethereum

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"OpenMCP-Broadcast/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// erc20ABI 只包含授权校验需要识别的方法。
const erc20ABI = `[
 {"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
 {"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
 {"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]}
]`

var erc20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Decoder implements web3.Decoder for EVM transactions.
type Decoder struct {
	// chainID 为空时不校验交易中的链 ID。
	chainID *big.Int
}

var _ web3.Decoder = (*Decoder)(nil)

// NewDecoder returns a decoder bound to chainID. A nil chainID disables the
// chain id check.
func NewDecoder(chainID *big.Int) *Decoder {
	d := &Decoder{}
	if chainID != nil && chainID.Sign() > 0 {
		d.chainID = new(big.Int).Set(chainID)
	}
	return d
}

// Decode implements web3.Decoder.
func (d *Decoder) Decode(raw []byte) (*web3.DecodedTx, error) {
	tx, err := unmarshalTx(raw)
	if err != nil {
		return nil, err
	}
	signed := hasSignature(tx)
	if d.chainID != nil && carriesChainID(tx, signed) && tx.ChainId().Cmp(d.chainID) != 0 {
		return nil, fmt.Errorf("transaction chain id %s does not match network chain id %s", tx.ChainId(), d.chainID)
	}

	signer := signerFor(tx, d.chainID)
	out := &web3.DecodedTx{
		Fingerprint: signer.Hash(tx).Hex(),
		Signed:      signed,
		Nonce:       tx.Nonce(),
		Targets:     []string{},
	}
	if id := tx.ChainId(); id != nil && carriesChainID(tx, signed) {
		out.ChainID = id.String()
	} else if d.chainID != nil {
		out.ChainID = d.chainID.String()
	}
	if signed {
		out.Hash = tx.Hash().Hex()
		from, err := coretypes.Sender(signer, tx)
		if err != nil {
			return nil, fmt.Errorf("recover sender: %w", err)
		}
		out.FeePayer = from.Hex()
	}

	inst := decodeInstruction(tx, out.FeePayer)
	out.Instructions = []web3.Instruction{inst}
	if inst.Kind == web3.KindContractCreate {
		out.CreatesContract = true
	} else {
		out.Targets = append(out.Targets, inst.Program)
	}
	return out, nil
}

func decodeInstruction(tx *coretypes.Transaction, from string) web3.Instruction {
	value := tx.Value()
	if value == nil {
		value = new(big.Int)
	}
	to := tx.To()
	if to == nil {
		return web3.Instruction{Kind: web3.KindContractCreate, Authority: from, Amount: value.String()}
	}
	data := tx.Data()
	if len(data) == 0 {
		return web3.Instruction{
			Kind:      web3.KindNativeTransfer,
			Program:   to.Hex(),
			Authority: from,
			Recipient: to.Hex(),
			Amount:    value.String(),
		}
	}

	call := web3.Instruction{Kind: web3.KindContractCall, Program: to.Hex(), Authority: from, Amount: value.String()}
	if len(data) < 4 {
		return call
	}
	call.Selector = "0x" + common.Bytes2Hex(data[:4])
	method, err := erc20.MethodById(data[:4])
	if err != nil || value.Sign() != 0 {
		return call
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return call
	}

	switch method.Name {
	case "transfer":
		call.Kind = web3.KindTokenTransfer
		call.Recipient = args[0].(common.Address).Hex()
		call.Amount = args[1].(*big.Int).String()
	case "approve":
		amount := args[1].(*big.Int)
		call.Kind = web3.KindTokenApprove
		if amount.Sign() == 0 {
			call.Kind = web3.KindTokenRevoke
		}
		call.Recipient = args[0].(common.Address).Hex()
		call.Amount = amount.String()
	case "transferFrom":
		call.Kind = web3.KindTokenTransferFrom
		call.Authority = args[0].(common.Address).Hex()
		call.Recipient = args[1].(common.Address).Hex()
		call.Amount = args[2].(*big.Int).String()
	}
	return call
}

func unmarshalTx(raw []byte) (*coretypes.Transaction, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty transaction bytes")
	}
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

func hasSignature(tx *coretypes.Transaction) bool {
	_, r, s := tx.RawSignatureValues()
	return (r != nil && r.Sign() != 0) || (s != nil && s.Sign() != 0)
}

// carriesChainID reports whether the transaction itself commits to a chain
// id. Unsigned legacy transactions derive it from V and therefore do not.
func carriesChainID(tx *coretypes.Transaction, signed bool) bool {
	if tx.Type() != coretypes.LegacyTxType {
		return true
	}
	return signed && tx.Protected()
}

// signerFor picks the signer whose Hash is stable across signing, so that
// the unsigned and signed forms of one transaction share a fingerprint.
func signerFor(tx *coretypes.Transaction, fallback *big.Int) coretypes.Signer {
	if tx.Type() != coretypes.LegacyTxType {
		return coretypes.LatestSignerForChainID(tx.ChainId())
	}
	if hasSignature(tx) {
		if tx.Protected() {
			return coretypes.LatestSignerForChainID(tx.ChainId())
		}
		return coretypes.HomesteadSigner{}
	}
	return coretypes.LatestSignerForChainID(fallback)
}
