package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"OpenMCP-Broadcast/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Backend is the subset of ethclient used to submit and observe
// transactions. *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Submitter implements web3.Submitter on top of a Backend.
type Submitter struct {
	backend       Backend
	chainID       *big.Int
	confirmations uint64
}

var (
	_ web3.Submitter = (*Submitter)(nil)
	_ web3.Simulator = (*Submitter)(nil)
)

// NewSubmitter returns a submitter requiring confirmations blocks (counting
// the inclusion block) for the confirmed commitment.
func NewSubmitter(backend Backend, chainID *big.Int, confirmations uint64) *Submitter {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Submitter{backend: backend, chainID: chainID, confirmations: confirmations}
}

// Submit implements web3.Submitter.
func (s *Submitter) Submit(ctx context.Context, raw []byte) (string, error) {
	tx, err := unmarshalTx(raw)
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return hash, web3.ClassifySubmission(err, hash)
	}
	return hash, nil
}

// Simulate implements web3.Simulator by running the signed transaction as an
// eth_call against the pending block. Reverts carry the decoded reason.
func (s *Submitter) Simulate(ctx context.Context, raw []byte) error {
	tx, err := unmarshalTx(raw)
	if err != nil {
		return err
	}
	hash := tx.Hash().Hex()
	from, err := coretypes.Sender(signerFor(tx, s.chainID), tx)
	if err != nil {
		return web3.ClassifySubmission(fmt.Errorf("invalid sender: %w", err), hash)
	}
	msg := gethcore.CallMsg{
		From:       from,
		To:         tx.To(),
		Gas:        tx.Gas(),
		Value:      tx.Value(),
		Data:       tx.Data(),
		AccessList: tx.AccessList(),
	}
	_, callErr := s.backend.CallContract(ctx, msg, big.NewInt(int64(gethrpc.PendingBlockNumber)))
	if callErr == nil {
		return nil
	}
	sub := web3.ClassifySubmission(callErr, hash)
	if reason := RevertReason(callErr); reason != "" || isRevert(callErr) {
		sub.Class = web3.ClassExecutionReverted
		sub.Retryable = false
		sub.RevertReason = reason
		sub.Hint = "The transaction reverts against pending state; inspect the revert reason before rebuilding"
	}
	return sub
}

// PollStatus implements web3.Submitter.
func (s *Submitter) PollStatus(ctx context.Context, id string, commitment web3.Commitment) (web3.TxStatus, error) {
	hash := common.HexToHash(id)
	receipt, err := s.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return web3.TxStatus{State: web3.TxPending}, nil
	}
	if err != nil {
		return web3.TxStatus{}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return web3.TxStatus{State: web3.TxPending}, nil
	}

	block := receipt.BlockNumber.Uint64()
	status := web3.TxStatus{State: web3.TxPending, BlockNumber: block, GasUsed: receipt.GasUsed}
	if receipt.Status == coretypes.ReceiptStatusFailed {
		status.State = web3.TxFailed
		status.RevertReason = s.revertReason(ctx, hash, receipt.BlockNumber)
		return status, nil
	}

	switch commitment {
	case web3.CommitmentProcessed:
		status.State = web3.TxConfirmed
		status.Confirmations = 1
	case web3.CommitmentFinalized:
		finalized, err := s.backend.HeaderByNumber(ctx, big.NewInt(int64(gethrpc.FinalizedBlockNumber)))
		if err != nil || finalized == nil {
			return status, nil
		}
		if finalized.Number.Uint64() >= block {
			status.State = web3.TxConfirmed
		}
	default:
		head, err := s.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return web3.TxStatus{}, fmt.Errorf("查询最新区块失败: %w", err)
		}
		if head.Number.Uint64() >= block {
			status.Confirmations = head.Number.Uint64() - block + 1
		}
		if status.Confirmations >= s.confirmations {
			status.State = web3.TxConfirmed
		}
	}
	return status, nil
}

// revertReason replays a reverted transaction at its inclusion block and
// decodes Error(string) or Panic(uint256) revert data. It is best effort.
func (s *Submitter) revertReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := s.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return ""
	}
	from, err := coretypes.Sender(signerFor(tx, s.chainID), tx)
	if err != nil {
		return ""
	}
	msg := gethcore.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, callErr := s.backend.CallContract(ctx, msg, block)
	if callErr == nil {
		return ""
	}
	return RevertReason(callErr)
}

func isRevert(err error) bool {
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// RevertReason extracts a readable reason from an eth_call error, decoding
// the revert payload when the node attached one.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if payload, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(payload); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	return web3.RevertReasonFromMessage(err.Error())
}
