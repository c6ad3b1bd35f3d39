package web3

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenMCP-Broadcast/internal/errors"
)

// FamilyEVM identifies EVM compatible networks.
const FamilyEVM = "evm"

// Commitment is the confirmation depth a caller waits for.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment validates a commitment name. Empty input yields fallback.
func ParseCommitment(v string, fallback Commitment) (Commitment, error) {
	switch c := Commitment(strings.ToLower(strings.TrimSpace(v))); c {
	case "":
		return fallback, nil
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported commitment %q", v)
	}
}

// InstructionKind classifies a decoded action by its authority semantics.
type InstructionKind string

const (
	KindNativeTransfer    InstructionKind = "native_transfer"
	KindTokenTransfer     InstructionKind = "token_transfer"
	KindTokenApprove      InstructionKind = "token_approve"
	KindTokenRevoke       InstructionKind = "token_revoke"
	KindTokenTransferFrom InstructionKind = "token_transfer_from"
	KindContractCall      InstructionKind = "contract_call"
	KindContractCreate    InstructionKind = "contract_create"
)

// KnownShape reports whether the authority of the instruction is understood,
// which is required for admin override checks.
func (k InstructionKind) KnownShape() bool {
	switch k {
	case KindNativeTransfer, KindTokenTransfer, KindTokenApprove, KindTokenRevoke, KindTokenTransferFrom:
		return true
	}
	return false
}

// Instruction is one action extracted from a transaction.
type Instruction struct {
	Kind InstructionKind `json:"kind"`
	// Program 是被调用的合约或转账接收方；合约创建时为空。
	Program   string `json:"program,omitempty"`
	Authority string `json:"authority,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	// Amount 为十进制字符串，单位为链上最小单位。
	Amount   string `json:"amount,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// DecodedTx is the chain independent view of a transaction consumed by the
// policy evaluator and the confirmation stages.
type DecodedTx struct {
	ChainID string `json:"chain_id,omitempty"`
	// Fingerprint 只覆盖签名前的交易字段，签名前后保持不变。
	Fingerprint     string        `json:"fingerprint"`
	Hash            string        `json:"hash,omitempty"`
	Signed          bool          `json:"signed"`
	FeePayer        string        `json:"fee_payer,omitempty"`
	Nonce           uint64        `json:"nonce"`
	Targets         []string      `json:"targets"`
	CreatesContract bool          `json:"creates_contract,omitempty"`
	Instructions    []Instruction `json:"instructions"`
}

// SameIntent reports whether two decodes describe the same unsigned payload
// and the same policy relevant fields.
func (d *DecodedTx) SameIntent(other *DecodedTx) bool {
	if d == nil || other == nil {
		return d == other
	}
	if !strings.EqualFold(d.Fingerprint, other.Fingerprint) || d.CreatesContract != other.CreatesContract {
		return false
	}
	if len(d.Targets) != len(other.Targets) || len(d.Instructions) != len(other.Instructions) {
		return false
	}
	for i := range d.Targets {
		if !strings.EqualFold(d.Targets[i], other.Targets[i]) {
			return false
		}
	}
	for i := range d.Instructions {
		a, b := d.Instructions[i], other.Instructions[i]
		if a.Kind != b.Kind || !strings.EqualFold(a.Program, b.Program) || a.Amount != b.Amount {
			return false
		}
	}
	return true
}

// TxState is the observed state of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "pending"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// TxStatus is one poll observation.
type TxStatus struct {
	State         TxState `json:"state"`
	BlockNumber   uint64  `json:"block_number,omitempty"`
	Confirmations uint64  `json:"confirmations,omitempty"`
	GasUsed       uint64  `json:"gas_used,omitempty"`
	RevertReason  string  `json:"revert_reason,omitempty"`
}

// Decoder turns raw bytes into the chain independent view.
type Decoder interface {
	Decode(raw []byte) (*DecodedTx, error)
}

// Signer completes a transaction with a locally held key when one exists.
// Sign returns the input unchanged when it cannot or need not sign.
type Signer interface {
	Sign(ctx context.Context, raw []byte) ([]byte, error)
	LooksSigned(raw []byte) bool
}

// Submitter broadcasts signed bytes and observes the result. Submit returns
// the locally computed transaction id even when the node rejects it.
type Submitter interface {
	Submit(ctx context.Context, raw []byte) (string, error)
	PollStatus(ctx context.Context, id string, commitment Commitment) (TxStatus, error)
}

// Simulator is implemented by submitters that can dry-run signed bytes
// against pending state before broadcasting. A nil error means the
// transaction is expected to execute.
type Simulator interface {
	Simulate(ctx context.Context, raw []byte) error
}

// Network bundles everything the pipeline needs to broadcast on one network.
type Network struct {
	Name      string
	Family    string
	Protected bool
	Decoder   Decoder
	Signer    Signer
	Submitter Submitter
}

// Resolver finds the collaborators for a network name.
type Resolver interface {
	Resolve(name string) (*Network, error)
}

// Networks is a static Resolver keyed by network name.
type Networks map[string]*Network

// Resolve implements Resolver.
func (n Networks) Resolve(name string) (*Network, error) {
	if network, ok := n[strings.TrimSpace(name)]; ok && network != nil {
		return network, nil
	}
	return nil, xerrors.New(xerrors.CodeUnknownNetwork, fmt.Sprintf("network %q is not configured", name),
		xerrors.WithMetadata("network", name))
}
