package web3

import (
	"errors"
	"strings"
)

// ErrorClass groups node rejections by the remedy they need.
type ErrorClass string

const (
	ClassRPCUnavailable         ErrorClass = "RPC_UNAVAILABLE"
	ClassInsufficientFunds      ErrorClass = "INSUFFICIENT_FUNDS"
	ClassSignatureInvalid       ErrorClass = "SIGNATURE_INVALID"
	ClassNonceTooLow            ErrorClass = "NONCE_TOO_LOW"
	ClassReplacementUnderpriced ErrorClass = "REPLACEMENT_UNDERPRICED"
	ClassGasTooLow              ErrorClass = "GAS_TOO_LOW"
	ClassExecutionReverted      ErrorClass = "EXECUTION_REVERTED"
	ClassAlreadyKnown           ErrorClass = "ALREADY_KNOWN"
	ClassUnknown                ErrorClass = "UNKNOWN"
)

// SubmissionError is a classified rejection returned by Submitter.Submit.
type SubmissionError struct {
	Class     ErrorClass
	Retryable bool
	Hint      string
	// TxHash 为本地计算的交易哈希，节点拒绝时同样可用。
	TxHash       string
	RevertReason string
	Cause        error
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return string(e.Class)
	}
	return string(e.Class) + ": " + e.Cause.Error()
}

func (e *SubmissionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

type classRule struct {
	class     ErrorClass
	retryable bool
	hint      string
	needles   []string
}

// Later rules win, so specific node messages override transport symptoms.
var classRules = []classRule{
	{ClassRPCUnavailable, true, "Retry; if persistent, verify the RPC URL and network selection or switch endpoints",
		[]string{"timed out", "timeout", "connection refused", "no such host", "dns", "failed to connect", "connection reset", "429", "rate limit"}},
	{ClassInsufficientFunds, false, "Check the sender balance and make sure the fee payer can cover fees",
		[]string{"insufficient funds", "insufficientfunds", "insufficient balance"}},
	{ClassSignatureInvalid, false, "Ensure the signer matches the transaction sender and re-sign the transaction",
		[]string{"invalid signature", "signature verification", "invalid sender"}},
	{ClassNonceTooLow, true, "Refetch the pending nonce, rebuild the transaction and retry",
		[]string{"nonce too low"}},
	{ClassReplacementUnderpriced, true, "Increase maxFeePerGas and maxPriorityFeePerGas and retry",
		[]string{"replacement transaction underpriced"}},
	{ClassGasTooLow, true, "Increase the gas limit or rerun estimation and retry",
		[]string{"intrinsic gas too low", "gas required exceeds allowance", "out of gas"}},
	{ClassExecutionReverted, false, "The call reverts; inspect the revert reason before rebuilding",
		[]string{"execution reverted"}},
	{ClassAlreadyKnown, true, "The node already holds this transaction; poll for its receipt",
		[]string{"already known", "known transaction", "already imported"}},
}

// ClassifySubmission maps a node error to its class, hint and retryability.
// An existing *SubmissionError is returned as is.
func ClassifySubmission(err error, txHash string) *SubmissionError {
	if err == nil {
		return nil
	}
	var existing *SubmissionError
	if errors.As(err, &existing) {
		return existing
	}

	out := &SubmissionError{Class: ClassUnknown, TxHash: txHash, Cause: err}
	lower := strings.ToLower(err.Error())
	for _, rule := range classRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				out.Class, out.Retryable, out.Hint = rule.class, rule.retryable, rule.hint
				break
			}
		}
	}
	if out.Class == ClassExecutionReverted {
		out.RevertReason = RevertReasonFromMessage(err.Error())
	}
	return out
}

// WouldFail reports whether the class means the transaction itself cannot
// execute, as opposed to a transport or unclassified node problem.
func (e *SubmissionError) WouldFail() bool {
	if e == nil {
		return false
	}
	switch e.Class {
	case ClassExecutionReverted, ClassInsufficientFunds, ClassGasTooLow:
		return true
	}
	return false
}

// IsAlreadySubmitted reports whether a rejection means the identical signed
// transaction is already known to the network. A nonce-too-low reply only
// counts when the record was submitted before.
func IsAlreadySubmitted(err error, previouslySubmitted bool) bool {
	var sub *SubmissionError
	if !errors.As(err, &sub) {
		sub = ClassifySubmission(err, "")
	}
	if sub == nil {
		return false
	}
	switch sub.Class {
	case ClassAlreadyKnown:
		return true
	case ClassNonceTooLow:
		return previouslySubmitted
	}
	return false
}

// RevertReasonFromMessage extracts the human readable part that follows
// "execution reverted:" in a node message.
func RevertReasonFromMessage(msg string) string {
	lower := strings.ToLower(msg)
	pos := strings.Index(lower, "execution reverted")
	if pos < 0 {
		return ""
	}
	rest := msg[pos+len("execution reverted"):]
	if colon := strings.Index(rest, ":"); colon >= 0 {
		return strings.TrimSpace(rest[colon+1:])
	}
	return ""
}
