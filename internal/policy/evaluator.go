package policy

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/guard"
	"OpenMCP-Broadcast/internal/web3"
)

// Input is everything the evaluator looks at. It is rebuilt from the signed
// bytes at confirm time.
type Input struct {
	Tool             string
	Targets          []string
	CreatesContract  bool
	Instructions     []web3.Instruction
	FeePayer         string
	Blocked          bool
	SummaryKind      string
	ExpectedPrograms []string
	AdminPubkey      string
}

// Violation is a policy finding that warn mode lets through.
type Violation struct {
	Code    xerrors.Code   `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the outcome of a permitted evaluation.
type Decision struct {
	Mode          Mode        `json:"mode"`
	AdminOverride bool        `json:"admin_override"`
	Warnings      []Violation `json:"warnings,omitempty"`
}

// Evaluator applies a Config. It holds no mutable state.
type Evaluator struct {
	cfg       Config
	maxNative *big.Int
	deny      map[string]struct{}
	allow     map[string]struct{}
	admins    map[string]struct{}
}

// NewEvaluator prepares lookups for cfg. An unparsable amount ceiling falls
// back to 0, which blocks any native transfer inside a swap.
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.Mode == "" {
		cfg.Mode = ModeBlock
	}
	maxNative, ok := parseAmount(cfg.Swap.BlockNativeTransfer.MaxAmountWei)
	if !ok {
		maxNative = new(big.Int)
	}
	return &Evaluator{
		cfg:       cfg,
		maxNative: maxNative,
		deny:      toSet(cfg.Programs.Deny),
		allow:     toSet(cfg.Programs.Allow),
		admins:    toSet(cfg.AdminOverride.BlockedConfirmAdmins),
	}
}

// Config returns the policy in effect.
func (e *Evaluator) Config() Config { return e.cfg }

// Evaluate returns a *guard.Result error when the transaction must not be
// broadcast.
func (e *Evaluator) Evaluate(in Input) (Decision, error) {
	if in.Tool == "" {
		in.Tool = "confirm"
	}
	decision := Decision{Mode: e.cfg.Mode}

	if in.Blocked {
		if reason, ok := e.overrideAllowed(in); !ok {
			return decision, guard.New(in.Tool, xerrors.CodeApprovalBlocked,
				"record is marked blocked and no valid admin override was supplied",
				guard.WithDetail("reason", reason),
				guard.WithDetail("admin_pubkey", in.AdminPubkey))
		}
		decision.AdminOverride = true
		return decision, nil
	}

	if e.cfg.Mode == ModeOff {
		return decision, nil
	}
	violations := e.violations(in)
	if len(violations) == 0 {
		return decision, nil
	}
	if e.cfg.Mode == ModeWarn {
		decision.Warnings = violations
		return decision, nil
	}
	first := violations[0]
	return decision, guard.New(in.Tool, first.Code, first.Message, guard.WithDetails(first.Details))
}

func (e *Evaluator) overrideAllowed(in Input) (string, bool) {
	admin := normalize(in.AdminPubkey)
	if len(e.admins) == 0 {
		return "no admins are configured for blocked confirmations", false
	}
	if admin == "" {
		return "admin_pubkey is required", false
	}
	if _, ok := e.admins[admin]; !ok {
		return "admin_pubkey is not whitelisted", false
	}
	if e.cfg.AdminOverride.RequireFeePayerMatch && normalize(in.FeePayer) != admin {
		return "fee payer does not match admin_pubkey", false
	}
	if e.cfg.AdminOverride.RequireAuthorityMatch {
		for _, inst := range in.Instructions {
			if inst.Kind.KnownShape() && normalize(inst.Authority) != admin {
				return fmt.Sprintf("%s authority does not match admin_pubkey", inst.Kind), false
			}
		}
	}
	return "", true
}

func (e *Evaluator) violations(in Input) []Violation {
	var out []Violation
	for _, target := range in.Targets {
		if _, denied := e.deny[normalize(target)]; denied {
			out = append(out, Violation{
				Code:    xerrors.CodeProgramDenied,
				Message: fmt.Sprintf("target %s is denied", target),
				Details: map[string]any{"program": target},
			})
		}
	}
	if len(e.allow) > 0 {
		if in.CreatesContract {
			out = append(out, Violation{
				Code:    xerrors.CodeProgramNotAllowed,
				Message: "contract creation has no target on the allow list",
				Details: map[string]any{"program": ""},
			})
		}
		for _, target := range in.Targets {
			if _, ok := e.allow[normalize(target)]; !ok {
				out = append(out, Violation{
					Code:    xerrors.CodeProgramNotAllowed,
					Message: fmt.Sprintf("target %s is not allowed", target),
					Details: map[string]any{"program": target},
				})
			}
		}
	}

	if strings.EqualFold(strings.TrimSpace(in.SummaryKind), "swap") && e.cfg.Swap.BlockNativeTransfer.Enabled {
		for _, inst := range in.Instructions {
			if inst.Kind != web3.KindNativeTransfer {
				continue
			}
			amount, ok := parseAmount(inst.Amount)
			if !ok || e.maxNative.Sign() == 0 || amount.Cmp(e.maxNative) > 0 {
				out = append(out, Violation{
					Code:    xerrors.CodeSuspiciousMismatch,
					Message: "swap contains a plain native transfer",
					Details: map[string]any{
						"recipient":      inst.Recipient,
						"amount":         inst.Amount,
						"max_amount_wei": e.maxNative.String(),
					},
				})
			}
		}
	}

	if len(in.ExpectedPrograms) > 0 && !sameSet(in.ExpectedPrograms, in.Targets) {
		out = append(out, Violation{
			Code:    xerrors.CodeSuspiciousMismatch,
			Message: "decoded targets differ from the expected programs",
			Details: map[string]any{"expected_programs": in.ExpectedPrograms, "targets": in.Targets},
		})
	}
	return out
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func sameSet(a, b []string) bool {
	left, right := toSet(a), toSet(b)
	if len(left) != len(right) {
		return false
	}
	for k := range left {
		if _, ok := right[k]; !ok {
			return false
		}
	}
	return true
}
