package guard

import (
	"errors"
	"fmt"

	xerrors "OpenMCP-Broadcast/internal/errors"
)

// NextAction 指明调用方自愈所需的下一步操作及其精确参数。
type NextAction struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// Result 是所有拒绝路径共用的统一信封，调用方只需根据 Code 分支。
type Result struct {
	OK         bool           `json:"ok"`
	Tool       string         `json:"tool"`
	Code       xerrors.Code   `json:"code"`
	Message    string         `json:"message"`
	Hint       string         `json:"hint,omitempty"`
	NextAction *NextAction    `json:"next_action,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Option 定义信封的可选字段。
type Option func(*Result)

// WithHint 设置面向人的修复建议。
func WithHint(hint string) Option {
	return func(r *Result) { r.Hint = hint }
}

// WithNextAction 设置机器可执行的后续操作。
func WithNextAction(tool string, args map[string]any) Option {
	return func(r *Result) {
		if tool == "" {
			return
		}
		r.NextAction = &NextAction{Tool: tool, Args: args}
	}
}

// WithDetail 追加单个诊断字段。
func WithDetail(key string, value any) Option {
	return func(r *Result) {
		if r.Details == nil {
			r.Details = make(map[string]any)
		}
		r.Details[key] = value
	}
}

// WithDetails 合并一组诊断字段。
func WithDetails(details map[string]any) Option {
	return func(r *Result) {
		for k, v := range details {
			WithDetail(k, v)(r)
		}
	}
}

var defaultHints = map[xerrors.Code]string{
	xerrors.CodeNotFound:           "The pending record is unknown, expired or already consumed. Stage the transaction again.",
	xerrors.CodeHashMismatch:       "Use the content_hash returned by preview for this exact pending id.",
	xerrors.CodeTokenRequired:      "Protected network: resend confirm with the confirm_token from next_action.",
	xerrors.CodeTokenMismatch:      "Resend confirm with the confirm_token from next_action.",
	xerrors.CodeApprovalBlocked:    "Blocked records need a whitelisted admin_pubkey that also signs the transaction.",
	xerrors.CodeProgramDenied:      "A target of this transaction is on the deny list.",
	xerrors.CodeProgramNotAllowed:  "A target of this transaction is missing from the allow list.",
	xerrors.CodeSuspiciousMismatch: "Rebuild the transaction; its decoded contents disagree with its summary.",
	xerrors.CodeSignatureMissing:   "Sign the transaction or configure a local signer key for this network.",
	xerrors.CodeInvalidTransaction: "Pass raw serialized transaction bytes.",
	xerrors.CodeUnknownNetwork:     "Use one of the configured network names.",
}

// New 构造一个拒绝信封。该函数不会失败；未显式设置提示时使用错误码的默认提示。
func New(tool string, code xerrors.Code, message string, opts ...Option) *Result {
	if message == "" {
		message = xerrors.AttributesOf(code).Message
	}
	r := &Result{OK: false, Tool: tool, Code: code, Message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.Hint == "" {
		r.Hint = defaultHints[code]
	}
	return r
}

// Error 实现 error 接口，便于在阶段函数之间以 error 形式传递。
func (r *Result) Error() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s: [%s] %s", r.Tool, r.Code, r.Message)
}

// ErrorCode 实现 xerrors.Coder。
func (r *Result) ErrorCode() xerrors.Code {
	if r == nil {
		return xerrors.CodeUnknown
	}
	return r.Code
}

// Is 按错误码比较，使 errors.Is(err, xerrors.New(code, "")) 可用于信封。
func (r *Result) Is(target error) bool {
	if r == nil || target == nil {
		return false
	}
	c, ok := target.(xerrors.Coder)
	return ok && c.ErrorCode() == r.Code
}

// As 从错误链中提取拒绝信封。
func As(err error) (*Result, bool) {
	var r *Result
	if errors.As(err, &r) && r != nil {
		return r, true
	}
	return nil, false
}
