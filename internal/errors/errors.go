package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示广播管道内统一的错误码，同时也是拒绝信封中的 code 字段。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	CodeHashMismatch       Code = "HASH_MISMATCH"
	CodeTokenRequired      Code = "TOKEN_REQUIRED"
	CodeTokenMismatch      Code = "TOKEN_MISMATCH"
	CodeApprovalBlocked    Code = "APPROVAL_BLOCKED"
	CodeProgramDenied      Code = "PROGRAM_DENIED"
	CodeProgramNotAllowed  Code = "PROGRAM_NOT_ALLOWED"
	CodeSuspiciousMismatch Code = "SUSPICIOUS_MISMATCH"
	CodeSubmissionError    Code = "SUBMISSION_ERROR"
	CodeInvalidTransaction Code = "INVALID_TRANSACTION"
	CodeSignatureMissing   Code = "SIGNATURE_MISSING"
	CodeUnknownNetwork     Code = "UNKNOWN_NETWORK"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "pending record not found", Severity: SeverityInfo},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "event publish failure", Severity: SeverityWarning, Retryable: true},
		CodeTimeout:               {Message: "confirmation not observed in time", Severity: SeverityInfo, Retryable: true},

		CodeHashMismatch:       {Message: "content hash mismatch", Severity: SeverityWarning},
		CodeTokenRequired:      {Message: "confirm token required", Severity: SeverityInfo, Retryable: true},
		CodeTokenMismatch:      {Message: "confirm token mismatch", Severity: SeverityWarning, Retryable: true},
		CodeApprovalBlocked:    {Message: "approval blocked", Severity: SeverityWarning},
		CodeProgramDenied:      {Message: "target denied by policy", Severity: SeverityWarning},
		CodeProgramNotAllowed:  {Message: "target not in allow list", Severity: SeverityWarning},
		CodeSuspiciousMismatch: {Message: "transaction does not match its summary", Severity: SeverityCritical, Alert: true},
		CodeSubmissionError:    {Message: "network rejected transaction", Severity: SeverityWarning, Alert: true},
		CodeInvalidTransaction: {Message: "transaction bytes cannot be decoded", Severity: SeverityInfo},
		CodeSignatureMissing:   {Message: "transaction is not signed", Severity: SeverityInfo},
		CodeUnknownNetwork:     {Message: "network not configured", Severity: SeverityInfo},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Coder 由携带错误码的错误类型实现，例如拒绝信封。
type Coder interface {
	ErrorCode() Code
}

// Error 是系统内统一的基础设施错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if c, ok := target.(Coder); ok {
		return e.code == c.ErrorCode()
	}
	return false
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// ErrorCode 实现 Coder。
func (e *Error) ErrorCode() Code { return e.Code() }

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链上第一个错误码，未携带错误码时返回 UNKNOWN。
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var coder Coder
	if stdErrors.As(err, &coder) {
		return coder.ErrorCode()
	}
	return CodeUnknown
}

// IsCode 判断错误链中是否包含指定错误码。
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return AttributesOf(CodeOf(err)).Retryable && CodeOf(err) != CodeUnknown
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	if code := CodeOf(err); code != CodeUnknown {
		return AttributesOf(code).Alert
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeOf(err)).Severity
}
