package pending

import (
	"strings"

	xerrors "OpenMCP-Broadcast/internal/errors"
)

// Status 表示待确认记录在生命周期中的状态。CONFIRMED 与 EXPIRED 不落库：
// 确认成功的记录被删除，过期记录对读取方不可见。
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusTimedOut Status = "timed_out"
	StatusFailed   Status = "failed"
)

// ApprovalStatus 标记记录是否需要管理员覆盖才能广播。
type ApprovalStatus string

const (
	ApprovalNormal  ApprovalStatus = "normal"
	ApprovalBlocked ApprovalStatus = "blocked"
)

// Summary 是构建方对交易的声明，确认阶段会与重新解码的结果比对，而不是直接信任。
type Summary struct {
	Kind              string         `json:"kind,omitempty"`
	ApprovalStatus    ApprovalStatus `json:"approval_status,omitempty"`
	ExpectedAuthority string         `json:"expected_authority,omitempty"`
	ExpectedAssets    []string       `json:"expected_assets,omitempty"`
	ExpectedPrograms  []string       `json:"expected_programs,omitempty"`
	Description       string         `json:"description,omitempty"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Blocked 报告记录是否需要管理员覆盖。除 normal 以外的任何取值都按阻断处理。
func (s Summary) Blocked() bool {
	return s.ApprovalStatus != ApprovalNormal
}

// ParseApprovalStatus 规范化构建方声明的审批状态，空值视为 normal，未知取值报错。
func ParseApprovalStatus(v string) (ApprovalStatus, error) {
	switch normalized := ApprovalStatus(strings.ToLower(strings.TrimSpace(v))); normalized {
	case "":
		return ApprovalNormal, nil
	case ApprovalNormal, ApprovalBlocked:
		return normalized, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unknown approval_status",
			xerrors.WithMetadata("approval_status", v))
	}
}

// Record 描述一笔已暂存、尚未广播的交易。时间字段均为毫秒时间戳。
type Record struct {
	ID          string  `json:"id"`
	Network     string  `json:"network"`
	TxBytes     []byte  `json:"tx_base64"`
	ContentHash string  `json:"content_hash"`
	CreatedAt   int64   `json:"created_at_ms"`
	UpdatedAt   int64   `json:"updated_at_ms"`
	ExpiresAt   int64   `json:"expires_at_ms"`
	SourceTool  string  `json:"source_tool,omitempty"`
	Summary     Summary `json:"summary"`
	Status      Status  `json:"status"`
	TxHash      string  `json:"tx_hash,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	Attempts    int     `json:"attempts"`
}

// Expired 判断记录在 now 时刻是否已过期，边界时刻视为过期。
func (r *Record) Expired(nowMS int64) bool {
	return nowMS >= r.ExpiresAt
}

// Entry 返回记录的列表摘要，不包含交易字节。
func (r *Record) Entry() Entry {
	return Entry{
		ID:          r.ID,
		Network:     r.Network,
		ContentHash: r.ContentHash,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ExpiresAt:   r.ExpiresAt,
		SourceTool:  r.SourceTool,
		Summary:     cloneSummary(r.Summary),
		Status:      r.Status,
		TxHash:      r.TxHash,
		LastError:   r.LastError,
		Attempts:    r.Attempts,
	}
}

// Entry 是 list 操作返回的摘要视图。
type Entry struct {
	ID          string  `json:"id"`
	Network     string  `json:"network"`
	ContentHash string  `json:"content_hash"`
	CreatedAt   int64   `json:"created_at_ms"`
	UpdatedAt   int64   `json:"updated_at_ms"`
	ExpiresAt   int64   `json:"expires_at_ms"`
	SourceTool  string  `json:"source_tool,omitempty"`
	Summary     Summary `json:"summary"`
	Status      Status  `json:"status"`
	TxHash      string  `json:"tx_hash,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	Attempts    int     `json:"attempts"`
}

// StatusUpdate 描述确认流程对记录的一次状态变更。
// TxHash 为空时保留原值；LastError 总是覆盖（空串即清除）。
type StatusUpdate struct {
	Status    Status
	TxHash    string
	LastError string
	Attempted bool
}

// CleanupResult 汇总一次清理的结果。
type CleanupResult struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// ErrNotFound 表示记录不存在、已过期或已被消费。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "pending record not found")

// IsNotFound 判断错误是否为记录不存在。
func IsNotFound(err error) bool {
	return xerrors.IsCode(err, xerrors.CodeNotFound)
}

// IsValidStatus 检查状态是否为受支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusSending, StatusTimedOut, StatusFailed:
		return true
	default:
		return false
	}
}

// Validate 校验写入前的记录。
func Validate(rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	if len(rec.TxBytes) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易字节不能为空")
	}
	if rec.ExpiresAt <= rec.CreatedAt {
		return xerrors.New(xerrors.CodeInvalidArgument, "过期时间必须晚于创建时间")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = rec.CreatedAt
	}
	return VerifyIntegrity(rec)
}

// VerifyIntegrity 确认记录上的哈希与其字节重新计算的哈希一致。
func VerifyIntegrity(rec *Record) error {
	if !HashMatches(rec.ContentHash, Hash(rec.TxBytes)) {
		return xerrors.New(xerrors.CodeStorageFailure, "记录哈希与交易字节不一致",
			xerrors.WithMetadata("id", rec.ID),
			xerrors.WithRetryable(false),
		)
	}
	return nil
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.TxBytes = append([]byte(nil), r.TxBytes...)
	clone.Summary = cloneSummary(r.Summary)
	return &clone
}

func cloneSummary(s Summary) Summary {
	clone := s
	if s.ExpectedAssets != nil {
		clone.ExpectedAssets = append([]string(nil), s.ExpectedAssets...)
	}
	if s.ExpectedPrograms != nil {
		clone.ExpectedPrograms = append([]string(nil), s.ExpectedPrograms...)
	}
	if s.Extra != nil {
		clone.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			clone.Extra[k] = v
		}
	}
	return clone
}
