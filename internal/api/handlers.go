package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Broadcast/internal/config"
	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/guard"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/pipeline"
	"OpenMCP-Broadcast/internal/web3"
	"OpenMCP-Broadcast/pkg/logger"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// PreviewBody 是 POST /api/v1/pending 的请求体，tx_base64 与 tx_hex 二选一。
type PreviewBody struct {
	Network    string          `json:"network"`
	TxBase64   string          `json:"tx_base64,omitempty"`
	TxHex      string          `json:"tx_hex,omitempty"`
	Summary    pending.Summary `json:"summary"`
	SourceTool string          `json:"source_tool,omitempty"`
	TTLMS      int64           `json:"ttl_ms,omitempty"`
}

// ConfirmBody 是 POST /api/v1/pending/{id}/confirm 的请求体。
type ConfirmBody struct {
	ContentHash  string `json:"content_hash"`
	ConfirmToken string `json:"confirm_token,omitempty"`
	AdminPubkey  string `json:"admin_pubkey,omitempty"`
	Commitment   string `json:"commitment,omitempty"`
	TimeoutMS    int64  `json:"timeout_ms,omitempty"`
	// AllowPreflightFailure 放行预执行失败的交易。
	AllowPreflightFailure bool `json:"allow_preflight_failure,omitempty"`
}

// CleanupBody 是 POST /api/v1/pending/cleanup 的请求体，可为空。
type CleanupBody struct {
	MaxAgeMS int64 `json:"max_age_ms,omitempty"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var body PreviewBody
	if !s.decode(w, r, pipeline.ToolPreview, &body, false) {
		return
	}
	raw, err := txBytes(body)
	if err != nil {
		s.writeError(w, r, guard.New(pipeline.ToolPreview, xerrors.CodeInvalidTransaction, err.Error()))
		return
	}
	res, err := s.pipeline.Preview(r.Context(), pipeline.PreviewRequest{
		Network:    body.Network,
		TxBytes:    raw,
		Summary:    body.Summary,
		SourceTool: body.SourceTool,
		TTL:        millis(body.TTLMS),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var body ConfirmBody
	if !s.decode(w, r, pipeline.ToolConfirm, &body, false) {
		return
	}
	out, err := s.pipeline.Confirm(r.Context(), pipeline.ConfirmRequest{
		ID:                    chi.URLParam(r, "id"),
		ContentHash:           body.ContentHash,
		ConfirmToken:          body.ConfirmToken,
		AdminPubkey:           body.AdminPubkey,
		Commitment:            web3.Commitment(body.Commitment),
		Timeout:               millis(body.TimeoutMS),
		AllowPreflightFailure: body.AllowPreflightFailure,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out.Status == pipeline.OutcomeTimedOut {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pipeline.ListRequest{
		Network:    q.Get("network"),
		SourceTool: q.Get("source_tool"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, guard.New(pipeline.ToolList, xerrors.CodeInvalidArgument, "limit must be an integer"))
			return
		}
		req.Limit = limit
	}
	for _, status := range strings.Split(q.Get("status"), ",") {
		if status = strings.TrimSpace(status); status != "" {
			req.Statuses = append(req.Statuses, pending.Status(status))
		}
	}
	entries, err := s.pipeline.ListPending(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "count": len(entries)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.GetPending(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var body CleanupBody
	if !s.decode(w, r, pipeline.ToolCleanup, &body, true) {
		return
	}
	res, err := s.pipeline.Cleanup(r.Context(), millis(body.MaxAgeMS))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decode 解析 JSON 请求体，失败时写出 INVALID_ARGUMENT 信封。
func (s *Server) decode(w http.ResponseWriter, r *http.Request, tool string, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	s.writeError(w, r, guard.New(tool, xerrors.CodeInvalidArgument, "请求体解析失败: "+err.Error()))
	return false
}

func txBytes(body PreviewBody) ([]byte, error) {
	switch {
	case body.TxBase64 != "" && body.TxHex != "":
		return nil, errors.New("pass either tx_base64 or tx_hex, not both")
	case body.TxBase64 != "":
		return base64.StdEncoding.DecodeString(strings.TrimSpace(body.TxBase64))
	case body.TxHex != "":
		v := strings.TrimSpace(body.TxHex)
		v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
		return hex.DecodeString(v)
	}
	return nil, errors.New("tx_base64 or tx_hex is required")
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeHashMismatch:
		return http.StatusConflict
	case xerrors.CodeTokenRequired:
		return http.StatusPreconditionRequired
	case xerrors.CodeTokenMismatch, xerrors.CodeApprovalBlocked, xerrors.CodeProgramDenied,
		xerrors.CodeProgramNotAllowed, xerrors.CodeSuspiciousMismatch:
		return http.StatusForbidden
	case xerrors.CodeInvalidTransaction, xerrors.CodeInvalidArgument, xerrors.CodeUnknownNetwork:
		return http.StatusBadRequest
	case xerrors.CodeSignatureMissing:
		return http.StatusUnprocessableEntity
	case xerrors.CodeSubmissionError:
		return http.StatusBadGateway
	case xerrors.CodeStorageFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if result, ok := guard.As(err); ok {
		writeJSON(w, statusFor(result.Code), result)
		return
	}
	code := xerrors.CodeOf(err)
	severity := xerrors.SeverityOf(err)
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.String("code", string(code)),
		slog.String("severity", string(severity)),
		slog.Bool("alert", xerrors.ShouldAlert(err)),
		slog.Any("error", err),
	}
	if e, ok := xerrors.From(err); ok {
		for k, v := range e.Metadata() {
			attrs = append(attrs, slog.String("meta."+k, v))
		}
	}
	level := slog.LevelWarn
	if severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	logger.FromContext(r.Context(), s.logger).Log(r.Context(), level, "请求处理失败", attrs...)
	writeJSON(w, statusFor(code), map[string]any{
		"ok":        false,
		"code":      code,
		"message":   xerrors.AttributesOf(code).Message,
		"retryable": xerrors.RetryableError(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// millis 把请求中的毫秒值转换为时长，非正值视为未指定，超大值饱和而不是溢出。
func millis(v int64) time.Duration {
	if v <= 0 {
		return 0
	}
	return config.Millis(v)
}
