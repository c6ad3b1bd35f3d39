package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/events"
	"OpenMCP-Broadcast/internal/guard"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/web3"
)

// PreviewRequest 是暂存一笔交易所需的输入。
type PreviewRequest struct {
	Network    string          `json:"network"`
	TxBytes    []byte          `json:"tx_base64"`
	Summary    pending.Summary `json:"summary"`
	SourceTool string          `json:"source_tool,omitempty"`
	// TTL 为 0 时使用默认租约。
	TTL time.Duration `json:"-"`
}

// PreviewResult 返回给调用方，调用方只持有 ID 与哈希。
type PreviewResult struct {
	PendingConfirmationID string            `json:"pending_confirmation_id"`
	ContentHash           string            `json:"content_hash"`
	Network               string            `json:"network"`
	ExpiresInMS           int64             `json:"expires_in_ms"`
	ExpiresAtMS           int64             `json:"expires_at_ms"`
	ConfirmToken          string            `json:"confirm_token,omitempty"`
	Summary               pending.Summary   `json:"summary"`
	Decoded               *web3.DecodedTx   `json:"decoded"`
	NextAction            *guard.NextAction `json:"next_action"`
}

// Preview 解码并暂存交易，返回确认所需的句柄。交易此时不会被广播。
func (p *Pipeline) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	if len(req.TxBytes) == 0 {
		return nil, p.refuse(ctx, nil, guard.New(ToolPreview, xerrors.CodeInvalidTransaction, "tx bytes are empty"))
	}
	network, err := p.networks.Resolve(req.Network)
	if err != nil {
		return nil, p.refuse(ctx, nil, guard.New(ToolPreview, xerrors.CodeUnknownNetwork, err.Error(),
			guard.WithDetail("network", req.Network)))
	}
	approval, err := pending.ParseApprovalStatus(string(req.Summary.ApprovalStatus))
	if err != nil {
		return nil, p.refuse(ctx, nil, guard.New(ToolPreview, xerrors.CodeInvalidArgument,
			"approval_status must be normal or blocked",
			guard.WithDetail("approval_status", string(req.Summary.ApprovalStatus))))
	}
	decoded, err := network.Decoder.Decode(req.TxBytes)
	if err != nil {
		return nil, p.refuse(ctx, nil, guard.New(ToolPreview, xerrors.CodeInvalidTransaction, err.Error(),
			guard.WithDetail("network", network.Name)))
	}

	p.sweep(ctx)

	now := p.now()
	ttl := p.clampTTL(req.TTL)
	hash := pending.Hash(req.TxBytes)
	sourceTool := strings.TrimSpace(req.SourceTool)
	if sourceTool == "" {
		sourceTool = ToolPreview
	}
	rec := &pending.Record{
		ID:          pending.NewID(network.Family, network.Name, hash),
		Network:     network.Name,
		TxBytes:     append([]byte(nil), req.TxBytes...),
		ContentHash: hash,
		CreatedAt:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
		ExpiresAt:   now.Add(ttl).UnixMilli(),
		SourceTool:  sourceTool,
		Summary:     req.Summary,
		Status:      pending.StatusPending,
	}
	rec.Summary.ApprovalStatus = approval
	if err := p.carryOverSubmission(ctx, rec); err != nil {
		return nil, err
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	result := &PreviewResult{
		PendingConfirmationID: rec.ID,
		ContentHash:           hash,
		Network:               rec.Network,
		ExpiresInMS:           ttl.Milliseconds(),
		ExpiresAtMS:           rec.ExpiresAt,
		Summary:               rec.Summary,
		Decoded:               decoded,
	}
	args := map[string]any{"id": rec.ID, "content_hash": hash}
	if network.Protected {
		result.ConfirmToken = pending.MakeConfirmToken(network.Family, rec.ID, hash)
		args["confirm_token"] = result.ConfirmToken
	}
	result.NextAction = &guard.NextAction{Tool: ToolConfirm, Args: args}

	p.metrics.Preview(rec.Network)
	p.auditFor(ctx).Info("preview",
		slog.String("pending_id", rec.ID),
		slog.String("network", rec.Network),
		slog.String("content_hash", hash),
		slog.String("source_tool", rec.SourceTool),
		slog.String("kind", rec.Summary.Kind),
		slog.String("approval_status", string(rec.Summary.ApprovalStatus)),
		slog.Int64("expires_at_ms", rec.ExpiresAt),
	)
	p.publish(ctx, events.TypeStaged, rec, nil)
	return result, nil
}

// carryOverSubmission 在重新暂存相同字节时保留已广播的交易哈希、状态与尝试次数，
// 否则确认阶段会丢失"已提交"的依据并可能重复广播。
func (p *Pipeline) carryOverSubmission(ctx context.Context, rec *pending.Record) error {
	existing, err := p.store.Get(ctx, rec.ID)
	if pending.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.TxHash == "" {
		return nil
	}
	rec.TxHash = existing.TxHash
	rec.Status = existing.Status
	rec.Attempts = existing.Attempts
	rec.LastError = existing.LastError
	return nil
}

func (p *Pipeline) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > p.cfg.MaxTTL {
		ttl = p.cfg.MaxTTL
	}
	return ttl
}
