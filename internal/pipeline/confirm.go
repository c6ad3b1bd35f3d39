package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/events"
	"OpenMCP-Broadcast/internal/guard"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/policy"
	"OpenMCP-Broadcast/internal/web3"
)

// ConfirmRequest 携带确认一笔暂存交易所需的全部凭据。
type ConfirmRequest struct {
	ID           string          `json:"id"`
	ContentHash  string          `json:"content_hash"`
	ConfirmToken string          `json:"confirm_token,omitempty"`
	AdminPubkey  string          `json:"admin_pubkey,omitempty"`
	Commitment   web3.Commitment `json:"commitment,omitempty"`
	// AllowPreflightFailure 为 true 时，预执行失败只记录在结果中，仍然广播。
	AllowPreflightFailure bool `json:"allow_preflight_failure,omitempty"`
	// Timeout 为 0 时使用默认等待时长。
	Timeout time.Duration `json:"-"`
}

// OutcomeStatus 是一次确认的终态。
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
	OutcomeFailed    OutcomeStatus = "failed"
)

// WaitDetail 描述轮询过程。
type WaitDetail struct {
	Polls         int          `json:"polls"`
	ElapsedMS     int64        `json:"elapsed_ms"`
	LastState     web3.TxState `json:"last_state,omitempty"`
	BlockNumber   uint64       `json:"block_number,omitempty"`
	Confirmations uint64       `json:"confirmations,omitempty"`
	LastPollError string       `json:"last_poll_error,omitempty"`
}

// Outcome 是广播后的结果。超时不是错误，而是允许用相同 ID 与哈希重试的状态。
type Outcome struct {
	Status                OutcomeStatus      `json:"status"`
	PendingConfirmationID string             `json:"pending_confirmation_id"`
	Network               string             `json:"network"`
	TxHash                string             `json:"tx_hash"`
	Commitment            web3.Commitment    `json:"commitment"`
	Error                 string             `json:"error,omitempty"`
	RevertReason          string             `json:"revert_reason,omitempty"`
	Wait                  WaitDetail         `json:"wait_detail"`
	AdminOverride         bool               `json:"admin_override,omitempty"`
	PolicyWarnings        []policy.Violation `json:"policy_warnings,omitempty"`
	PreflightError        string             `json:"preflight_error,omitempty"`
	NextAction            *guard.NextAction  `json:"next_action,omitempty"`
}

// confirmState 在各阶段之间传递。
type confirmState struct {
	req        ConfirmRequest
	commitment web3.Commitment
	timeout    time.Duration

	rec      *pending.Record
	network  *web3.Network
	signed   []byte
	decoded  *web3.DecodedTx
	decision policy.Decision
	txHash   string
	// preflightErr 记录被调用方放行的预执行失败。
	preflightErr string
}

type stage func(ctx context.Context, st *confirmState) error

// Confirm 依次执行加载、哈希、令牌、签名、解码比对、策略、签名检查、预执行、提交与轮询。
// 任一阶段失败立即返回：拒绝为 *guard.Result，存储故障为 *xerrors.Error。
// 提交之前的拒绝不会修改记录。
func (p *Pipeline) Confirm(ctx context.Context, req ConfirmRequest) (*Outcome, error) {
	commitment, err := web3.ParseCommitment(string(req.Commitment), p.cfg.DefaultCommitment)
	if err != nil {
		return nil, p.refuse(ctx, nil, guard.New(ToolConfirm, xerrors.CodeInvalidArgument, err.Error(),
			guard.WithHint("Use processed, confirmed or finalized.")))
	}
	st := &confirmState{req: req, commitment: commitment, timeout: p.clampTimeout(req.Timeout)}

	p.sweep(ctx)

	stages := []stage{
		p.load,
		p.checkHash,
		p.checkToken,
		p.sign,
		p.checkDecode,
		p.checkPolicy,
		p.checkSignature,
		p.preflight,
		p.submit,
	}
	for _, run := range stages {
		if err := run(ctx, st); err != nil {
			if result, ok := guard.As(err); ok {
				return nil, p.refuse(ctx, st.rec, result)
			}
			p.alertOnFailure(ctx, st.req.ID, st.rec, err)
			return nil, err
		}
	}
	out, err := p.await(ctx, st)
	if err != nil {
		p.alertOnFailure(ctx, st.req.ID, st.rec, err)
	}
	return out, err
}

func (p *Pipeline) load(ctx context.Context, st *confirmState) error {
	id := strings.TrimSpace(st.req.ID)
	if id == "" {
		return guard.New(ToolConfirm, xerrors.CodeInvalidArgument, "id is required")
	}
	rec, err := p.store.Get(ctx, id)
	if pending.IsNotFound(err) {
		return guard.New(ToolConfirm, xerrors.CodeNotFound, "", guard.WithDetail("id", id),
			guard.WithNextAction(ToolPreview, nil))
	}
	if err != nil {
		return err
	}
	network, err := p.networks.Resolve(rec.Network)
	if err != nil {
		return guard.New(ToolConfirm, xerrors.CodeUnknownNetwork, err.Error(), guard.WithDetail("network", rec.Network))
	}
	st.rec, st.network = rec, network
	return nil
}

// checkHash 要求调用方哈希、存储哈希与重新计算的哈希三者一致；拒绝时不泄露存储值。
func (p *Pipeline) checkHash(_ context.Context, st *confirmState) error {
	recomputed := pending.Hash(st.rec.TxBytes)
	if !pending.HashMatches(st.req.ContentHash, st.rec.ContentHash) || !pending.HashMatches(st.rec.ContentHash, recomputed) {
		return guard.New(ToolConfirm, xerrors.CodeHashMismatch, "content_hash does not match the pending record",
			guard.WithDetail("id", st.rec.ID))
	}
	return nil
}

func (p *Pipeline) checkToken(_ context.Context, st *confirmState) error {
	if !st.network.Protected {
		return nil
	}
	expected := pending.MakeConfirmToken(st.network.Family, st.rec.ID, st.rec.ContentHash)
	args := map[string]any{
		"id":            st.rec.ID,
		"content_hash":  st.rec.ContentHash,
		"confirm_token": expected,
	}
	given := strings.TrimSpace(st.req.ConfirmToken)
	if given == "" {
		return guard.New(ToolConfirm, xerrors.CodeTokenRequired,
			"network "+st.network.Name+" is protected and needs a confirm_token",
			guard.WithNextAction(ToolConfirm, args),
			guard.WithDetail("expected_confirm_token", expected))
	}
	if !pending.TokenMatches(expected, given) {
		return guard.New(ToolConfirm, xerrors.CodeTokenMismatch, "confirm_token does not match",
			guard.WithNextAction(ToolConfirm, args),
			guard.WithDetail("expected_confirm_token", expected))
	}
	return nil
}

func (p *Pipeline) sign(ctx context.Context, st *confirmState) error {
	signed, err := st.network.Signer.Sign(ctx, st.rec.TxBytes)
	if err != nil {
		return guard.New(ToolConfirm, xerrors.CodeInvalidTransaction, "signing failed: "+err.Error())
	}
	st.signed = signed
	return nil
}

// checkDecode 重新解码存储字节与签名后的字节，二者在策略依赖的字段上必须一致。
func (p *Pipeline) checkDecode(_ context.Context, st *confirmState) error {
	stored, err := st.network.Decoder.Decode(st.rec.TxBytes)
	if err != nil {
		return guard.New(ToolConfirm, xerrors.CodeInvalidTransaction, err.Error())
	}
	signed, err := st.network.Decoder.Decode(st.signed)
	if err != nil {
		return guard.New(ToolConfirm, xerrors.CodeSuspiciousMismatch, "signed bytes cannot be decoded: "+err.Error())
	}
	if !stored.SameIntent(signed) {
		return guard.New(ToolConfirm, xerrors.CodeSuspiciousMismatch, "signed transaction differs from the staged one",
			guard.WithDetail("staged_fingerprint", stored.Fingerprint),
			guard.WithDetail("signed_fingerprint", signed.Fingerprint))
	}
	st.decoded = signed
	return nil
}

func (p *Pipeline) checkPolicy(ctx context.Context, st *confirmState) error {
	summary := st.rec.Summary
	decision, err := p.policy.Evaluate(policy.Input{
		Tool:             ToolConfirm,
		Targets:          st.decoded.Targets,
		CreatesContract:  st.decoded.CreatesContract,
		Instructions:     st.decoded.Instructions,
		FeePayer:         st.decoded.FeePayer,
		Blocked:          summary.Blocked(),
		SummaryKind:      summary.Kind,
		ExpectedPrograms: summary.ExpectedPrograms,
		AdminPubkey:      st.req.AdminPubkey,
	})
	if err != nil {
		return err
	}
	st.decision = decision
	for _, w := range decision.Warnings {
		p.logger.Warn("策略告警已放行",
			slog.String("pending_id", st.rec.ID),
			slog.String("code", string(w.Code)),
			slog.String("message", w.Message),
		)
	}
	if decision.AdminOverride {
		p.auditFor(ctx).Info("admin_override",
			slog.String("pending_id", st.rec.ID),
			slog.String("admin_pubkey", st.req.AdminPubkey),
		)
		p.alert(ctx, xerrors.CodeApprovalBlocked, "blocked record confirmed by admin override", st.rec,
			map[string]string{"admin_pubkey": st.req.AdminPubkey})
	}
	return nil
}

func (p *Pipeline) checkSignature(_ context.Context, st *confirmState) error {
	if st.decoded.Signed && st.network.Signer.LooksSigned(st.signed) {
		return nil
	}
	return guard.New(ToolConfirm, xerrors.CodeSignatureMissing, "transaction has no signature and no local signer is configured",
		guard.WithDetail("network", st.network.Name))
}

// preflight 在广播前用待定区块状态预执行签名交易。已广播过的记录跳过预执行；
// 传输层故障只记日志，交易本身无法执行时拒绝，除非调用方显式放行。
func (p *Pipeline) preflight(ctx context.Context, st *confirmState) error {
	sim, ok := st.network.Submitter.(web3.Simulator)
	if !ok || previouslySubmitted(st.rec) {
		return nil
	}
	err := sim.Simulate(ctx, st.signed)
	if err == nil {
		return nil
	}
	sub := web3.ClassifySubmission(err, st.decoded.Hash)
	if !sub.WouldFail() {
		p.logger.Warn("预执行未能完成，继续广播",
			slog.String("pending_id", st.rec.ID),
			slog.String("class", string(sub.Class)),
			slog.Any("error", err),
		)
		return nil
	}

	message := "preflight: " + sub.Error()
	if uerr := p.store.UpdateStatus(context.WithoutCancel(ctx), st.rec.ID, pending.StatusUpdate{
		Status:    st.rec.Status,
		LastError: message,
	}); uerr != nil && !pending.IsNotFound(uerr) {
		p.logger.Error("记录预执行失败信息失败", slog.String("pending_id", st.rec.ID), slog.Any("error", uerr))
	}
	st.rec.LastError = message
	p.metrics.Submission(st.rec.Network, "preflight_"+string(sub.Class))

	if st.req.AllowPreflightFailure {
		st.preflightErr = sub.Error()
		p.auditFor(ctx).Info("preflight_overridden",
			slog.String("pending_id", st.rec.ID),
			slog.String("class", string(sub.Class)),
			slog.String("revert_reason", sub.RevertReason),
		)
		return nil
	}

	opts := []guard.Option{
		guard.WithDetail("error_class", string(sub.Class)),
		guard.WithDetail("retryable", sub.Retryable),
		guard.WithDetail("preflight", true),
		guard.WithHint("Fix the transaction, or confirm again with allow_preflight_failure to broadcast anyway"),
		guard.WithNextAction(ToolConfirm, map[string]any{
			"id":                      st.rec.ID,
			"content_hash":            st.rec.ContentHash,
			"allow_preflight_failure": true,
		}),
	}
	if sub.RevertReason != "" {
		opts = append(opts, guard.WithDetail("revert_reason", sub.RevertReason))
	}
	return guard.New(ToolConfirm, xerrors.CodeSubmissionError, message, opts...)
}

// previouslySubmitted 报告记录是否已被广播过；被节点拒绝过的记录不算。
func previouslySubmitted(rec *pending.Record) bool {
	return rec.TxHash != "" && rec.Status != pending.StatusFailed
}

// submit 标记 SENDING 并广播。节点回复已知交易时视为已广播，继续轮询。
func (p *Pipeline) submit(ctx context.Context, st *confirmState) error {
	submittedBefore := previouslySubmitted(st.rec)
	if err := p.store.UpdateStatus(ctx, st.rec.ID, pending.StatusUpdate{
		Status:    pending.StatusSending,
		TxHash:    st.decoded.Hash,
		Attempted: true,
	}); err != nil {
		if pending.IsNotFound(err) {
			return guard.New(ToolConfirm, xerrors.CodeNotFound, "", guard.WithDetail("id", st.rec.ID))
		}
		return err
	}
	st.rec.Attempts++

	txHash, err := st.network.Submitter.Submit(ctx, st.signed)
	if txHash == "" {
		txHash = st.decoded.Hash
	}
	st.txHash = txHash
	st.rec.TxHash = txHash
	if err == nil {
		p.metrics.Submission(st.rec.Network, "ok")
		p.auditFor(ctx).Info("submitted",
			slog.String("pending_id", st.rec.ID),
			slog.String("network", st.rec.Network),
			slog.String("tx_hash", txHash),
			slog.Int("attempts", st.rec.Attempts),
		)
		p.publish(ctx, events.TypeSubmitted, st.rec, nil)
		return nil
	}

	sub := web3.ClassifySubmission(err, txHash)
	p.metrics.Submission(st.rec.Network, string(sub.Class))
	if web3.IsAlreadySubmitted(sub, submittedBefore) {
		p.logger.Info("节点已持有该交易，继续轮询",
			slog.String("pending_id", st.rec.ID),
			slog.String("tx_hash", txHash),
			slog.String("class", string(sub.Class)),
		)
		return nil
	}

	if uerr := p.store.UpdateStatus(context.WithoutCancel(ctx), st.rec.ID, pending.StatusUpdate{
		Status:    pending.StatusFailed,
		TxHash:    txHash,
		LastError: sub.Error(),
	}); uerr != nil && !pending.IsNotFound(uerr) {
		p.logger.Error("记录提交失败状态失败", slog.String("pending_id", st.rec.ID), slog.Any("error", uerr))
	}
	p.alert(ctx, xerrors.CodeSubmissionError, sub.Error(), st.rec, map[string]string{
		"error_class": string(sub.Class),
		"retryable":   boolString(sub.Retryable),
	})
	opts := []guard.Option{
		guard.WithDetail("error_class", string(sub.Class)),
		guard.WithDetail("retryable", sub.Retryable),
		guard.WithDetail("tx_hash", txHash),
		guard.WithDetail("attempts", st.rec.Attempts),
	}
	if sub.Hint != "" {
		opts = append(opts, guard.WithHint(sub.Hint))
	}
	if sub.RevertReason != "" {
		opts = append(opts, guard.WithDetail("revert_reason", sub.RevertReason))
	}
	if sub.Retryable {
		opts = append(opts, guard.WithNextAction(ToolConfirm, map[string]any{
			"id":           st.rec.ID,
			"content_hash": st.rec.ContentHash,
		}))
	}
	return guard.New(ToolConfirm, xerrors.CodeSubmissionError, sub.Error(), opts...)
}

// await 立即轮询一次，之后按固定间隔轮询，直到终态、超时或调用方取消。
func (p *Pipeline) await(ctx context.Context, st *confirmState) (*Outcome, error) {
	out := &Outcome{
		PendingConfirmationID: st.rec.ID,
		Network:               st.rec.Network,
		TxHash:                st.txHash,
		Commitment:            st.commitment,
		AdminOverride:         st.decision.AdminOverride,
		PolicyWarnings:        st.decision.Warnings,
		PreflightError:        st.preflightErr,
	}
	started := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

poll:
	for {
		status, err := st.network.Submitter.PollStatus(waitCtx, st.txHash, st.commitment)
		out.Wait.Polls++
		if err != nil {
			if waitCtx.Err() != nil {
				break poll
			}
			out.Wait.LastPollError = err.Error()
		} else {
			out.Wait.LastState = status.State
			out.Wait.BlockNumber = status.BlockNumber
			out.Wait.Confirmations = status.Confirmations
			switch status.State {
			case web3.TxConfirmed:
				out.Status = OutcomeConfirmed
				out.Wait.ElapsedMS = time.Since(started).Milliseconds()
				return p.finish(ctx, st, out)
			case web3.TxFailed:
				out.Status = OutcomeFailed
				out.RevertReason = status.RevertReason
				out.Error = "transaction reverted on chain"
				if status.RevertReason != "" {
					out.Error += ": " + status.RevertReason
				}
				out.Wait.ElapsedMS = time.Since(started).Milliseconds()
				return p.finish(ctx, st, out)
			}
		}

		select {
		case <-waitCtx.Done():
			break poll
		case <-ticker.C:
		}
	}

	out.Status = OutcomeTimedOut
	out.Error = string(xerrors.CodeTimeout)
	out.Wait.ElapsedMS = time.Since(started).Milliseconds()
	if errors.Is(ctx.Err(), context.Canceled) {
		out.Error = "caller cancelled while waiting"
	}
	out.NextAction = &guard.NextAction{Tool: ToolConfirm, Args: map[string]any{
		"id":           st.rec.ID,
		"content_hash": st.rec.ContentHash,
		"commitment":   string(st.commitment),
	}}
	return p.finish(ctx, st, out)
}

// finish 落地终态：确认或链上失败删除记录，超时保留记录与交易哈希。
func (p *Pipeline) finish(ctx context.Context, st *confirmState, out *Outcome) (*Outcome, error) {
	bg := context.WithoutCancel(ctx)
	var evt events.Type
	switch out.Status {
	case OutcomeConfirmed, OutcomeFailed:
		if err := p.store.Remove(bg, st.rec.ID); err != nil {
			return nil, err
		}
		evt = events.TypeConfirmed
		if out.Status == OutcomeFailed {
			evt = events.TypeFailed
		}
	case OutcomeTimedOut:
		if err := p.store.UpdateStatus(bg, st.rec.ID, pending.StatusUpdate{
			Status:    pending.StatusTimedOut,
			TxHash:    st.txHash,
			LastError: out.Error,
		}); err != nil && !pending.IsNotFound(err) {
			return nil, err
		}
		evt = events.TypeTimedOut
	}

	p.metrics.Outcome(st.rec.Network, string(out.Status), time.Duration(out.Wait.ElapsedMS)*time.Millisecond)
	p.auditFor(ctx).Info("confirm",
		slog.String("pending_id", st.rec.ID),
		slog.String("network", st.rec.Network),
		slog.String("status", string(out.Status)),
		slog.String("tx_hash", out.TxHash),
		slog.String("commitment", string(out.Commitment)),
		slog.Int("polls", out.Wait.Polls),
		slog.Bool("admin_override", out.AdminOverride),
	)
	p.publish(bg, evt, st.rec, func(e *events.Event) {
		if out.RevertReason != "" {
			e.Details = map[string]any{"revert_reason": out.RevertReason}
		}
	})
	return out, nil
}

func (p *Pipeline) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return p.cfg.DefaultTimeout
	}
	if timeout > p.cfg.MaxTimeout {
		return p.cfg.MaxTimeout
	}
	return timeout
}
