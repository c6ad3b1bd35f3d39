package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"OpenMCP-Broadcast/internal/observability/alerting"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/web3"
)

const (
	sender    = "0xabcdef0000000000000000000000000000000001"
	recipient = "0x000000000000000000000000000000000000dEaD"
	router    = "0x1111111111111111111111111111111111111111"
)

// 测试交易格式：tx|<to>|<amount>，签名后加 sig| 前缀。
func rawTx(to, amount string) []byte {
	return []byte("tx|" + to + "|" + amount)
}

type fakeDecoder struct{}

func (fakeDecoder) Decode(raw []byte) (*web3.DecodedTx, error) {
	body := string(raw)
	signed := strings.HasPrefix(body, "sig|")
	body = strings.TrimPrefix(body, "sig|")
	parts := strings.Split(body, "|")
	if len(parts) != 3 || parts[0] != "tx" {
		return nil, errors.New("malformed transaction")
	}
	out := &web3.DecodedTx{
		ChainID:     "1337",
		Fingerprint: pending.Hash([]byte(body)),
		Hash:        "0x" + pending.Hash(raw),
		Signed:      signed,
		Targets:     []string{parts[1]},
	}
	inst := web3.Instruction{Kind: web3.KindNativeTransfer, Program: parts[1], Recipient: parts[1], Amount: parts[2]}
	if signed {
		out.FeePayer = sender
		inst.Authority = sender
	}
	out.Instructions = []web3.Instruction{inst}
	return out, nil
}

type fakeSigner struct {
	hasKey bool
	// tamper 非空时签名结果替换为另一笔交易。
	tamper []byte
}

func (s fakeSigner) Sign(_ context.Context, raw []byte) ([]byte, error) {
	if s.tamper != nil {
		return append([]byte("sig|"), s.tamper...), nil
	}
	if !s.hasKey || s.LooksSigned(raw) {
		return raw, nil
	}
	return append([]byte("sig|"), raw...), nil
}

func (fakeSigner) LooksSigned(raw []byte) bool {
	return strings.HasPrefix(string(raw), "sig|")
}

type fakeSubmitter struct {
	mu         sync.Mutex
	submitErrs []error
	statuses   []web3.TxStatus
	submitted  [][]byte
	polls      int
	simErr     error
	simulated  int
}

func (s *fakeSubmitter) Simulate(_ context.Context, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.simulated++
	return s.simErr
}

func (s *fakeSubmitter) Submit(_ context.Context, raw []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, append([]byte(nil), raw...))
	var err error
	if len(s.submitErrs) > 0 {
		err, s.submitErrs = s.submitErrs[0], s.submitErrs[1:]
	}
	return "0x" + pending.Hash(raw), err
}

// PollStatus 依次返回预设状态，最后一个状态会一直重复。
func (s *fakeSubmitter) PollStatus(_ context.Context, _ string, _ web3.Commitment) (web3.TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if len(s.statuses) == 0 {
		return web3.TxStatus{State: web3.TxPending}, nil
	}
	st := s.statuses[0]
	if len(s.statuses) > 1 {
		s.statuses = s.statuses[1:]
	}
	return st, nil
}

func (s *fakeSubmitter) setStatuses(statuses ...web3.TxStatus) {
	s.mu.Lock()
	s.statuses = statuses
	s.mu.Unlock()
}

func (s *fakeSubmitter) submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) snapshot() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event(nil), d.events...)
}
