package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"OpenMCP-Broadcast/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var simulatedChainID = big.NewInt(1337)

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func newSimulated(t *testing.T, funded ...common.Address) *simulated.Backend {
	t.Helper()
	alloc := coretypes.GenesisAlloc{}
	for _, addr := range funded {
		alloc[addr] = coretypes.Account{Balance: new(big.Int).Mul(big.NewInt(1_000_000_000), big.NewInt(1_000_000_000_000))}
	}
	backend := simulated.NewBackend(alloc)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func unsignedTx(t *testing.T, nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) []byte {
	t.Helper()
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   simulatedChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1_000_000_000),
		GasFeeCap: big.NewInt(10_000_000_000),
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	return raw
}

func signRaw(t *testing.T, key *ecdsa.PrivateKey, raw []byte) []byte {
	t.Helper()
	signed, err := NewSigner(key, simulatedChainID).Sign(context.Background(), raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestDecodeNativeTransferAcrossSigning(t *testing.T) {
	key, from := newKey(t)
	_, to := newKey(t)
	raw := unsignedTx(t, 0, &to, big.NewInt(42), 21_000, nil)

	decoder := NewDecoder(simulatedChainID)
	unsigned, err := decoder.Decode(raw)
	if err != nil {
		t.Fatalf("decode unsigned: %v", err)
	}
	if unsigned.Signed || unsigned.FeePayer != "" || unsigned.Hash != "" {
		t.Fatalf("unsigned decode leaked signature fields: %+v", unsigned)
	}
	if len(unsigned.Instructions) != 1 || unsigned.Instructions[0].Kind != web3.KindNativeTransfer {
		t.Fatalf("unexpected instructions %+v", unsigned.Instructions)
	}
	if unsigned.Instructions[0].Amount != "42" || unsigned.Targets[0] != to.Hex() {
		t.Fatalf("unexpected transfer fields %+v", unsigned.Instructions[0])
	}

	signer := NewSigner(key, simulatedChainID)
	if signer.LooksSigned(raw) {
		t.Fatal("unsigned bytes reported as signed")
	}
	signedRaw := signRaw(t, key, raw)
	if !signer.LooksSigned(signedRaw) {
		t.Fatal("signed bytes reported as unsigned")
	}
	again, err := signer.Sign(context.Background(), signedRaw)
	if err != nil || string(again) != string(signedRaw) {
		t.Fatal("signing already signed bytes must be a no-op")
	}

	signed, err := decoder.Decode(signedRaw)
	if err != nil {
		t.Fatalf("decode signed: %v", err)
	}
	if !signed.Signed || signed.FeePayer != from.Hex() || signed.Instructions[0].Authority != from.Hex() {
		t.Fatalf("sender not recovered: %+v", signed)
	}
	if signed.Fingerprint != unsigned.Fingerprint {
		t.Fatalf("fingerprint changed across signing: %s vs %s", signed.Fingerprint, unsigned.Fingerprint)
	}
	if !signed.SameIntent(unsigned) {
		t.Fatal("signed and unsigned forms must share intent")
	}
}

func TestPassthroughSignerLeavesBytes(t *testing.T) {
	_, to := newKey(t)
	raw := unsignedTx(t, 0, &to, big.NewInt(1), 21_000, nil)
	signer, err := SignerFromHex("", simulatedChainID)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	out, err := signer.Sign(context.Background(), raw)
	if err != nil || string(out) != string(raw) {
		t.Fatalf("passthrough signer changed bytes: %v", err)
	}
	if signer.Address() != "" {
		t.Fatal("passthrough signer has no address")
	}
}

func TestDecodeERC20Shapes(t *testing.T) {
	key, sender := newKey(t)
	_, token := newKey(t)
	_, owner := newKey(t)
	_, spender := newKey(t)
	decoder := NewDecoder(simulatedChainID)

	cases := []struct {
		name      string
		method    string
		args      []any
		kind      web3.InstructionKind
		authority common.Address
	}{
		{"transfer", "transfer", []any{spender, big.NewInt(5)}, web3.KindTokenTransfer, sender},
		{"approve", "approve", []any{spender, big.NewInt(5)}, web3.KindTokenApprove, sender},
		{"revoke", "approve", []any{spender, big.NewInt(0)}, web3.KindTokenRevoke, sender},
		{"transferFrom", "transferFrom", []any{owner, spender, big.NewInt(5)}, web3.KindTokenTransferFrom, owner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := erc20.Pack(tc.method, tc.args...)
			if err != nil {
				t.Fatalf("pack: %v", err)
			}
			raw := signRaw(t, key, unsignedTx(t, 1, &token, big.NewInt(0), 80_000, data))
			decoded, err := decoder.Decode(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			inst := decoded.Instructions[0]
			if inst.Kind != tc.kind {
				t.Fatalf("expected %s, got %s", tc.kind, inst.Kind)
			}
			if inst.Authority != tc.authority.Hex() {
				t.Fatalf("expected authority %s, got %s", tc.authority.Hex(), inst.Authority)
			}
			if inst.Program != token.Hex() || !inst.Kind.KnownShape() {
				t.Fatalf("unexpected program %s", inst.Program)
			}
		})
	}
}

func TestDecodeUnknownCallAndCreation(t *testing.T) {
	_, target := newKey(t)
	decoder := NewDecoder(nil)

	call, err := decoder.Decode(unsignedTx(t, 0, &target, big.NewInt(0), 90_000, []byte{0xde, 0xad, 0xbe, 0xef, 0x01}))
	if err != nil {
		t.Fatalf("decode call: %v", err)
	}
	if call.Instructions[0].Kind != web3.KindContractCall || call.Instructions[0].Selector != "0xdeadbeef" {
		t.Fatalf("unexpected call decode %+v", call.Instructions[0])
	}

	create, err := decoder.Decode(unsignedTx(t, 0, nil, big.NewInt(0), 90_000, []byte{0x60, 0x00}))
	if err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if !create.CreatesContract || len(create.Targets) != 0 {
		t.Fatalf("creation must have no resolvable target: %+v", create)
	}
}

func TestDecodeRejectsForeignChainAndGarbage(t *testing.T) {
	_, to := newKey(t)
	raw := unsignedTx(t, 0, &to, big.NewInt(1), 21_000, nil)
	if _, err := NewDecoder(big.NewInt(1)).Decode(raw); err == nil {
		t.Fatal("expected chain id mismatch")
	}
	if _, err := NewDecoder(nil).Decode([]byte("not a transaction")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := NewDecoder(nil).Decode(nil); err == nil {
		t.Fatal("expected error for empty bytes")
	}
}

func TestSubmitAndPollOnSimulatedBackend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, from := newKey(t)
	_, to := newKey(t)
	backend := newSimulated(t, from)
	client := backend.Client()

	processed := NewSubmitter(client, simulatedChainID, 1)
	deep := NewSubmitter(client, simulatedChainID, 2)

	raw := signRaw(t, key, unsignedTx(t, 0, &to, big.NewInt(1_000), 21_000, nil))
	hash, err := processed.Submit(ctx, raw)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	status, err := processed.PollStatus(ctx, hash, web3.CommitmentProcessed)
	if err != nil || status.State != web3.TxPending {
		t.Fatalf("expected pending before mining, got %+v %v", status, err)
	}

	_, err = processed.Submit(ctx, raw)
	if err == nil {
		t.Fatal("expected duplicate submission to be rejected")
	}
	if !web3.IsAlreadySubmitted(err, false) {
		t.Fatalf("duplicate submission must read as already known, got %v", err)
	}

	backend.Commit()

	status, err = processed.PollStatus(ctx, hash, web3.CommitmentProcessed)
	if err != nil || status.State != web3.TxConfirmed {
		t.Fatalf("expected processed, got %+v %v", status, err)
	}
	status, err = deep.PollStatus(ctx, hash, web3.CommitmentConfirmed)
	if err != nil || status.State != web3.TxPending || status.Confirmations != 1 {
		t.Fatalf("expected one confirmation, got %+v %v", status, err)
	}

	backend.Commit()
	status, err = deep.PollStatus(ctx, hash, web3.CommitmentConfirmed)
	if err != nil || status.State != web3.TxConfirmed || status.Confirmations != 2 {
		t.Fatalf("expected two confirmations, got %+v %v", status, err)
	}

	_, err = processed.Submit(ctx, raw)
	if err == nil {
		t.Fatal("expected mined transaction to be rejected")
	}
	if !web3.IsAlreadySubmitted(err, true) {
		t.Fatalf("mined resubmission must read as already submitted, got %v", err)
	}
}

func TestSubmitClassifiesInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	key, _ := newKey(t)
	_, to := newKey(t)
	backend := newSimulated(t)

	raw := signRaw(t, key, unsignedTx(t, 0, &to, big.NewInt(1_000), 21_000, nil))
	hash, err := NewSubmitter(backend.Client(), simulatedChainID, 1).Submit(ctx, raw)
	var sub *web3.SubmissionError
	if !errors.As(err, &sub) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if sub.Class != web3.ClassInsufficientFunds || sub.Retryable {
		t.Fatalf("unexpected classification %+v", sub)
	}
	if hash == "" || sub.TxHash != hash {
		t.Fatalf("local hash must be reported, got %q / %q", hash, sub.TxHash)
	}
}

func TestPollReportsRevert(t *testing.T) {
	ctx := context.Background()
	key, from := newKey(t)
	backend := newSimulated(t, from)
	submitter := NewSubmitter(backend.Client(), simulatedChainID, 1)

	// PUSH1 0 PUSH1 0 REVERT
	raw := signRaw(t, key, unsignedTx(t, 0, nil, big.NewInt(0), 100_000, []byte{0x60, 0x00, 0x60, 0x00, 0xfd}))
	hash, err := submitter.Submit(ctx, raw)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.Commit()

	status, err := submitter.PollStatus(ctx, hash, web3.CommitmentConfirmed)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.State != web3.TxFailed {
		t.Fatalf("expected failed, got %+v", status)
	}
}

type finalityBackend struct {
	Backend
	receiptBlock int64
	finalized    int64
}

func (f *finalityBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	if f.receiptBlock == 0 {
		return nil, gethcore.NotFound
	}
	return &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(f.receiptBlock)}, nil
}

func (f *finalityBackend) HeaderByNumber(_ context.Context, number *big.Int) (*coretypes.Header, error) {
	if number != nil && number.Sign() < 0 {
		return &coretypes.Header{Number: big.NewInt(f.finalized)}, nil
	}
	return &coretypes.Header{Number: big.NewInt(f.receiptBlock + 100)}, nil
}

func TestPollFinalizedWaitsForFinalizedHead(t *testing.T) {
	backend := &finalityBackend{receiptBlock: 50, finalized: 49}
	submitter := NewSubmitter(backend, simulatedChainID, 1)

	status, err := submitter.PollStatus(context.Background(), "0x01", web3.CommitmentFinalized)
	if err != nil || status.State != web3.TxPending {
		t.Fatalf("expected pending before finalization, got %+v %v", status, err)
	}
	backend.finalized = 50
	status, err = submitter.PollStatus(context.Background(), "0x01", web3.CommitmentFinalized)
	if err != nil || status.State != web3.TxConfirmed {
		t.Fatalf("expected finalized, got %+v %v", status, err)
	}

	backend.receiptBlock = 0
	status, err = submitter.PollStatus(context.Background(), "0x01", web3.CommitmentFinalized)
	if err != nil || status.State != web3.TxPending {
		t.Fatalf("missing receipt must be pending, got %+v %v", status, err)
	}
}

func TestRevertReasonFallsBackToMessage(t *testing.T) {
	if got := RevertReason(errors.New("execution reverted: paused")); got != "paused" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := RevertReason(nil); got != "" {
		t.Fatalf("unexpected reason %q", got)
	}
	if !strings.HasPrefix(erc20.Methods["transfer"].Sig, "transfer(") {
		t.Fatal("erc20 abi not loaded")
	}
}

func TestSimulateOnSimulatedBackend(t *testing.T) {
	ctx := context.Background()
	key, from := newKey(t)
	_, to := newKey(t)
	backend := newSimulated(t, from)
	submitter := NewSubmitter(backend.Client(), simulatedChainID, 1)

	transfer := signRaw(t, key, unsignedTx(t, 0, &to, big.NewInt(1_000), 21_000, nil))
	if err := submitter.Simulate(ctx, transfer); err != nil {
		t.Fatalf("transfer should simulate cleanly: %v", err)
	}

	// PUSH1 0 PUSH1 0 REVERT
	reverting := signRaw(t, key, unsignedTx(t, 0, nil, big.NewInt(0), 100_000, []byte{0x60, 0x00, 0x60, 0x00, 0xfd}))
	err := submitter.Simulate(ctx, reverting)
	var sub *web3.SubmissionError
	if !errors.As(err, &sub) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if sub.Class != web3.ClassExecutionReverted || sub.Retryable || !sub.WouldFail() {
		t.Fatalf("unexpected classification %+v", sub)
	}
	if sub.TxHash == "" {
		t.Fatal("simulation must report the local hash")
	}
}

type revertDataError struct{ data string }

func (e revertDataError) Error() string          { return "execution reverted" }
func (e revertDataError) ErrorData() interface{} { return e.data }

type revertingBackend struct {
	Backend
	err  error
	msgs []gethcore.CallMsg
	at   []*big.Int
}

func (r *revertingBackend) CallContract(_ context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	r.msgs = append(r.msgs, msg)
	r.at = append(r.at, block)
	return nil, r.err
}

func TestSimulateDecodesRevertReasonAtPendingBlock(t *testing.T) {
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("abi type: %v", err)
	}
	packed, err := abi.Arguments{{Type: stringType}}.Pack("paused")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	payload := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	backend := &revertingBackend{err: revertDataError{data: hexutil.Encode(payload)}}

	key, from := newKey(t)
	_, to := newKey(t)
	raw := signRaw(t, key, unsignedTx(t, 3, &to, big.NewInt(5), 60_000, []byte{0xde, 0xad, 0xbe, 0xef}))

	err = NewSubmitter(backend, simulatedChainID, 1).Simulate(context.Background(), raw)
	var sub *web3.SubmissionError
	if !errors.As(err, &sub) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if sub.Class != web3.ClassExecutionReverted || sub.RevertReason != "paused" {
		t.Fatalf("unexpected classification %+v", sub)
	}
	if len(backend.msgs) != 1 || backend.msgs[0].From != from || *backend.msgs[0].To != to || backend.msgs[0].Gas != 60_000 {
		t.Fatalf("unexpected call message %+v", backend.msgs)
	}
	if backend.at[0].Int64() != int64(gethrpc.PendingBlockNumber) {
		t.Fatalf("expected pending block, got %v", backend.at[0])
	}

	backend.err = errors.New("connection refused")
	err = NewSubmitter(backend, simulatedChainID, 1).Simulate(context.Background(), raw)
	if !errors.As(err, &sub) || sub.Class != web3.ClassRPCUnavailable || sub.WouldFail() {
		t.Fatalf("transport failure must not read as a failing transaction, got %v", err)
	}
}
