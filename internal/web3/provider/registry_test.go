package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/web3"
	"OpenMCP-Broadcast/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

const chainYAML = `chains:
  sepolia:
    type: evm
    rpc_url: http://127.0.0.1:8545
    chain_id: 1337
    signer_key_env: TEST_SIGNER_KEY
  ethereum-mainnet:
    rpc_url: http://127.0.0.1:8546
    confirmations: 3
  devnet:
    rpc_url: http://127.0.0.1:8547
    protected: true
`

func simulatedDialer(t *testing.T) DialFunc {
	t.Helper()
	return func(context.Context, string, web3.ChainDefinition) (ethereum.Backend, func(), error) {
		backend := simulated.NewBackend(nil)
		return backend.Client(), func() { backend.Close() }, nil
	}
}

func TestRegistryResolvesNetworks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	if err := os.WriteFile(path, []byte(chainYAML), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}
	defs, err := web3.LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load chain config: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyHex := hexutil.Encode(crypto.FromECDSA(key))

	reg, err := NewRegistry(context.Background(), defs, "sepolia",
		WithDialer(simulatedDialer(t)),
		WithGetenv(func(name string) string {
			if name == "TEST_SIGNER_KEY" {
				return keyHex
			}
			return ""
		}))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if got := reg.Networks(); len(got) != 3 || got[0] != "devnet" {
		t.Fatalf("unexpected networks %v", got)
	}

	def, err := reg.Resolve("")
	if err != nil || def.Name != "sepolia" || def.Protected {
		t.Fatalf("default network resolution failed: %+v %v", def, err)
	}
	signer, ok := def.Signer.(*ethereum.Signer)
	if !ok || signer.Address() != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatal("expected local signer from environment")
	}

	mainnet, err := reg.Resolve("ethereum-mainnet")
	if err != nil || !mainnet.Protected {
		t.Fatalf("mainnet must be protected: %+v %v", mainnet, err)
	}
	devnet, err := reg.Resolve("devnet")
	if err != nil || !devnet.Protected {
		t.Fatalf("explicit protection lost: %+v %v", devnet, err)
	}

	_, err = reg.Resolve("nowhere")
	if !xerrors.IsCode(err, xerrors.CodeUnknownNetwork) {
		t.Fatalf("expected UNKNOWN_NETWORK, got %v", err)
	}
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	if _, err := NewRegistry(ctx, web3.ChainDefinitions{}, ""); err == nil {
		t.Fatal("expected error for empty chain set")
	}

	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{"x": {Type: "cosmos"}}}
	if _, err := NewRegistry(ctx, defs, "", WithDialer(simulatedDialer(t))); err == nil {
		t.Fatal("expected unsupported type error")
	}

	defs = web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{"x": {}}}
	if _, err := NewRegistry(ctx, defs, "y", WithDialer(simulatedDialer(t))); err == nil {
		t.Fatal("expected missing default error")
	}

	failing := func(context.Context, string, web3.ChainDefinition) (ethereum.Backend, func(), error) {
		return nil, nil, errors.New("boom")
	}
	if _, err := NewRegistry(ctx, defs, "", WithDialer(failing)); err == nil {
		t.Fatal("expected dial error")
	}
}
