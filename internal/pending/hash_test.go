package pending

import (
	"strings"
	"testing"
)

func TestHashIsStable(t *testing.T) {
	payload := []byte{0x02, 0xf8, 0x6b, 0x82, 0x05, 0x39}
	first := Hash(payload)
	for i := 0; i < 5; i++ {
		if got := Hash(append([]byte(nil), payload...)); got != first {
			t.Fatalf("hash changed between calls: %s vs %s", got, first)
		}
	}
	// sha256("abc") is fixed across processes and releases.
	if got := Hash([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", got)
	}
}

func TestHashChangesOnSingleByte(t *testing.T) {
	payload := []byte("transfer 1 eth to 0xdead")
	base := Hash(payload)
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if Hash(mutated) == base {
			t.Fatalf("flipping byte %d kept the digest", i)
		}
	}
}

func TestConfirmToken(t *testing.T) {
	hash := Hash([]byte("tx"))
	id := NewID("evm", "mainnet", hash)

	token := MakeConfirmToken("evm", id, hash)
	if token != MakeConfirmToken("evm", id, hash) {
		t.Fatal("token must be deterministic")
	}
	if !strings.HasPrefix(token, "0x") || len(token) != 66 {
		t.Fatalf("unexpected token format %q", token)
	}
	if token == MakeConfirmToken("evm", id+"x", hash) {
		t.Fatal("token must depend on id")
	}
	if token == MakeConfirmToken("evm", id, Hash([]byte("tx2"))) {
		t.Fatal("token must depend on hash")
	}
	if !TokenMatches(token, strings.ToUpper(strings.TrimPrefix(token, "0x"))) {
		t.Fatal("token comparison should ignore case and prefix")
	}
	if TokenMatches(token, "") || TokenMatches("", "") {
		t.Fatal("empty tokens never match")
	}
}

func TestNewIDIsContentDerived(t *testing.T) {
	hash := Hash([]byte("tx"))
	if NewID("evm", "sepolia", hash) != NewID("evm", "sepolia", strings.ToUpper(hash)) {
		t.Fatal("id must be stable for identical content")
	}
	if NewID("evm", "sepolia", hash) == NewID("evm", "mainnet", hash) {
		t.Fatal("id must be scoped to the network")
	}
	if !strings.HasPrefix(NewID("evm", "sepolia", hash), "evm_confirm_") {
		t.Fatal("unexpected id prefix")
	}
}
