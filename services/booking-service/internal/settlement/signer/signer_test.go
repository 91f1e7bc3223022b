package signer

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestWalletFromMnemonic_KnownAccount(t *testing.T) {
	w, err := WalletFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if w.Address() != want {
		t.Fatalf("expected %s, got %s", want.Hex(), w.Address().Hex())
	}

	second, err := WalletFromMnemonicPath(testMnemonic, []uint32{44 | hardened, 60 | hardened, 0 | hardened, 0, 1})
	if err != nil {
		t.Fatalf("derive index 1: %v", err)
	}
	if second.Address() != common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8") {
		t.Fatalf("unexpected second account %s", second.Address().Hex())
	}
}

func TestWalletFromMnemonic_Whitespace(t *testing.T) {
	w, err := WalletFromMnemonic("  " + strings.ReplaceAll(testMnemonic, " ", "\n ") + " ")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if w.Address() != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Fatalf("whitespace changed derived account: %s", w.Address().Hex())
	}
}

func TestWalletFromMnemonic_RejectsInvalidPhrases(t *testing.T) {
	cases := []struct {
		name   string
		phrase string
	}{
		{name: "too short", phrase: "too short"},
		{name: "unknown words", phrase: strings.TrimSpace(strings.Repeat("notaword ", 12))},
		{name: "bad checksum", phrase: strings.TrimSpace(strings.Repeat("test ", 12))},
		{name: "empty", phrase: "   "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := WalletFromMnemonic(tc.phrase); !errors.Is(err, ErrInvalidMnemonic) {
				t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
			}
		})
	}
}

func TestWalletFromHex(t *testing.T) {
	w, err := WalletFromHex("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if w.Address() != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Fatalf("unexpected address %s", w.Address().Hex())
	}
	if _, err := WalletFromHex("0x1234"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSessionSigner_SignPayload(t *testing.T) {
	s, err := NewSessionKey()
	if err != nil {
		t.Fatalf("new session key: %v", err)
	}
	payload := []byte(`[1,"create_app_session",{},1700000000000]`)
	sig, err := s.SignPayload(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+65*2 {
		t.Fatalf("unexpected signature encoding %q", sig)
	}
	if v := sig[len(sig)-2:]; v != "1b" && v != "1c" {
		t.Fatalf("expected v of 27 or 28, got %s", v)
	}
	got, err := RecoverPayload(payload, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != s.Address() {
		t.Fatalf("recovered %s, want %s", got.Hex(), s.Address().Hex())
	}
	other, err := RecoverPayload([]byte("tampered"), sig)
	if err == nil && other == s.Address() {
		t.Fatal("signature verified over a different payload")
	}
}

func TestWallet_SignPolicy(t *testing.T) {
	w, err := WalletFromMnemonic(testMnemonic)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	session, err := NewSessionKey()
	if err != nil {
		t.Fatalf("session key: %v", err)
	}
	policy := AuthPolicy{
		Application: "noflake",
		Challenge:   "c7a1d0e2-challenge",
		Scope:       "flake.booking.b-1",
		Wallet:      w.Address(),
		SessionKey:  session.Address(),
		ExpiresAt:   1767225600,
		Allowances:  []Allowance{{Asset: "ytest.usd", Amount: "1000000000"}},
	}
	sig, err := w.SignPolicy(policy)
	if err != nil {
		t.Fatalf("sign policy: %v", err)
	}
	signer, err := RecoverPolicy(policy, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != w.Address() {
		t.Fatalf("recovered %s, want %s", signer.Hex(), w.Address().Hex())
	}

	policy.Challenge = "another"
	if signer, err := RecoverPolicy(policy, sig); err == nil && signer == w.Address() {
		t.Fatal("signature verified for a different challenge")
	}
}
