package crypto

import (
	"bytes"
	"testing"
)

func TestSignRecoverRoundTrip(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	hash := HashWithPrefix("0xdeadbeef")
	sig, err := Sign(hash, acct)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("signature length %d", len(sig))
	}
	addr, err := Recover(hash, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !addr.Equal(acct.Address) {
		t.Fatalf("recovered %s, want %s", addr, acct.Address)
	}
}

func TestRecoverWrongPrefixYieldsDifferentAddress(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	msg := "agreement-12345"
	sig, err := Sign(HashWithPrefix(msg), acct)
	if err != nil {
		t.Fatal(err)
	}
	// Recovering over the raw keccak hash must not yield the signer.
	addr, err := Recover(Keccak256([]byte(msg)), sig)
	if err == nil && addr.Equal(acct.Address) {
		t.Fatalf("raw-hash recovery matched the prefixed signer")
	}
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	hash := HashWithPrefix("x")
	if _, err := Recover(hash, make([]byte, 64)); err == nil {
		t.Fatal("expected error for short signature")
	}
	if _, err := DecodeSignature("0x1234"); err == nil {
		t.Fatal("expected error for short hex signature")
	}
	if _, err := DecodeSignature("0xzz"); err == nil {
		t.Fatal("expected error for non-hex signature")
	}
}

func TestAccountHexRoundTrip(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := AccountFromHex(acct.KeyHex())
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if !loaded.Address.Equal(acct.Address) {
		t.Fatalf("address mismatch: %s vs %s", loaded.Address, acct.Address)
	}
	hash := HashWithPrefix("same key, same signature domain")
	s1, _ := Sign(hash, acct)
	s2, _ := Sign(hash, loaded)
	if !bytes.Equal(s1, s2) {
		t.Fatal("signatures differ for the same key")
	}
}
