package ledger

import (
	"math/big"
	"testing"
)

func TestEncodeTransferWithAuthorizationLength(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 27
	data, err := EncodeTransferWithAuthorization(
		"0x0000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000002",
		big.NewInt(1000), big.NewInt(0), big.NewInt(9999999999),
		[32]byte{1}, sig,
	)
	if err != nil {
		t.Fatalf("EncodeTransferWithAuthorization: %v", err)
	}
	if len(data) != 4+9*32 {
		t.Fatalf("unexpected length %d", len(data))
	}
	for i := 0; i < 4; i++ {
		if data[i] != transferWithAuthSig[i] {
			t.Fatal("selector mismatch")
		}
	}
}

func TestEncodeTransferWithAuthorizationRejectsBadSignature(t *testing.T) {
	_, err := EncodeTransferWithAuthorization(
		"0x1", "0x2", big.NewInt(1), big.NewInt(0), big.NewInt(1), [32]byte{}, []byte{1, 2, 3},
	)
	if err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestEncodePermitWitnessTransferFromIncludesSignatureTail(t *testing.T) {
	sig := make([]byte, 65)
	data, err := EncodePermitWitnessTransferFrom(
		"0x0000000000000000000000000000000000000001",
		"1000",
		"0x0000000000000000000000000000000000000003",
		"1", "9999999999",
		"0x0000000000000000000000000000000000000004", "0", "9999999999",
		sig,
	)
	if err != nil {
		t.Fatalf("EncodePermitWitnessTransferFrom: %v", err)
	}
	if len(data) < 4+8*32+32 {
		t.Fatalf("unexpected length %d", len(data))
	}
}
