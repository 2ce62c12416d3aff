package money

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestFromStringRoundTrip(t *testing.T) {
	a, err := FromString("1000000")
	if err != nil {
		t.Fatalf("FromString: %v", err)
	}
	if a.String() != "1000000" {
		t.Fatalf("String() = %q", a.String())
	}
}

func TestFromStringRejectsOutOfRange(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := FromBigInt(tooBig); err == nil {
		t.Fatal("expected error for amount == 2^256")
	}
	if _, err := FromString("-1"); err == nil {
		t.Fatal("expected error for negative amount")
	}
	if _, err := FromString("not a number"); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
}

func TestBoundaryAmounts(t *testing.T) {
	if _, err := FromString("1"); err != nil {
		t.Fatalf("amount 1 should be accepted: %v", err)
	}
	max := new(big.Int).Sub(MaxBound, big.NewInt(1))
	if _, err := FromBigInt(max); err != nil {
		t.Fatalf("2^256-1 should be accepted: %v", err)
	}
	if _, err := FromString("0"); err != nil {
		t.Fatalf("zero should parse: %v", err)
	}
}

func TestJSONMarshalUsesQuotedString(t *testing.T) {
	a, _ := FromString("1250000")
	b, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"1250000"` {
		t.Fatalf("got %s", b)
	}
	var back Amount
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.Cmp(a) != 0 {
		t.Fatalf("round trip mismatch: %s != %s", back, a)
	}
}

// USDC at 0.1% fee.
func TestNetAndFeeS1(t *testing.T) {
	amount, _ := FromString("1000000")
	net, fee := NetAndFee(amount, 10, 0)
	if fee.String() != "1000" {
		t.Fatalf("fee = %s, want 1000", fee)
	}
	if net.String() != "999000" {
		t.Fatalf("net = %s, want 999000", net)
	}
	if net.Add(fee).Cmp(amount) != 0 {
		t.Fatalf("net+fee != amount")
	}
}

// S2: fee-exempt token - caller passes feeBps=0 once the registry resolves
// feeExempt, so NetAndFee itself just needs to handle bps=0 correctly.
func TestNetAndFeeExempt(t *testing.T) {
	amount, _ := FromString("100000000000000000000")
	net, fee := NetAndFee(amount, 0, 0)
	if !fee.IsZero() {
		t.Fatalf("fee = %s, want 0", fee)
	}
	if net.Cmp(amount) != 0 {
		t.Fatalf("net != amount for exempt token")
	}
}

// S3: dust - feeBps=10, amount=99 floors to fee=0.
func TestNetAndFeeDust(t *testing.T) {
	amount, _ := FromString("99")
	net, fee := NetAndFee(amount, 10, 0)
	if !fee.IsZero() {
		t.Fatalf("fee = %s, want 0", fee)
	}
	if net.String() != "99" {
		t.Fatalf("net = %s, want 99", net)
	}
}

// fee == floor(a*feeBps/10000) for every valid feeBps and every amount
// under 2^256/10000.
func TestNetAndFeeProperty(t *testing.T) {
	cases := []struct {
		amount string
		bps    BasisPoints
	}{
		{"3", 1},
		{"12345", 250},
		{"999999999999999999", 1000},
		{"7", 0},
	}
	for _, c := range cases {
		amount, _ := FromString(c.amount)
		net, fee := NetAndFee(amount, c.bps, 0)
		want := new(big.Int).Mul(amount.BigInt(), big.NewInt(int64(c.bps)))
		want.Div(want, big.NewInt(10000))
		if fee.BigInt().Cmp(want) != 0 {
			t.Fatalf("amount=%s bps=%d: fee=%s want=%s", c.amount, c.bps, fee, want)
		}
		if net.Add(fee).Cmp(amount) != 0 {
			t.Fatalf("amount=%s bps=%d: net+fee != amount", c.amount, c.bps)
		}
	}
}

func TestNetAndFeeDiscount(t *testing.T) {
	amount, _ := FromString("1000000")
	// feeBps=100 (1%), discountBps=40 -> effective 60bps
	net, fee := NetAndFee(amount, 100, 40)
	if fee.String() != "6000" {
		t.Fatalf("fee = %s, want 6000", fee)
	}
	if net.Add(fee).Cmp(amount) != 0 {
		t.Fatal("net+fee != amount")
	}
	// discount larger than fee floors at zero, never goes negative.
	net2, fee2 := NetAndFee(amount, 10, 9999)
	if !fee2.IsZero() {
		t.Fatalf("fee2 = %s, want 0", fee2)
	}
	if net2.Cmp(amount) != 0 {
		t.Fatal("net2 != amount when discount swamps fee")
	}
}

func TestClamp(t *testing.T) {
	if BasisPoints(-5).Clamp() != 0 {
		t.Fatal("negative bps should clamp to 0")
	}
	if BasisPoints(50000).Clamp() != MaxBasisPoints {
		t.Fatal("bps above cap should clamp to MaxBasisPoints")
	}
}
