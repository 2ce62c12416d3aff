package audit

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"x402facilitator/internal/money"
)

func TestTransactionMarshalJSONUsesDecimalStrings(t *testing.T) {
	amount, _ := money.FromString("1000000")
	fee, _ := money.FromString("1000")
	txn := &Transaction{
		ID: "t1", Nonce: "1", Payer: "0xpayer", Receiver: "0xreceiver",
		TokenAddress: "0xtoken", TokenSymbol: "USDC",
		Amount: amount, Fee: fee, FeeBps: 10, Network: "eip155:8453",
		Status: StatusSuccess, Protocol: ProtocolDirectAuth, CreatedAt: time.Unix(0, 0).UTC(),
	}

	b, err := json.Marshal(txn)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, `"amount":"1000000"`) {
		t.Fatalf("expected quoted decimal amount, got %s", s)
	}
	if !strings.Contains(s, `"fee":"1000"`) {
		t.Fatalf("expected quoted decimal fee, got %s", s)
	}
}
