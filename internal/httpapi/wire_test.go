package httpapi

import (
	"testing"

	"x402facilitator/internal/verifier"
)

const directAuthBody = `{
	"x402Version": 1,
	"scheme": "exact",
	"network": "eip155:1",
	"payload": {
		"signature": "0xaa",
		"from": "0xpayer",
		"to": "0xreceiver",
		"value": "1000000",
		"validAfter": "0",
		"validBefore": "9999999999",
		"nonce": "0x01"
	},
	"paymentRequirements": {
		"scheme": "exact",
		"network": "eip155:1",
		"maxAmountRequired": "1000000",
		"payTo": "0xreceiver",
		"asset": "0xtoken"
	}
}`

const witnessSpendBody = `{
	"x402Version": 2,
	"scheme": "exact",
	"network": "eip155:8453",
	"paymentPayload": {
		"signature": "0xbb",
		"permitted": {"token": "0xtoken", "amount": "500"},
		"spender": "0xspender",
		"nonce": "7",
		"deadline": "9999999999",
		"witness": {"receiver": "0xreceiver", "validAfter": "0", "validBefore": "9999999999"}
	},
	"accepted": {
		"scheme": "exact",
		"network": "eip155:8453",
		"maxAmountRequired": "500",
		"payTo": "0xreceiver",
		"token": "0xtoken"
	}
}`

func TestDecodeDirectAuthShape(t *testing.T) {
	auth, req, err := decode([]byte(directAuthBody))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if auth.DirectAuth == nil || auth.WitnessSpend != nil {
		t.Fatalf("expected direct-auth payload, got %+v", auth)
	}
	if auth.DirectAuth.From != "0xpayer" || auth.DirectAuth.To != "0xreceiver" {
		t.Fatalf("unexpected direct-auth fields: %+v", auth.DirectAuth)
	}
	if req.Token != "0xtoken" || req.PayTo != "0xreceiver" {
		t.Fatalf("unexpected requirements: %+v", req)
	}
}

func TestDecodeWitnessSpendShape(t *testing.T) {
	auth, req, err := decode([]byte(witnessSpendBody))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if auth.WitnessSpend == nil || auth.DirectAuth != nil {
		t.Fatalf("expected witness-spend payload, got %+v", auth)
	}
	if auth.WitnessSpend.Spender != "0xspender" || auth.WitnessSpend.Receiver != "0xreceiver" {
		t.Fatalf("unexpected witness fields: %+v", auth.WitnessSpend)
	}
	// "accepted" must win over "paymentRequirements" when both could be present.
	if req.MaxAmountRequired != "500" {
		t.Fatalf("expected accepted requirements to be used, got %+v", req)
	}
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	_, _, err := decode([]byte(`{"x402Version": 1, "scheme": "exact", "network": "eip155:1"}`))
	if err == nil {
		t.Fatal("expected an error for a body with neither payload nor paymentPayload")
	}
}

func TestDecodeRejectsInvalidNonceFormat(t *testing.T) {
	_, _, err := decode([]byte(`{
		"x402Version": 1, "scheme": "exact", "network": "eip155:1",
		"payload": {"signature": "0xaa", "from": "0xpayer", "to": "0xreceiver", "value": "1", "validAfter": "0", "validBefore": "1", "nonce": "not-hex-or-decimal"},
		"paymentRequirements": {"scheme": "exact", "network": "eip155:1", "maxAmountRequired": "1", "payTo": "0xreceiver", "asset": "0xtoken"}
	}`))
	if err == nil {
		t.Fatal("expected an error for a direct-auth nonce that is neither hex nor decimal")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, _, err := decode([]byte(`not json`))
	if err == nil {
		t.Fatal("expected a JSON decode error")
	}
}

func TestDecodeRejectsMissingSignature(t *testing.T) {
	_, _, err := decode([]byte(`{
		"x402Version": 1, "scheme": "exact", "network": "eip155:1",
		"payload": {"from": "0xpayer", "to": "0xreceiver", "value": "1", "validAfter": "0", "validBefore": "1", "nonce": "1"},
		"paymentRequirements": {"scheme": "exact", "network": "eip155:1", "maxAmountRequired": "1", "payTo": "0xreceiver", "asset": "0xtoken"}
	}`))
	if err == nil {
		t.Fatal("expected an error for a payload with no signature")
	}
}

func TestResolveNetworkPrefersAuthorizationNetwork(t *testing.T) {
	got := resolveNetwork(verifier.Authorization{Network: "eip155:8453"}, verifier.Requirements{Network: "eip155:1"})
	if got != "eip155:8453" {
		t.Fatalf("expected authorization network to win, got %s", got)
	}
}

func TestResolveNetworkFallsBackToRequirements(t *testing.T) {
	got := resolveNetwork(verifier.Authorization{}, verifier.Requirements{Network: "eip155:1"})
	if got != "eip155:1" {
		t.Fatalf("expected requirements network fallback, got %s", got)
	}
}
