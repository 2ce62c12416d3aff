package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"x402facilitator/internal/config"
	"x402facilitator/internal/registry"
	"x402facilitator/internal/replay"
	"x402facilitator/internal/settlement"
	"x402facilitator/internal/sigeng"
	"x402facilitator/internal/verifier"
)

// fakeChain is a minimal verifier.ChainReader double; handlers_test only
// exercises the routes that don't touch the database-backed subsystems
// (audit log, webhook registry). No test in this module drives those
// database-backed routes.
type fakeChain struct {
	balances   map[string]*big.Int
	allowances map[string]*big.Int
}

func (f *fakeChain) BalanceOf(_ context.Context, _, owner string) (*big.Int, error) {
	if b, ok := f.balances[strings.ToLower(owner)]; ok {
		return b, nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) AllowanceOf(_ context.Context, _, owner, _ string) (*big.Int, error) {
	if a, ok := f.allowances[strings.ToLower(owner)]; ok {
		return a, nil
	}
	return big.NewInt(0), nil
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: config.EnvTest}
	cfg.Server.ReadTimeout = 0
	cfg.Server.WriteTimeout = 0
	cfg.RateLimit.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, verifiers map[string]*verifier.Verifier, reg *registry.Registry, chains map[string]config.ChainConfig) *Server {
	t.Helper()
	if reg == nil {
		reg = registry.New()
	}
	return New(testConfig(), Deps{
		Verifiers: verifiers,
		Settlers:  map[string]*settlement.Orchestrator{},
		Registry:  reg,
		Chains:    chains,
	})
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

// signDirectAuthForTest builds the identical typed-data hash
// sigeng.RecoverDirectAuth constructs and signs it, standing in for a
// client wallet's EIP-712 signer.
func signDirectAuthForTest(t *testing.T, key *ecdsa.PrivateKey, da sigeng.DirectAuthAuthorization, chainID *big.Int, tokenAddress, tokenName, tokenVersion string) []byte {
	t.Helper()
	value, _ := new(big.Int).SetString(da.Value, 10)
	validAfter, _ := new(big.Int).SetString(da.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(da.ValidBefore, 10)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name: tokenName, Version: tokenVersion,
			ChainId: (*math.HexOrDecimal256)(chainID), VerifyingContract: tokenAddress,
		},
		Message: apitypes.TypedDataMessage{
			"from": da.From, "to": da.To, "value": value,
			"validAfter": validAfter, "validBefore": validBefore, "nonce": da.Nonce[:],
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	return sig
}

func TestHealthReportsDegradedWithNoChains(t *testing.T) {
	srv := newTestServer(t, map[string]*verifier.Verifier{}, nil, nil)
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded status with no verifiers/settlers configured, got %+v", body)
	}
}

func TestSupportedListsRegisteredTokensAndChains(t *testing.T) {
	reg := registry.New()
	reg.Put(registry.Token{Address: "0xtoken", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6, Network: "eip155:1"})
	chains := map[string]config.ChainConfig{"eip155:1": {}}

	srv := newTestServer(t, map[string]*verifier.Verifier{}, reg, chains)
	req := httptest.NewRequest("GET", "/supported", nil)
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Schemes []string `json:"schemes"`
		Chains  []string `json:"chains"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Schemes) != 1 || body.Schemes[0] != "exact" {
		t.Fatalf("expected schemes=[exact], got %+v", body.Schemes)
	}
	if len(body.Chains) != 1 || body.Chains[0] != "eip155:1" {
		t.Fatalf("expected chains=[eip155:1], got %+v", body.Chains)
	}
}

func TestVerifyReturns503ForUnconfiguredNetwork(t *testing.T) {
	srv := newTestServer(t, map[string]*verifier.Verifier{}, nil, nil)
	req := httptest.NewRequest("POST", "/verify", bytes.NewReader([]byte(directAuthBody)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503 for an unconfigured network, got %d", resp.StatusCode)
	}
}

func TestVerifyReturns400ForMalformedBody(t *testing.T) {
	srv := newTestServer(t, map[string]*verifier.Verifier{}, nil, nil)
	req := httptest.NewRequest("POST", "/verify", bytes.NewReader([]byte(`not json`)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for a malformed body, got %d", resp.StatusCode)
	}
}

func TestVerifyReturns200WithIsValidFalseOnSemanticFailure(t *testing.T) {
	reg := registry.New()
	reg.Put(registry.Token{Address: "0xtoken", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6, Network: "eip155:1"})
	v := verifier.New(verifier.DefaultConfig("0xspender", "0xfacilitator"), reg, replay.NewMemory(), &fakeChain{})

	srv := newTestServer(t, map[string]*verifier.Verifier{"eip155:1": v}, reg, nil)

	// directAuthBody's scheme is "exact" and signature is bogus ("0xaa"), so
	// recovery fails closed with invalid_signature -- still a 200, not a 400,
	// since the request is structurally well-formed.
	req := httptest.NewRequest("POST", "/verify", bytes.NewReader([]byte(directAuthBody)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 for a semantic verify failure, got %d", resp.StatusCode)
	}
	var body struct {
		IsValid bool   `json:"isValid"`
		Reason  string `json:"invalidReason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.IsValid {
		t.Fatalf("expected isValid=false, got %+v", body)
	}
}

func TestVerifySucceedsWithValidSignedDirectAuth(t *testing.T) {
	key, _ := crypto.GenerateKey()
	payer := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	nonce := bytes.Repeat([]byte("n"), 32)
	da := sigeng.DirectAuthAuthorization{
		From: payer, To: "0x2222222222222222222222222222222222222222", Value: "1000000",
		ValidAfter: "0", ValidBefore: "9999999999",
	}
	copy(da.Nonce[:], nonce)
	sig := signDirectAuthForTest(t, key, da, big.NewInt(1), "0x1111111111111111111111111111111111111111", "USD Coin", "2")

	reg := registry.New()
	reg.Put(registry.Token{Address: "0x1111111111111111111111111111111111111111", Symbol: "USDC", Name: "USD Coin", Version: "2", Decimals: 6, Network: "eip155:1", FeeBps: 10})
	chain := &fakeChain{balances: map[string]*big.Int{payer: big.NewInt(2_000_000)}}
	v := verifier.New(verifier.DefaultConfig("0xspender", "0xfacilitator"), reg, replay.NewMemory(), chain)

	srv := newTestServer(t, map[string]*verifier.Verifier{"eip155:1": v}, reg, nil)

	reqBody := map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "eip155:1",
		"payload": map[string]any{
			"signature":   "0x" + hexString(sig),
			"from":        payer,
			"to":          "0x2222222222222222222222222222222222222222",
			"value":       "1000000",
			"validAfter":  "0",
			"validBefore": "9999999999",
			"nonce":       "0x" + hexString(nonce),
		},
		"paymentRequirements": map[string]any{
			"scheme":            "exact",
			"network":           "eip155:1",
			"maxAmountRequired": "1000000",
			"payTo":             "0x2222222222222222222222222222222222222222",
			"asset":             "0x1111111111111111111111111111111111111111",
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest("POST", "/verify", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		IsValid bool   `json:"isValid"`
		Payer   string `json:"payer"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.IsValid {
		t.Fatal("expected isValid=true for a well-signed, sufficiently-funded authorization")
	}
	if body.Payer != payer {
		t.Fatalf("payer mismatch: got %s want %s", body.Payer, payer)
	}
}
