// Package verifier decides whether a payment authorization would settle
// successfully, without spending any ledger resource to find out. It is
// the single place that dispatches on authorization shape (witness-spend
// vs. direct-auth) and runs the full structural/semantic check the
// settlement orchestrator re-runs in its own critical section.
package verifier

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"x402facilitator/internal/ledger"
	"x402facilitator/internal/money"
	"x402facilitator/internal/registry"
	"x402facilitator/internal/replay"
	"x402facilitator/internal/sigeng"
)

// caip2ChainID extracts the numeric chain id from a CAIP-2 identifier like
// "eip155:8453". Only the canonical eip155 form is handled; vendor aliases
// (e.g. "base", "base-sepolia") are not translated anywhere in this module
// and are rejected here as unrecognized networks.
func caip2ChainID(network string) (*big.Int, error) {
	parts := strings.SplitN(network, ":", 2)
	if len(parts) != 2 || parts[0] != "eip155" {
		return nil, fmt.Errorf("verifier: not a recognized eip155 network: %q", network)
	}
	id, ok := new(big.Int).SetString(parts[1], 10)
	if !ok {
		return nil, fmt.Errorf("verifier: invalid chain id in network %q", network)
	}
	return id, nil
}

// Reason is a closed, wire-stable verification/settlement failure code.
type Reason string

const (
	ReasonInvalidPayload                        Reason = "invalid_payload"
	ReasonInvalidPaymentRequirements             Reason = "invalid_payment_requirements"
	ReasonInvalidScheme                          Reason = "invalid_scheme"
	ReasonInvalidNetwork                         Reason = "invalid_network"
	ReasonInvalidX402Version                     Reason = "invalid_x402_version"
	ReasonInvalidAuthorizationValue               Reason = "invalid_authorization_value"
	ReasonInvalidAuthorizationValueTooLow         Reason = "invalid_authorization_value_too_low"
	ReasonInvalidAuthorizationValidAfter          Reason = "invalid_authorization_valid_after"
	ReasonInvalidAuthorizationValidBefore         Reason = "invalid_authorization_valid_before"
	ReasonInvalidAuthorizationTypedDataMessage    Reason = "invalid_authorization_typed_data_message"
	ReasonInvalidSignature                        Reason = "invalid_signature"
	ReasonInvalidSignatureAddress                 Reason = "invalid_signature_address"
	ReasonNonceAlreadyUsed                        Reason = "nonce_already_used"
	ReasonOuterAllowanceRequired                  Reason = "outer_allowance_required"
	ReasonTokenNotWhitelisted                     Reason = "token_not_whitelisted"
	ReasonInsufficientFunds                       Reason = "insufficient_funds"

	// Settlement-only reasons.
	ReasonTransactionReverted      Reason = "transaction_reverted"
	ReasonTransactionTimeout       Reason = "transaction_timeout"
	ReasonFacilitatorNotConfigured Reason = "facilitator_not_configured"
)

// Protocol names an authorization schema, matching audit.Protocol's values.
type Protocol string

const (
	ProtocolWitnessSpend Protocol = "witness-spend"
	ProtocolDirectAuth   Protocol = "direct-auth"
)

// Requirements is the resource server's payment offer.
type Requirements struct {
	Scheme            string
	Network            string
	MaxAmountRequired   string
	Resource            string
	PayTo               string
	Token               string
	ActualRecipient     string // extra.actualRecipient, optional
}

// Authorization is the normalized union of both wire shapes. Exactly one
// of WitnessSpend or DirectAuth is populated after Dispatch.
type Authorization struct {
	Scheme       string
	Network      string
	X402Version  int
	Signature    []byte

	WitnessSpend *sigeng.WitnessSpendAuthorization
	DirectAuth   *sigeng.DirectAuthAuthorization
}

// Result is the outcome of Verify.
type Result struct {
	Valid         bool
	Payer         string
	InvalidReason Reason
	Protocol      Protocol
	Amount        money.Amount
	NetAmount     money.Amount
	Fee           money.Amount
	FeeBps        money.BasisPoints
}

// AllowFacilitatorAsSpender, when true, permits the facilitator's own
// address to satisfy the witness-spend spender check (a historical
// compatibility mode for deployments with no dedicated proxy contract).
// Off by default: see the "facilitator as its own spender" design
// decision in the project's open-questions ledger.
type Config struct {
	AcceptedVersions        map[int]bool
	SpenderAddress          string // protocol contract or splitter-proxy, depending on mode
	FacilitatorAddress      string
	AllowFacilitatorAsSpender bool
}

// DefaultConfig returns the accepted x402Version set, {1, 2}, with the
// facilitator-as-spender escape hatch disabled.
func DefaultConfig(spender, facilitator string) Config {
	return Config{
		AcceptedVersions:          map[int]bool{1: true, 2: true},
		SpenderAddress:            spender,
		FacilitatorAddress:        facilitator,
		AllowFacilitatorAsSpender: false,
	}
}

// ChainReader is the subset of ledger.Client the verifier needs; an
// interface so tests can substitute a fake instead of dialing a real RPC.
type ChainReader interface {
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	AllowanceOf(ctx context.Context, token, owner, spender string) (*big.Int, error)
}

var _ ChainReader = (*ledger.Client)(nil)

// Verifier ties together the token registry, replay store, signature
// engine, and ledger reads.
type Verifier struct {
	cfg      Config
	registry *registry.Registry
	nonces   replay.NonceStore
	chain    ChainReader
	now      func() time.Time
}

// New constructs a Verifier. now defaults to time.Now; tests may override it.
func New(cfg Config, reg *registry.Registry, nonces replay.NonceStore, chain ChainReader) *Verifier {
	return &Verifier{cfg: cfg, registry: reg, nonces: nonces, chain: chain, now: time.Now}
}

func fail(reason Reason) Result {
	return Result{Valid: false, InvalidReason: reason}
}

// Verify runs the full 11-step procedure. It never mutates state: even the
// nonce lookup is read-only (marking a nonce used is the settlement
// orchestrator's job, after a successful on-chain spend).
func (v *Verifier) Verify(ctx context.Context, auth Authorization, req Requirements) (Result, error) {
	return v.verify(ctx, auth, req, false)
}

// VerifyQuick runs the same structural and signature checks as Verify but
// skips step 11 (balance and outer-allowance reads), matching the
// /verify/quick surface: a cheap pre-check with no ledger round trip. A
// quick-verified authorization can still fail funds checks at Settle time.
func (v *Verifier) VerifyQuick(ctx context.Context, auth Authorization, req Requirements) (Result, error) {
	return v.verify(ctx, auth, req, true)
}

func (v *Verifier) verify(ctx context.Context, auth Authorization, req Requirements, skipFunds bool) (Result, error) {
	// Step 1/2: structural checks + normalization (scheme/network/version
	// fall back to the requirements when the payload omits them).
	if auth.Scheme == "" {
		auth.Scheme = req.Scheme
	}
	if auth.Network == "" {
		auth.Network = req.Network
	}
	if auth.Scheme != "exact" {
		return fail(ReasonInvalidScheme), nil
	}
	if !v.cfg.AcceptedVersions[auth.X402Version] {
		return fail(ReasonInvalidX402Version), nil
	}
	if auth.Network == "" || req.Network == "" || auth.Network != req.Network {
		return fail(ReasonInvalidNetwork), nil
	}

	// Step 3: dispatch on payload shape.
	var protocol Protocol
	switch {
	case auth.WitnessSpend != nil && auth.DirectAuth == nil:
		protocol = ProtocolWitnessSpend
	case auth.DirectAuth != nil && auth.WitnessSpend == nil:
		protocol = ProtocolDirectAuth
	default:
		return fail(ReasonInvalidPayload), nil
	}

	tokenAddress := req.Token
	if protocol == ProtocolWitnessSpend {
		tokenAddress = auth.WitnessSpend.PermittedToken
	}

	// Step 4: token whitelist, fail closed.
	token, ok := v.registry.ByAddress(auth.Network, tokenAddress)
	if !ok {
		return fail(ReasonTokenNotWhitelisted), nil
	}

	var payer string
	var amountStr, validAfterStr, validBeforeStr string

	if protocol == ProtocolWitnessSpend {
		ws := auth.WitnessSpend

		// Step 5: spender check.
		expectedSpender := strings.ToLower(v.cfg.SpenderAddress)
		gotSpender := strings.ToLower(ws.Spender)
		if gotSpender != expectedSpender {
			if !(v.cfg.AllowFacilitatorAsSpender && gotSpender == strings.ToLower(v.cfg.FacilitatorAddress)) {
				return fail(ReasonInvalidAuthorizationTypedDataMessage), nil
			}
		}

		// Step 6: signer recovery.
		chainID, err := caip2ChainID(auth.Network)
		if err != nil {
			return fail(ReasonInvalidNetwork), nil
		}
		recovered, err := sigeng.RecoverWitnessSpend(*ws, auth.Signature, chainID, v.cfg.SpenderAddress)
		if err != nil {
			return fail(ReasonInvalidSignature), nil
		}
		payer = recovered
		amountStr = ws.PermittedAmount
		validAfterStr = ws.ValidAfter
		validBeforeStr = ws.ValidBefore

		// Step 7 (deadline, witness-spend only).
		if exceeds(ws.Deadline, v.now()) {
			return fail(ReasonInvalidAuthorizationValidBefore), nil
		}

		// Step 8: receiver match.
		if !strings.EqualFold(ws.Receiver, req.PayTo) {
			return fail(ReasonInvalidAuthorizationTypedDataMessage), nil
		}
	} else {
		da := auth.DirectAuth

		chainID, err := caip2ChainID(auth.Network)
		if err != nil {
			return fail(ReasonInvalidNetwork), nil
		}
		recovered, err := sigeng.RecoverDirectAuth(*da, auth.Signature, chainID, tokenAddress, token.Name, token.Version)
		if err != nil {
			return fail(ReasonInvalidSignature), nil
		}
		if !strings.EqualFold(recovered, da.From) {
			return fail(ReasonInvalidSignatureAddress), nil
		}
		payer = recovered
		amountStr = da.Value
		validAfterStr = da.ValidAfter
		validBeforeStr = da.ValidBefore

		// Step 8: receiver match (`to` is direct-auth's receiver alias).
		if !strings.EqualFold(da.To, req.PayTo) {
			return fail(ReasonInvalidAuthorizationTypedDataMessage), nil
		}
	}
	payer = strings.ToLower(payer)

	// Step 7 (validAfter/validBefore, both protocols).
	now := v.now()
	if before(now, validAfterStr) {
		return fail(ReasonInvalidAuthorizationValidAfter), nil
	}
	if notBefore(now, validBeforeStr) {
		return fail(ReasonInvalidAuthorizationValidBefore), nil
	}

	// Step 9: amount bounds + threshold.
	amount, err := money.FromString(amountStr)
	if err != nil {
		return fail(ReasonInvalidAuthorizationValue), nil
	}
	if amount.IsZero() {
		return fail(ReasonInvalidAuthorizationValue), nil
	}
	required, err := money.FromString(req.MaxAmountRequired)
	if err != nil {
		return fail(ReasonInvalidPaymentRequirements), nil
	}
	if amount.Cmp(required) < 0 {
		return fail(ReasonInvalidAuthorizationValueTooLow), nil
	}

	// Step 10: nonce replay check (read-only; see package doc).
	nonceKey := nonceKeyFor(protocol, auth)
	used, err := v.nonces.IsUsed(ctx, payer, nonceKey)
	if err != nil || used {
		return fail(ReasonNonceAlreadyUsed), nil
	}

	// Step 11: funds. Skipped entirely for the quick-check surface, which
	// trades this ledger round trip away in exchange for a cheap response.
	if !skipFunds {
		balance, err := v.chain.BalanceOf(ctx, tokenAddress, payer)
		if err != nil {
			return Result{}, err
		}
		if protocol == ProtocolWitnessSpend {
			allowance, err := v.chain.AllowanceOf(ctx, tokenAddress, payer, v.cfg.SpenderAddress)
			if err != nil {
				return Result{}, err
			}
			if allowance.Cmp(amount.BigInt()) < 0 {
				return fail(ReasonOuterAllowanceRequired), nil
			}
		}
		if balance.Cmp(amount.BigInt()) < 0 {
			return fail(ReasonInsufficientFunds), nil
		}
	}

	net, fee, ok := v.registry.NetAndFee(auth.Network, tokenAddress, amount)
	if !ok {
		return fail(ReasonTokenNotWhitelisted), nil
	}

	return Result{
		Valid:     true,
		Payer:     payer,
		Protocol:  protocol,
		Amount:    amount,
		NetAmount: net,
		Fee:       fee,
		FeeBps:    token.FeeBps,
	}, nil
}

func nonceKeyFor(protocol Protocol, auth Authorization) string {
	if protocol == ProtocolWitnessSpend {
		return auth.WitnessSpend.Nonce
	}
	return string(auth.DirectAuth.Nonce[:])
}

func exceeds(deadline string, now time.Time) bool {
	t, err := money.FromString(deadline)
	if err != nil {
		return true
	}
	return now.Unix() > t.BigInt().Int64()
}

func before(now time.Time, validAfter string) bool {
	t, err := money.FromString(validAfter)
	if err != nil {
		return true
	}
	return now.Unix() < t.BigInt().Int64()
}

func notBefore(now time.Time, validBefore string) bool {
	t, err := money.FromString(validBefore)
	if err != nil {
		return true
	}
	return now.Unix() >= t.BigInt().Int64()
}
