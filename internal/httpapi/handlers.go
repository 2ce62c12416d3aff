package httpapi

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"x402facilitator/internal/config"
	"x402facilitator/internal/verifier"
)

var errMissingWebhookFields = errors.New("url and at least one event are required")

type handler struct {
	cfg  *config.Config
	deps Deps
}

// facilitatorNotConfigured answers a request with the documented 503 when
// the core verify/settle path has no usable verifier or orchestrator —
// the chain(s) it depends on failed to dial at startup.
func facilitatorNotConfigured(c fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error":  string(verifier.ReasonFacilitatorNotConfigured),
		"status": "not_initialized",
	})
}

// badRequest answers with the error text in development, where it's useful
// for debugging a malformed request or a failed downstream call, and a
// generic message in production — matching errorHandler's redaction so no
// raw internal text (DB errors, RPC errors) reaches an external client.
func (h *handler) badRequest(c fiber.Ctx, err error) error {
	message := "invalid request"
	if !h.cfg.IsProduction() {
		message = err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

// resolveNetwork picks the CAIP-2 network id a request names, preferring
// the authorization's own (set from the top-level field during decode) and
// falling back to the payment requirements, which carries it independently
// when a resource server omits it from the envelope.
func resolveNetwork(auth verifier.Authorization, req verifier.Requirements) string {
	if auth.Network != "" {
		return auth.Network
	}
	return req.Network
}

// Health reports whether the core paths are usable and which chains are
// configured, without requiring a live RPC round trip on every call.
func (h *handler) Health(c fiber.Ctx) error {
	status := "ok"
	var warnings []string
	if len(h.deps.Verifiers) == 0 || len(h.deps.Settlers) == 0 {
		status = "degraded"
		warnings = append(warnings, "verifier/settlement not initialized")
	}
	if len(h.deps.Chains) == 0 {
		warnings = append(warnings, "no chains configured")
	}
	return c.JSON(fiber.Map{
		"status":   status,
		"version":  Version,
		"warnings": warnings,
	})
}

// Supported advertises the accepted scheme/network/token combinations and
// facilitator metadata, matching GET /supported.
func (h *handler) Supported(c fiber.Ctx) error {
	type tokenInfo struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
		Network  string `json:"network"`
		FeeBps   int32  `json:"feeBps"`
	}
	var tokens []tokenInfo
	if h.deps.Registry != nil {
		for _, t := range h.deps.Registry.All() {
			tokens = append(tokens, tokenInfo{
				Address: t.Address, Symbol: t.Symbol, Decimals: t.Decimals,
				Network: t.Network, FeeBps: int32(t.FeeBps),
			})
		}
	}
	var chains []string
	for id := range h.deps.Chains {
		chains = append(chains, id)
	}
	return c.JSON(fiber.Map{
		"schemes":      []string{"exact"},
		"x402Versions": []int{1, 2},
		"chains":       chains,
		"tokens":       tokens,
	})
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Amount        string `json:"amount,omitempty"`
	NetAmount     string `json:"netAmount,omitempty"`
	Fee           string `json:"fee,omitempty"`
}

func newVerifyResponse(r verifier.Result) verifyResponse {
	resp := verifyResponse{IsValid: r.Valid}
	if !r.Valid {
		resp.InvalidReason = string(r.InvalidReason)
		return resp
	}
	resp.Payer = r.Payer
	resp.Amount = r.Amount.String()
	resp.NetAmount = r.NetAmount.String()
	resp.Fee = r.Fee.String()
	return resp
}

// verifyStatus returns 412 for the one reason the client must act on
// before retrying (an on-chain approval), 200 otherwise.
func verifyStatus(reason verifier.Reason) int {
	if reason == verifier.ReasonOuterAllowanceRequired {
		return fiber.StatusPreconditionFailed
	}
	return fiber.StatusOK
}

// Verify runs the full verifier, including the funds/allowance check.
func (h *handler) Verify(c fiber.Ctx) error {
	auth, req, err := decode(c.Body())
	if err != nil {
		return h.badRequest(c, err)
	}
	v, ok := h.deps.Verifiers[resolveNetwork(auth, req)]
	if !ok {
		return facilitatorNotConfigured(c)
	}
	result, err := v.Verify(c.Context(), auth, req)
	if err != nil {
		return h.badRequest(c, err)
	}
	return c.Status(verifyStatus(result.InvalidReason)).JSON(newVerifyResponse(result))
}

// VerifyQuick skips the funds/allowance ledger read.
func (h *handler) VerifyQuick(c fiber.Ctx) error {
	auth, req, err := decode(c.Body())
	if err != nil {
		return h.badRequest(c, err)
	}
	v, ok := h.deps.Verifiers[resolveNetwork(auth, req)]
	if !ok {
		return facilitatorNotConfigured(c)
	}
	result, err := v.VerifyQuick(c.Context(), auth, req)
	if err != nil {
		return h.badRequest(c, err)
	}
	return c.Status(verifyStatus(result.InvalidReason)).JSON(newVerifyResponse(result))
}

type settleResponse struct {
	Success       bool   `json:"success"`
	ErrorReason   string `json:"errorReason,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	LedgerTxID    string `json:"txHash,omitempty"`
	Payer         string `json:"payer,omitempty"`
	Amount        string `json:"amount,omitempty"`
	NetAmount     string `json:"netAmount,omitempty"`
	Fee           string `json:"fee,omitempty"`
	Network       string `json:"network,omitempty"`
}

// Settle runs the settlement orchestrator. A semantic failure (invalid
// authorization or an on-chain failure) still returns 200 with
// success:false, per the documented convention that the HTTP call itself
// succeeded even when the payment did not; 412 is reserved for the
// allowance-required case the client must resolve before retrying.
func (h *handler) Settle(c fiber.Ctx) error {
	auth, req, err := decode(c.Body())
	if err != nil {
		return h.badRequest(c, err)
	}
	o, ok := h.deps.Settlers[resolveNetwork(auth, req)]
	if !ok {
		return facilitatorNotConfigured(c)
	}
	result, err := o.Settle(c.Context(), auth, req)
	if err != nil {
		return h.badRequest(c, err)
	}

	reason := result.InvalidReason
	if reason == "" {
		reason = result.FailureReason
	}
	resp := settleResponse{
		Success: result.Success, ErrorReason: string(reason),
		TransactionID: result.TransactionID, LedgerTxID: result.LedgerTxID,
		Payer: result.Payer, Network: result.Network,
	}
	if result.Success {
		resp.Amount = result.Amount.String()
		resp.NetAmount = result.NetAmount.String()
		resp.Fee = result.Fee.String()
	}
	return c.Status(verifyStatus(reason)).JSON(resp)
}

// SettleRecent returns the most recent transaction records with payer and
// receiver addresses redacted per the facilitator's log-hygiene
// convention (0xAAAA…BBBB), since this is a semi-public operational feed.
func (h *handler) SettleRecent(c fiber.Ctx) error {
	if h.deps.AuditLog == nil {
		return facilitatorNotConfigured(c)
	}
	limit := fiber.Query[int](c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	records, err := h.deps.AuditLog.Recent(c.Context(), limit)
	if err != nil {
		return h.badRequest(c, err)
	}
	out := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		out = append(out, fiber.Map{
			"id":        r.ID,
			"payer":     redactAddress(r.Payer),
			"receiver":  redactAddress(r.Receiver),
			"token":     r.TokenSymbol,
			"amount":    r.Amount.String(),
			"fee":       r.Fee.String(),
			"network":   r.Network,
			"status":    r.Status,
			"protocol":  r.Protocol,
			"createdAt": r.CreatedAt,
			"settledAt": r.SettledAt,
		})
	}
	return c.JSON(fiber.Map{"transactions": out})
}

// SettleStats returns the overall settlement aggregate alongside its
// per-network and per-token-symbol breakdowns: total/successful/failed/
// pending counts, total gross volume, total fees collected, and per-symbol
// gross volume.
func (h *handler) SettleStats(c fiber.Ctx) error {
	if h.deps.AuditLog == nil {
		return facilitatorNotConfigured(c)
	}
	total, byNetwork, bySymbol, err := h.deps.AuditLog.Stats(c.Context())
	if err != nil {
		return h.badRequest(c, err)
	}
	return c.JSON(fiber.Map{
		"total": fiber.Map{
			"count":       total.TotalCount,
			"pending":     total.PendingCount,
			"success":     total.SuccessCount,
			"failed":      total.FailedCount,
			"grossVolume": total.GrossVolume.String(),
			"totalFees":   total.TotalFees.String(),
		},
		"networks": byNetwork,
		"tokens":   bySymbol,
	})
}

// DiscoveryList returns the published resource catalog.
func (h *handler) DiscoveryList(c fiber.Ctx) error {
	if h.deps.Discovery == nil {
		return c.JSON(fiber.Map{"resources": []any{}})
	}
	return c.JSON(fiber.Map{"resources": h.deps.Discovery.List()})
}

// PriceQuote serves a display-only USD quote for a token symbol. It never
// feeds settlement math (see internal/registry.NetAndFee) — a stale or
// unavailable quote degrades the resource server's pricing display, never
// the facilitator's on-chain bookkeeping.
func (h *handler) PriceQuote(c fiber.Ctx) error {
	if h.deps.Prices == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "price cache not configured"})
	}
	symbol := strings.ToUpper(c.Params("symbol"))
	quote, err := h.deps.Prices.Get(c.Context(), symbol)
	if err != nil {
		return h.badRequest(c, err)
	}
	return c.JSON(fiber.Map{
		"symbol":    quote.Symbol,
		"usdPrice":  quote.USDPrice,
		"fetchedAt": quote.FetchedAt.Unix(),
	})
}

type webhookRegisterRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events"`
}

// WebhooksRegister registers a new subscriber.
func (h *handler) WebhooksRegister(c fiber.Ctx) error {
	if h.deps.Webhooks == nil {
		return facilitatorNotConfigured(c)
	}
	var req webhookRegisterRequest
	if err := c.Bind().Body(&req); err != nil {
		return h.badRequest(c, err)
	}
	if strings.TrimSpace(req.URL) == "" || len(req.Events) == 0 {
		return h.badRequest(c, errMissingWebhookFields)
	}
	sub, err := h.deps.Webhooks.Register(c.Context(), req.URL, req.Secret, req.Events)
	if err != nil {
		return h.badRequest(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id": sub.ID, "url": sub.URL, "events": sub.Events, "active": sub.Active,
	})
}

// WebhooksList lists every registered subscriber.
func (h *handler) WebhooksList(c fiber.Ctx) error {
	if h.deps.Webhooks == nil {
		return facilitatorNotConfigured(c)
	}
	subs, err := h.deps.Webhooks.List(c.Context())
	if err != nil {
		return h.badRequest(c, err)
	}
	return c.JSON(fiber.Map{"webhooks": subs})
}

// WebhooksDeactivate deactivates a subscriber by id.
func (h *handler) WebhooksDeactivate(c fiber.Ctx) error {
	if h.deps.Webhooks == nil {
		return facilitatorNotConfigured(c)
	}
	id := c.Params("id")
	if err := h.deps.Webhooks.Deactivate(c.Context(), id); err != nil {
		return h.badRequest(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// redactAddress collapses a hex address to its documented log-hygiene
// form, 0xAAAA…BBBB, leaving short or malformed strings untouched.
func redactAddress(addr string) string {
	if len(addr) < 10 || !strings.HasPrefix(addr, "0x") {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
