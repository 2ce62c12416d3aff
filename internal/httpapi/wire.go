// Package httpapi exposes the facilitator's HTTP surface: verification,
// settlement, the supported-schemes catalog, webhook subscription
// management, and the resource discovery feed. It decodes the wire
// payload shape, delegates to the verifier/settlement orchestrator, and
// maps internal results back onto the documented status-code conventions.
package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"x402facilitator/internal/sigeng"
	"x402facilitator/internal/verifier"
)

// decodeSignature parses a "0x"-prefixed hex-encoded signature.
func decodeSignature(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("httpapi: missing signature")
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("httpapi: decode signature: %w", err)
	}
	return b, nil
}

// wireRequirements is the resource server's payment offer as it travels on
// the wire, matching both x402 v1 and v2 field names where they differ.
type wireRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	PayTo             string         `json:"payTo"`
	Asset             string         `json:"asset"` // token address; "token" accepted too
	Token             string         `json:"token"`
	Extra             map[string]any `json:"extra,omitempty"`
}

func (w wireRequirements) toRequirements() verifier.Requirements {
	token := w.Token
	if token == "" {
		token = w.Asset
	}
	var actualRecipient string
	if w.Extra != nil {
		if v, ok := w.Extra["actualRecipient"].(string); ok {
			actualRecipient = v
		}
	}
	return verifier.Requirements{
		Scheme: w.Scheme, Network: w.Network, MaxAmountRequired: w.MaxAmountRequired,
		Resource: w.Resource, PayTo: w.PayTo, Token: token, ActualRecipient: actualRecipient,
	}
}

// wireWitnessSpend is the Permit2-style witness-spend authorization shape.
type wireWitnessSpend struct {
	Permitted struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
	} `json:"permitted"`
	Spender  string `json:"spender"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
	Witness  struct {
		Receiver    string `json:"receiver"`
		ValidAfter  string `json:"validAfter"`
		ValidBefore string `json:"validBefore"`
	} `json:"witness"`
}

func (w wireWitnessSpend) toAuthorization() sigeng.WitnessSpendAuthorization {
	return sigeng.WitnessSpendAuthorization{
		PermittedToken: w.Permitted.Token, PermittedAmount: w.Permitted.Amount,
		Spender: w.Spender, Nonce: w.Nonce, Deadline: w.Deadline,
		Receiver: w.Witness.Receiver, ValidAfter: w.Witness.ValidAfter, ValidBefore: w.Witness.ValidBefore,
	}
}

// wireDirectAuth is the ERC-3009-style transferWithAuthorization shape.
type wireDirectAuth struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// wirePayload is the authorization payload's union shape: it is
// structurally either a witness-spend payload (has "permitted") or a
// direct-auth payload (has "value"/"from"/"to" at the top level). The two
// shapes share a "nonce" field with different meanings, so decoding picks
// one concrete struct to unmarshal into rather than embedding both (which
// would make encoding/json drop the ambiguous field from both).
type wirePayload struct {
	signature  string
	witness    *wireWitnessSpend
	directAuth *wireDirectAuth
}

func (p *wirePayload) UnmarshalJSON(data []byte) error {
	var sig struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(data, &sig); err != nil {
		return err
	}
	p.signature = sig.Signature

	var probe struct {
		Permitted json.RawMessage `json:"permitted"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	if len(probe.Permitted) > 0 {
		var ws wireWitnessSpend
		if err := json.Unmarshal(data, &ws); err != nil {
			return fmt.Errorf("httpapi: decode witness-spend payload: %w", err)
		}
		p.witness = &ws
		return nil
	}

	var da wireDirectAuth
	if err := json.Unmarshal(data, &da); err != nil {
		return fmt.Errorf("httpapi: decode direct-auth payload: %w", err)
	}
	p.directAuth = &da
	return nil
}

// wireRequest is the full request body accepted at /verify and /settle. It
// tolerates both the v1 top-level field set and the v2 nested-accepted
// shape: "payload" and "paymentPayload" are both accepted as the
// authorization field name, and "accepted" is accepted in place of
// "paymentRequirements".
type wireRequest struct {
	X402Version    int               `json:"x402Version"`
	Payload        *wirePayload      `json:"payload"`
	PaymentPayload *wirePayload      `json:"paymentPayload"`
	Scheme         string            `json:"scheme"`
	Network        string            `json:"network"`
	Requirements   wireRequirements  `json:"paymentRequirements"`
	Accepted       *wireRequirements `json:"accepted"`
}

// decode parses a /verify or /settle request body into the verifier's
// normalized Authorization and Requirements, accepting the field-name and
// version-placement variance the wire format allows.
func decode(body []byte) (verifier.Authorization, verifier.Requirements, error) {
	var req wireRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return verifier.Authorization{}, verifier.Requirements{}, fmt.Errorf("httpapi: decode request: %w", err)
	}

	payload := req.Payload
	if payload == nil {
		payload = req.PaymentPayload
	}
	if payload == nil {
		return verifier.Authorization{}, verifier.Requirements{}, fmt.Errorf("httpapi: missing payload/paymentPayload")
	}

	reqs := req.Requirements
	if req.Accepted != nil {
		reqs = *req.Accepted
	}

	auth := verifier.Authorization{
		Scheme:      req.Scheme,
		Network:     req.Network,
		X402Version: req.X402Version,
	}

	sig, err := decodeSignature(payload.signature)
	if err != nil {
		return verifier.Authorization{}, verifier.Requirements{}, err
	}
	auth.Signature = sig

	switch {
	case payload.witness != nil:
		ws := payload.witness.toAuthorization()
		auth.WitnessSpend = &ws
	case payload.directAuth != nil:
		nonce, err := sigeng.NormalizeNonce32(payload.directAuth.Nonce)
		if err != nil {
			return verifier.Authorization{}, verifier.Requirements{}, fmt.Errorf("httpapi: decode direct-auth nonce: %w", err)
		}
		da := sigeng.DirectAuthAuthorization{
			From: payload.directAuth.From, To: payload.directAuth.To, Value: payload.directAuth.Value,
			ValidAfter: payload.directAuth.ValidAfter, ValidBefore: payload.directAuth.ValidBefore, Nonce: nonce,
		}
		auth.DirectAuth = &da
	default:
		return verifier.Authorization{}, verifier.Requirements{}, fmt.Errorf("httpapi: payload is neither witness-spend nor direct-auth shaped")
	}

	return auth, reqs.toRequirements(), nil
}
