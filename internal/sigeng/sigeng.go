// Package sigeng recovers the signing address from an x402 payment
// authorization's EIP-712 typed-data signature. It implements both
// authorization schemas: the Permit2-style witness-spend domain and the
// ERC-3009-style direct-auth domain. Recovery is a pure function of its
// inputs.
package sigeng

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ErrInvalidSignatureFormat is returned when the signature is not 65 bytes.
var ErrInvalidSignatureFormat = errors.New("sigeng: signature must be 65 bytes (r || s || v)")

// WitnessSpendAuthorization is the decoded form of the witness-spend
// payload: `{ permitted: { token, amount }, spender, nonce, deadline }`
// plus a witness `{ receiver, validAfter, validBefore }`. Numeric fields
// travel as base-10 decimal strings on the wire, matching the x402 JSON
// convention of never encoding amounts as JSON numbers.
type WitnessSpendAuthorization struct {
	PermittedToken  string
	PermittedAmount string
	Spender         string
	Nonce           string
	Deadline        string
	Receiver        string
	ValidAfter      string
	ValidBefore     string
}

// DirectAuthAuthorization is the decoded form of the ERC-3009-style
// `transferWithAuthorization` payload: `{ from, to, value, validAfter,
// validBefore, nonce }`. Nonce is a 32-byte opaque tag; it may arrive as
// hex or as a decimal integer, which the caller normalizes before
// recovery (see NormalizeNonce32).
type DirectAuthAuthorization struct {
	From        string
	To          string
	Value       string
	ValidAfter  string
	ValidBefore string
	Nonce       [32]byte
}

// NormalizeNonce32 left-pads a nonce to 32 bytes. It accepts either a
// "0x"-prefixed hex string of up to 32 bytes, or a base-10 decimal
// integer; decimal nonces are left-padded to 32 bytes.
func NormalizeNonce32(s string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		b := common.FromHex(trimmed)
		if len(b) > 32 {
			return out, fmt.Errorf("sigeng: nonce hex too long (%d bytes)", len(b))
		}
		copy(out[32-len(b):], b)
		return out, nil
	}
	n, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return out, fmt.Errorf("sigeng: nonce %q is neither hex nor decimal", s)
	}
	b := n.Bytes()
	if len(b) > 32 {
		return out, fmt.Errorf("sigeng: decimal nonce too large for 32 bytes")
	}
	copy(out[32-len(b):], b)
	return out, nil
}

// RecoverWitnessSpend recovers the signer of a witness-spend authorization.
// verifyingContract is the well-known Permit2-family contract address that
// signed over the domain (not the token address). The recovered address is
// the payer; it is returned lowercased, the authoritative payer identity.
func RecoverWitnessSpend(auth WitnessSpendAuthorization, signature []byte, chainID *big.Int, verifyingContract string) (string, error) {
	v, r, s, err := splitSignature(signature)
	if err != nil {
		return "", err
	}

	amount, ok := new(big.Int).SetString(auth.PermittedAmount, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid permitted amount %q", auth.PermittedAmount)
	}
	nonce, ok := new(big.Int).SetString(auth.Nonce, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid nonce %q", auth.Nonce)
	}
	deadline, ok := new(big.Int).SetString(auth.Deadline, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid deadline %q", auth.Deadline)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid validBefore %q", auth.ValidBefore)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TokenPermissions": {
				{Name: "token", Type: "address"},
				{Name: "amount", Type: "uint256"},
			},
			"X402TransferDetails": {
				{Name: "receiver", Type: "address"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
			},
			"PermitWitnessTransferFrom": {
				{Name: "permitted", Type: "TokenPermissions"},
				{Name: "spender", Type: "address"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "witness", Type: "X402TransferDetails"},
			},
		},
		PrimaryType: "PermitWitnessTransferFrom",
		Domain: apitypes.TypedDataDomain{
			Name:              "Permit2",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"permitted": map[string]interface{}{
				"token":  auth.PermittedToken,
				"amount": amount,
			},
			"spender":  auth.Spender,
			"nonce":    nonce,
			"deadline": deadline,
			"witness": map[string]interface{}{
				"receiver":    auth.Receiver,
				"validAfter":  validAfter,
				"validBefore": validBefore,
			},
		},
	}

	return recoverFromTypedData(typedData, v, r, s)
}

// RecoverDirectAuth recovers the signer of a direct-auth
// (transferWithAuthorization) authorization. The domain's name and version
// are token-specific (e.g. "USD Coin" / "2" for Circle's USDC), keyed by
// the token address and chain.
func RecoverDirectAuth(auth DirectAuthAuthorization, signature []byte, chainID *big.Int, tokenAddress, tokenName, tokenVersion string) (string, error) {
	v, r, s, err := splitSignature(signature)
	if err != nil {
		return "", err
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid value %q", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid validAfter %q", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("sigeng: invalid validBefore %q", auth.ValidBefore)
	}

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
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: tokenAddress,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       auth.Nonce[:],
		},
	}

	return recoverFromTypedData(typedData, v, r, s)
}

func recoverFromTypedData(typedData apitypes.TypedData, v byte, r, s [32]byte) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("sigeng: hash typed data: %w", err)
	}

	sig := make([]byte, 65)
	copy(sig[0:32], r[:])
	copy(sig[32:64], s[:])
	sig[64] = v

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("sigeng: recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// splitSignature decodes a 65-byte r||s||v signature and normalizes v to
// the {0,1} recovery-id form crypto.SigToPub expects, accepting both the
// {0,1} and the Ethereum-conventional {27,28} encodings.
func splitSignature(signature []byte) (v byte, r, s [32]byte, err error) {
	if len(signature) != 65 {
		return 0, r, s, ErrInvalidSignatureFormat
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v >= 27 {
		v -= 27
	}
	if v != 0 && v != 1 {
		return 0, r, s, fmt.Errorf("sigeng: invalid recovery id %d", signature[64])
	}
	return v, r, s, nil
}
