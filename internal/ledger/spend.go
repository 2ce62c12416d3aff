package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// transferWithAuthSig and permitWitnessTransferSig are the selectors
// for the two authorization-spend entry points: ERC-3009's direct transfer
// and Permit2's witness-carrying permit transfer.
var (
	transferWithAuthSig         = mustSelector("transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)")
	permitWitnessTransferSig    = mustSelector("permitWitnessTransferFrom((address,uint256),address,uint256,uint256,(address,uint256,uint256),bytes)")
)

func pad32(n *big.Int) []byte {
	out := make([]byte, 32)
	b := n.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// EncodeTransferWithAuthorization ABI-encodes a call to the ERC-3009
// transferWithAuthorization entry point, embedding the payer's own
// off-chain signature as call data — the facilitator pays gas, but the
// payer's signature is what authorizes the value movement.
func EncodeTransferWithAuthorization(from, to string, value, validAfter, validBefore *big.Int, nonce [32]byte, signature []byte) ([]byte, error) {
	if len(signature) != 65 {
		return nil, fmt.Errorf("ledger: signature must be 65 bytes, got %d", len(signature))
	}
	var r, s [32]byte
	copy(r[:], signature[:32])
	copy(s[:], signature[32:64])
	v := signature[64]
	if v < 27 {
		v += 27
	}

	data := make([]byte, 4+9*32)
	copy(data[:4], transferWithAuthSig)
	offset := 4
	copy(data[offset+12:offset+32], common.HexToAddress(from).Bytes())
	offset += 32
	copy(data[offset+12:offset+32], common.HexToAddress(to).Bytes())
	offset += 32
	copy(data[offset:offset+32], pad32(value))
	offset += 32
	copy(data[offset:offset+32], pad32(validAfter))
	offset += 32
	copy(data[offset:offset+32], pad32(validBefore))
	offset += 32
	copy(data[offset:offset+32], nonce[:])
	offset += 32
	data[offset+31] = v
	offset += 32
	copy(data[offset:offset+32], r[:])
	offset += 32
	copy(data[offset:offset+32], s[:])
	return data, nil
}

// EncodePermitWitnessTransferFrom ABI-encodes a call to Permit2's
// permitWitnessTransferFrom, carrying the x402 witness struct
// (receiver, validAfter, validBefore) alongside the standard permit fields.
func EncodePermitWitnessTransferFrom(token, amount, spenderIsSelf, nonce, deadline string, receiver, validAfter, validBefore string, signature []byte) ([]byte, error) {
	tokenAmt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid permitted amount %q", amount)
	}
	nonceBI, ok := new(big.Int).SetString(nonce, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid nonce %q", nonce)
	}
	deadlineBI, ok := new(big.Int).SetString(deadline, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid deadline %q", deadline)
	}
	validAfterBI, ok := new(big.Int).SetString(validAfter, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid validAfter %q", validAfter)
	}
	validBeforeBI, ok := new(big.Int).SetString(validBefore, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid validBefore %q", validBefore)
	}

	// Layout: permitted{token,amount}, owner-is-implicit-via-sig, spender,
	// nonce, deadline, witness{receiver,validAfter,validBefore}, then the
	// dynamic `bytes signature` tail (offset + length + padded content).
	head := make([]byte, 4+8*32)
	copy(head[:4], permitWitnessTransferSig)
	offset := 4
	copy(head[offset+12:offset+32], common.HexToAddress(token).Bytes())
	offset += 32
	copy(head[offset:offset+32], pad32(tokenAmt))
	offset += 32
	copy(head[offset+12:offset+32], common.HexToAddress(spenderIsSelf).Bytes())
	offset += 32
	copy(head[offset:offset+32], pad32(nonceBI))
	offset += 32
	copy(head[offset:offset+32], pad32(deadlineBI))
	offset += 32
	copy(head[offset+12:offset+32], common.HexToAddress(receiver).Bytes())
	offset += 32
	copy(head[offset:offset+32], pad32(validAfterBI))
	offset += 32
	copy(head[offset:offset+32], pad32(validBeforeBI))
	offset += 32
	copy(head[offset:offset+32], pad32(big.NewInt(9*32)))

	sigLen := len(signature)
	sigWords := (sigLen + 31) / 32
	tail := make([]byte, 32+32*sigWords)
	copy(tail[:32], pad32(big.NewInt(int64(sigLen))))
	copy(tail[32:32+sigLen], signature)

	return append(head, tail...), nil
}

// SpendSigner signs the facilitator-submitted authorization-spend
// transaction (gas-payer only; the call data already carries the payer's
// own signature).
type SpendSigner interface {
	Address() string
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SubmitSpend builds, signs, and submits an authorization-spend
// transaction exactly once. Unlike the splitter's nonce-retry discipline,
// this call is never retried: the payer's signature is single-use (the
// token contract enforces its own nonce/replay protection), so resubmitting
// on a transient RPC error risks a double-spend attempt against the same
// authorization under a different facilitator nonce.
func (c *Client) SubmitSpend(ctx context.Context, signer SpendSigner, to string, data []byte) (*types.Transaction, error) {
	nonce, err := c.PendingNonce(ctx, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("ledger: pending nonce: %w", err)
	}
	feeCap, tip, err := c.SuggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: suggest fees: %w", err)
	}
	gas := c.EstimateGas(ctx, signer.Address(), to, data, 150_000)

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &toAddr,
		Value:     new(big.Int),
		Data:      data,
	})

	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign transaction: %w", err)
	}
	if err := c.SendRawTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}
