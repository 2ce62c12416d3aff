// Package splitter is the second-phase on-chain call: once the
// authorization-spend has moved funds into the splitter contract, this
// package invokes splitPayment(token, payer, recipient, amount) to forward
// the net amount on to its final destination. It owns the nonce-retry
// discipline that is deliberately NOT applied to the user-signed
// authorization-spend itself — only to transactions the facilitator key
// submits on its own behalf.
package splitter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var splitPaymentSig = crypto.Keccak256([]byte("splitPayment(address,address,address,uint256)"))[:4]

// maxRetryAttempts bounds the nonce-retry loop for facilitator-submitted
// transactions; this never applies to the authorization-spend, which is
// signed by the payer and submitted exactly once.
const maxRetryAttempts = 3

// retryableSubstrings are the RPC error fragments that indicate a nonce
// collision rather than a genuine transaction failure.
var retryableSubstrings = []string{
	"replacement transaction underpriced",
	"nonce too low",
	"already known",
}

// Chain is the subset of ledger.Client the splitter needs to submit and
// retry its own transactions.
type Chain interface {
	PendingNonce(ctx context.Context, addr string) (uint64, error)
	SuggestFees(ctx context.Context) (feeCap, tip *big.Int, err error)
	EstimateGas(ctx context.Context, from, to string, data []byte, fallback uint64) uint64
	SendRawTransaction(ctx context.Context, tx *types.Transaction) error
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer signs a transaction with the facilitator's key (or a KMS-backed
// equivalent — see internal/kmssigner).
type Signer interface {
	Address() string
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Client submits splitPayment calls against a configured splitter contract.
type Client struct {
	chain      Chain
	signer     Signer
	chainID    *big.Int
	contract   string
	sleep      func(time.Duration)
}

// New constructs a splitter client bound to one chain's contract address.
// If contract is empty or the zero address, splitting is disabled for this
// chain (operating mode "direct"); callers should check Enabled() before
// invoking Split.
func New(chain Chain, signer Signer, chainID *big.Int, contract string) *Client {
	return &Client{chain: chain, signer: signer, chainID: chainID, contract: contract, sleep: time.Sleep}
}

// Enabled reports whether a non-zero splitter contract is configured for
// this chain.
func (c *Client) Enabled() bool {
	return strings.Trim(strings.TrimPrefix(c.contract, "0x"), "0") != ""
}

// Split calls splitPayment(token, payer, recipient, amount) on the
// configured contract, retrying nonce collisions per the facilitator-key
// discipline: query the pending nonce fresh on every attempt, bump
// maxFeePerGas by 1.5x and maxPriorityFeePerGas by 2x per attempt, wait
// 3s*attempt between attempts, and give up after three tries. Any other
// error is not retried.
func (c *Client) Split(ctx context.Context, token, payer, recipient string, amount *big.Int) (*types.Receipt, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("splitter: no contract configured for this chain")
	}

	data := encodeSplitPayment(token, payer, recipient, amount)

	feeCap, tip, err := c.chain.SuggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("splitter: suggest fees: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetryAttempts; attempt++ {
		if attempt > 0 {
			c.sleep(time.Duration(attempt) * 3 * time.Second)
			feeCap = scaleBig(feeCap, 15, 10)  // *1.5
			tip = scaleBig(tip, 2, 1)          // *2
		}

		nonce, err := c.chain.PendingNonce(ctx, c.signer.Address())
		if err != nil {
			return nil, fmt.Errorf("splitter: pending nonce: %w", err)
		}

		gas := c.chain.EstimateGas(ctx, c.signer.Address(), c.contract, data, 150_000)

		toAddr := common.HexToAddress(c.contract)
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

		signed, err := c.signer.SignTx(tx, c.chainID)
		if err != nil {
			return nil, fmt.Errorf("splitter: sign transaction: %w", err)
		}

		if err := c.chain.SendRawTransaction(ctx, signed); err != nil {
			if !isRetryable(err) {
				return nil, fmt.Errorf("splitter: send transaction: %w", err)
			}
			lastErr = err
			continue
		}

		return c.chain.WaitMined(ctx, signed.Hash())
	}

	return nil, fmt.Errorf("splitter: exhausted %d retry attempts: %w", maxRetryAttempts, lastErr)
}

func isRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func scaleBig(v *big.Int, mulNum, mulDen int64) *big.Int {
	r := new(big.Int).Mul(v, big.NewInt(mulNum))
	return r.Div(r, big.NewInt(mulDen))
}

func encodeSplitPayment(token, payer, recipient string, amount *big.Int) []byte {
	data := make([]byte, 4+4*32)
	copy(data[:4], splitPaymentSig)
	offset := 4
	copy(data[offset+12:offset+32], common.HexToAddress(token).Bytes())
	offset += 32
	copy(data[offset+12:offset+32], common.HexToAddress(payer).Bytes())
	offset += 32
	copy(data[offset+12:offset+32], common.HexToAddress(recipient).Bytes())
	offset += 32
	amountBytes := amount.Bytes()
	copy(data[offset+32-len(amountBytes):offset+32], amountBytes)
	return data
}
