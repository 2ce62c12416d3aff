// Package ledger is the thin read/write adapter onto the chain: balance and
// allowance reads for the verifier, and raw transaction submission for the
// settlement orchestrator and the fee-splitter client. It owns no signing
// key of its own — callers supply a SpendSigner so the same adapter serves
// both the facilitator's local hex key and a KMS-backed one (see
// internal/kmssigner).
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// pollInterval governs how often WaitMined re-checks for a receipt between
// ctx cancellation checks.
const pollInterval = 2 * time.Second

// balanceOfSig and allowanceSig are the 4-byte selectors for the ERC-20
// read methods the verifier needs. Encoding these two calls by hand avoids
// pulling in the full abi.JSON parser for what amounts to two read calls.
var (
	balanceOfSig = mustSelector("balanceOf(address)")
	allowanceSig = mustSelector("allowance(address,address)")
)

func mustSelector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// Client wraps an ethclient connection for one chain.
type Client struct {
	rpc     *ethclient.Client
	chainID *big.Int
}

// Dial connects to chain's JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	return &Client{rpc: rpc, chainID: chainID}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID returns the chain this client is connected to.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// BalanceOf returns an ERC-20 token balance for owner.
func (c *Client) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	data := append(append([]byte{}, balanceOfSig...), addressArg(owner)...)
	return c.callUint256(ctx, token, data)
}

// AllowanceOf returns the ERC-20 allowance owner has granted to spender.
func (c *Client) AllowanceOf(ctx context.Context, token, owner, spender string) (*big.Int, error) {
	data := append(append([]byte{}, allowanceSig...), addressArg(owner)...)
	data = append(data, addressArg(spender)...)
	return c.callUint256(ctx, token, data)
}

func (c *Client) callUint256(ctx context.Context, to string, data []byte) (*big.Int, error) {
	toAddr := common.HexToAddress(to)
	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &toAddr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call contract: %w", err)
	}
	if len(result) < 32 {
		return nil, fmt.Errorf("ledger: short return data (%d bytes)", len(result))
	}
	return new(big.Int).SetBytes(result[len(result)-32:]), nil
}

func addressArg(addr string) []byte {
	padded := make([]byte, 32)
	copy(padded[12:], common.HexToAddress(addr).Bytes())
	return padded
}

// PendingNonce returns the next transaction nonce for addr, queried live
// (never cached), as required by the nonce-retry discipline: every
// facilitator-submitted transaction asks the chain fresh.
func (c *Client) PendingNonce(ctx context.Context, addr string) (uint64, error) {
	return c.rpc.PendingNonceAt(ctx, common.HexToAddress(addr))
}

// SuggestFees returns a base fee cap and a default priority tip for an
// EIP-1559 transaction, derived from the latest block header.
func (c *Client) SuggestFees(ctx context.Context) (feeCap, tip *big.Int, err error) {
	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: latest header: %w", err)
	}
	tip = big.NewInt(1e9) // 1 gwei default priority fee
	feeCap = new(big.Int).Add(header.BaseFee, new(big.Int).Mul(tip, big.NewInt(2)))
	return feeCap, tip, nil
}

// EstimateGas estimates gas for a call, with a conservative fallback if
// estimation itself fails (some RPC providers reject eth_estimateGas for
// contracts that revert under simulation-time balance assumptions).
func (c *Client) EstimateGas(ctx context.Context, from, to string, data []byte, fallback uint64) uint64 {
	fromAddr := common.HexToAddress(from)
	toAddr := common.HexToAddress(to)
	est, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: fromAddr, To: &toAddr, Data: data})
	if err != nil {
		return fallback
	}
	return est * 12 / 10 // 20% buffer
}

// SendRawTransaction submits an already-signed transaction.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := c.rpc.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("ledger: send transaction: %w", err)
	}
	return nil
}

// WaitMined blocks until tx is mined or ctx is cancelled, returning the
// receipt. Callers enforce their own settlement timeout via ctx.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
