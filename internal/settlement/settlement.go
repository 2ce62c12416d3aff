// Package settlement is the orchestrator: it re-verifies an authorization,
// submits the authorization-spend on-chain, waits for confirmation,
// optionally invokes the fee-splitter, and records the terminal outcome.
//
// The facilitator signing key is single-writer by construction here: every
// call that would sign a transaction — the authorization-spend and the
// splitter's own splitPayment call — is submitted as a job to one
// goroutine that owns the signer and processes jobs strictly one at a
// time, a request-response queue rather than an ad-hoc mutex, so the
// discipline survives refactors instead of depending on every call site
// remembering to take a lock.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"x402facilitator/internal/audit"
	"x402facilitator/internal/ledger"
	"x402facilitator/internal/money"
	"x402facilitator/internal/registry"
	"x402facilitator/internal/replay"
	"x402facilitator/internal/splitter"
	"x402facilitator/internal/verifier"
	"x402facilitator/internal/webhook"
)

// Chain is the full on-chain surface the orchestrator needs: reads for
// re-verification and writes for the authorization-spend and splitter call.
type Chain interface {
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	AllowanceOf(ctx context.Context, token, owner, spender string) (*big.Int, error)
	PendingNonce(ctx context.Context, addr string) (uint64, error)
	SuggestFees(ctx context.Context) (feeCap, tip *big.Int, err error)
	EstimateGas(ctx context.Context, from, to string, data []byte, fallback uint64) uint64
	SendRawTransaction(ctx context.Context, tx *types.Transaction) error
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubmitSpend(ctx context.Context, signer ledger.SpendSigner, to string, data []byte) (*types.Transaction, error)
}

var _ Chain = (*ledger.Client)(nil)

// Signer is the facilitator's own key, shared by the authorization-spend
// submission and the splitter client.
type Signer interface {
	Address() string
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// AuditLog is the subset of audit.Log the orchestrator depends on; an
// interface so tests can substitute an in-memory fake instead of a real
// database connection.
type AuditLog interface {
	Open(ctx context.Context, txn *audit.Transaction) error
	SetLedgerTxID(ctx context.Context, id, ledgerTxID string) error
	MarkSuccess(ctx context.Context, id, ledgerTxID string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

var _ AuditLog = (*audit.Log)(nil)

// Config bounds the orchestrator's on-chain waits and operating mode.
type Config struct {
	SettlementTimeout  time.Duration // clamps the on-chain confirmation wait, 5s-300s per the environment contract
	MinSettlementUnit  money.Amount  // amounts below this are rejected outright (dust floor), zero disables the floor
}

// Result is the outcome of a Settle call.
type Result struct {
	Success       bool
	TransactionID string
	LedgerTxID    string
	Payer         string
	Amount        money.Amount
	NetAmount     money.Amount
	Fee           money.Amount
	Network       string
	// InvalidReason is set when re-verification failed; the settlement
	// attempt never reached the chain.
	InvalidReason verifier.Reason
	// FailureReason is set when verification passed but the on-chain
	// attempt did not succeed.
	FailureReason verifier.Reason
}

type signerJob struct {
	run      func() (any, error)
	resultCh chan signerJobResult
}

type signerJobResult struct {
	value any
	err   error
}

// Orchestrator ties together the verifier, audit log, replay store,
// splitter, and webhook dispatcher around one chain and one signing key.
type Orchestrator struct {
	cfg        Config
	chainID    *big.Int
	chain      Chain
	signer     Signer
	verifier   *verifier.Verifier
	registry   *registry.Registry
	nonces     replay.NonceStore
	auditLog   AuditLog
	split      *splitter.Client
	dispatcher *webhook.Dispatcher

	jobs chan signerJob
	stop chan struct{}
}

// New constructs an orchestrator and starts its single signer worker.
func New(
	cfg Config,
	chainID *big.Int,
	chain Chain,
	signer Signer,
	v *verifier.Verifier,
	reg *registry.Registry,
	nonces replay.NonceStore,
	auditLog AuditLog,
	split *splitter.Client,
	dispatcher *webhook.Dispatcher,
) *Orchestrator {
	o := &Orchestrator{
		cfg: cfg, chainID: chainID, chain: chain, signer: signer,
		verifier: v, registry: reg, nonces: nonces, auditLog: auditLog, split: split, dispatcher: dispatcher,
		jobs: make(chan signerJob),
		stop: make(chan struct{}),
	}
	go o.runSigner()
	return o
}

// Close stops the signer worker. In-flight jobs are allowed to finish.
func (o *Orchestrator) Close() {
	close(o.stop)
}

func (o *Orchestrator) runSigner() {
	for {
		select {
		case <-o.stop:
			return
		case job := <-o.jobs:
			value, err := job.run()
			job.resultCh <- signerJobResult{value: value, err: err}
		}
	}
}

// submit runs run on the single signer worker and blocks for its result.
func (o *Orchestrator) submit(run func() (any, error)) (any, error) {
	resultCh := make(chan signerJobResult, 1)
	o.jobs <- signerJob{run: run, resultCh: resultCh}
	result := <-resultCh
	return result.value, result.err
}

// Settle re-verifies auth against req, then — if and only if verification
// still passes — submits the authorization-spend, waits for confirmation,
// optionally splits via the fee-splitter contract, records the terminal
// audit status, and fires a webhook. It never retries the authorization-
// spend itself: a failure there is terminal for this call (only the
// splitter's own transactions are retried; see internal/splitter).
func (o *Orchestrator) Settle(ctx context.Context, auth verifier.Authorization, req verifier.Requirements) (Result, error) {
	verified, err := o.verifier.Verify(ctx, auth, req)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: re-verify: %w", err)
	}
	if !verified.Valid {
		return Result{InvalidReason: verified.InvalidReason}, nil
	}
	if !o.cfg.MinSettlementUnit.IsZero() && verified.Amount.Cmp(o.cfg.MinSettlementUnit) < 0 {
		return Result{InvalidReason: verifier.ReasonInvalidAuthorizationValueTooLow}, nil
	}

	tokenAddress := req.Token
	if verified.Protocol == verifier.ProtocolWitnessSpend {
		tokenAddress = auth.WitnessSpend.PermittedToken
	}
	token, _ := o.registry.ByAddress(auth.Network, tokenAddress)

	nonceKey := nonceKeyFor(verified.Protocol, auth)

	txn := &audit.Transaction{
		Nonce: nonceKey, Payer: verified.Payer, Receiver: req.PayTo,
		TokenAddress: tokenAddress, TokenSymbol: token.Symbol,
		Amount: verified.Amount, Fee: verified.Fee, FeeBps: verified.FeeBps,
		Network: auth.Network, Protocol: audit.Protocol(verified.Protocol),
	}
	if err := o.auditLog.Open(ctx, txn); err != nil {
		return Result{}, fmt.Errorf("settlement: open audit record: %w", err)
	}

	settleCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.SettlementTimeout > 0 {
		settleCtx, cancel = context.WithTimeout(ctx, o.cfg.SettlementTimeout)
		defer cancel()
	}

	spendTo, spendData, err := o.buildSpendCall(verified.Protocol, auth, tokenAddress)
	if err != nil {
		return o.fail(ctx, txn, verified, verifier.ReasonInvalidAuthorizationTypedDataMessage, err)
	}

	spendTxAny, err := o.submit(func() (any, error) {
		return o.chain.SubmitSpend(settleCtx, o.signer, spendTo, spendData)
	})
	if err != nil {
		return o.fail(ctx, txn, verified, verifier.ReasonTransactionReverted, err)
	}
	spendTx := spendTxAny.(*types.Transaction)
	if err := o.auditLog.SetLedgerTxID(ctx, txn.ID, spendTx.Hash().Hex()); err != nil {
		return Result{}, fmt.Errorf("settlement: record ledger tx id: %w", err)
	}

	receipt, err := o.chain.WaitMined(settleCtx, spendTx.Hash())
	if err != nil {
		return o.fail(ctx, txn, verified, verifier.ReasonTransactionTimeout, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return o.fail(ctx, txn, verified, verifier.ReasonTransactionReverted, fmt.Errorf("settlement: authorization-spend reverted"))
	}

	ledgerTxID := spendTx.Hash().Hex()

	if o.split != nil && o.split.Enabled() {
		recipient := req.ActualRecipient
		if recipient == "" {
			recipient = req.PayTo
		}
		splitReceipt, err := o.submitSplit(settleCtx, tokenAddress, verified.Payer, recipient, verified.NetAmount.BigInt())
		if err != nil {
			// The authorization-spend already succeeded; funds sit in the
			// splitter contract. Record the spend tx so an operator can
			// recover manually, per audit.Log.MarkFailed's documented use.
			return o.fail(ctx, txn, verified, verifier.ReasonTransactionReverted, fmt.Errorf("splitter call failed after spend %s: %w", ledgerTxID, err))
		}
		if splitReceipt.Status != types.ReceiptStatusSuccessful {
			return o.fail(ctx, txn, verified, verifier.ReasonTransactionReverted, fmt.Errorf("splitter call reverted after spend %s", ledgerTxID))
		}
		ledgerTxID = splitReceipt.TxHash.Hex()
	}

	if err := o.nonces.MarkUsed(ctx, verified.Payer, nonceKey, tokenAddress, ledgerTxID); err != nil {
		// The spend already landed, but the nonce is not recorded, so
		// replay protection for this authorization is compromised: the
		// record is failed with that warning instead of marked success.
		return o.fail(ctx, txn, verified, verifier.ReasonTransactionReverted, fmt.Errorf("replay protection compromised: nonce not recorded after spend %s: %w", ledgerTxID, err))
	}

	if err := o.auditLog.MarkSuccess(ctx, txn.ID, ledgerTxID); err != nil {
		return Result{}, fmt.Errorf("settlement: mark success: %w", err)
	}

	if o.dispatcher != nil {
		o.dispatcher.Emit(ctx, webhook.EventSettlementSuccess, webhook.Data{
			TransactionID: txn.ID,
			TxHash:        strPtr(ledgerTxID),
			Payer:         verified.Payer,
			Receiver:      req.PayTo,
			Token:         tokenAddress,
			Amount:        verified.Amount.String(),
			Fee:           verified.Fee.String(),
			Network:       auth.Network,
			Status:        string(audit.StatusSuccess),
		}, time.Now())
	}

	return Result{
		Success: true, TransactionID: txn.ID, LedgerTxID: ledgerTxID,
		Payer: verified.Payer, Amount: verified.Amount, NetAmount: verified.NetAmount,
		Fee: verified.Fee, Network: auth.Network,
	}, nil
}

func (o *Orchestrator) submitSplit(ctx context.Context, token, payer, recipient string, amount *big.Int) (*types.Receipt, error) {
	result, err := o.submit(func() (any, error) {
		return o.split.Split(ctx, token, payer, recipient, amount)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.Receipt), nil
}

func (o *Orchestrator) fail(ctx context.Context, txn *audit.Transaction, verified verifier.Result, reason verifier.Reason, cause error) (Result, error) {
	if markErr := o.auditLog.MarkFailed(ctx, txn.ID, fmt.Sprintf("%s: %v", reason, cause)); markErr != nil {
		return Result{}, fmt.Errorf("settlement: mark failed: %w (original cause: %v)", markErr, cause)
	}
	if o.dispatcher != nil {
		reasonStr := string(reason)
		o.dispatcher.Emit(ctx, webhook.EventSettlementFailed, webhook.Data{
			TransactionID: txn.ID,
			Payer:         verified.Payer,
			Receiver:      txn.Receiver,
			Token:         txn.TokenAddress,
			Amount:        verified.Amount.String(),
			Fee:           verified.Fee.String(),
			Network:       txn.Network,
			Status:        string(audit.StatusFailed),
			ErrorReason:   &reasonStr,
		}, time.Now())
	}
	return Result{FailureReason: reason, TransactionID: txn.ID}, nil
}

func (o *Orchestrator) buildSpendCall(protocol verifier.Protocol, auth verifier.Authorization, tokenAddress string) (to string, data []byte, err error) {
	if protocol == verifier.ProtocolDirectAuth {
		da := auth.DirectAuth
		value, ok := new(big.Int).SetString(da.Value, 10)
		if !ok {
			return "", nil, fmt.Errorf("settlement: invalid value %q", da.Value)
		}
		validAfter, _ := new(big.Int).SetString(da.ValidAfter, 10)
		validBefore, _ := new(big.Int).SetString(da.ValidBefore, 10)
		data, err = ledger.EncodeTransferWithAuthorization(da.From, da.To, value, validAfter, validBefore, da.Nonce, auth.Signature)
		return tokenAddress, data, err
	}

	ws := auth.WitnessSpend
	data, err = ledger.EncodePermitWitnessTransferFrom(
		ws.PermittedToken, ws.PermittedAmount, ws.Spender, ws.Nonce, ws.Deadline,
		ws.Receiver, ws.ValidAfter, ws.ValidBefore, auth.Signature,
	)
	return ws.Spender, data, err
}

func nonceKeyFor(protocol verifier.Protocol, auth verifier.Authorization) string {
	if protocol == verifier.ProtocolWitnessSpend {
		return auth.WitnessSpend.Nonce
	}
	return string(auth.DirectAuth.Nonce[:])
}

func strPtr(s string) *string { return &s }
