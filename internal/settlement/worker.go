package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"

	"x402facilitator/internal/audit"
	"x402facilitator/internal/replay"
	"x402facilitator/internal/verifier"
)

// WorkerConfig bounds the reconciliation loop's cadence.
type WorkerConfig struct {
	// ReconcileInterval is how often to scan for crash-stranded records.
	ReconcileInterval time.Duration
	// StaleAfter is how old a pending record with a recorded ledger tx id
	// must be before it is treated as crash-stranded rather than merely
	// still waiting on confirmations within a normal Settle call.
	StaleAfter time.Duration
}

// DefaultWorkerConfig picks a reconciliation window well past the longest
// ordinary confirmation wait a live Settle call would give a transaction.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ReconcileInterval: 30 * time.Second,
		StaleAfter:        5 * time.Minute,
	}
}

// ReconcileAuditLog is the subset of audit.Log the worker depends on.
// ClaimPendingWithLedgerTxID holds its rows FOR UPDATE SKIP LOCKED inside
// the returned transaction, so a fleet of facilitator processes running
// this worker against the same database each reconcile a disjoint set of
// stranded records instead of racing each other.
type ReconcileAuditLog interface {
	ClaimPendingWithLedgerTxID(ctx context.Context, olderThan time.Duration) ([]*audit.Transaction, pgx.Tx, error)
	MarkSuccessTx(ctx context.Context, tx pgx.Tx, id, ledgerTxID string) error
	MarkFailedTx(ctx context.Context, tx pgx.Tx, id, reason string) error
}

var _ ReconcileAuditLog = (*audit.Log)(nil)

// ReceiptReader is the on-chain read the worker needs: given a tx hash it
// already knows about, look up its outcome.
type ReceiptReader interface {
	WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Worker periodically finishes records left pending by a crash between
// SetLedgerTxID and a terminal status. It never resubmits an
// authorization-spend: the single-shot discipline Settle enforces applies
// here too, so reconciliation only ever looks up the fate of a transaction
// that was already broadcast.
type Worker struct {
	cfg      WorkerConfig
	auditLog ReconcileAuditLog
	chain    ReceiptReader
	nonces   replay.NonceStore
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWorker constructs a reconciliation worker. It does not start running
// until Start is called.
func NewWorker(auditLog ReconcileAuditLog, chain ReceiptReader, nonces replay.NonceStore, cfg WorkerConfig) *Worker {
	return &Worker{
		cfg: cfg, auditLog: auditLog, chain: chain, nonces: nonces,
		stopCh: make(chan struct{}),
	}
}

// Start runs the reconciliation loop in the background until ctx is done or
// Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runReconcileLoop(ctx)
	}()
	slog.InfoContext(ctx, "settlement: reconciliation worker started")
}

// Stop blocks until the reconciliation loop has exited.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("settlement: reconciliation worker stopped")
}

func (w *Worker) runReconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reconcilePending(ctx)
		}
	}
}

func (w *Worker) reconcilePending(ctx context.Context) {
	records, tx, err := w.auditLog.ClaimPendingWithLedgerTxID(ctx, w.cfg.StaleAfter)
	if err != nil {
		slog.ErrorContext(ctx, "settlement: reconcile claim failed", "error", err)
		return
	}
	if len(records) == 0 {
		_ = tx.Rollback(ctx)
		return
	}
	slog.InfoContext(ctx, "settlement: reconciling crash-stranded records", "count", len(records))

	for _, txn := range records {
		select {
		case <-ctx.Done():
			_ = tx.Rollback(ctx)
			return
		case <-w.stopCh:
			_ = tx.Rollback(ctx)
			return
		default:
		}
		w.reconcileOne(ctx, tx, txn)
	}

	if err := tx.Commit(ctx); err != nil {
		slog.ErrorContext(ctx, "settlement: reconcile commit failed", "error", err)
	}
}

func (w *Worker) reconcileOne(ctx context.Context, tx pgx.Tx, txn *audit.Transaction) {
	if txn.LedgerTxID == nil {
		return
	}
	hash := common.HexToHash(*txn.LedgerTxID)

	receiptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	receipt, err := w.chain.WaitMined(receiptCtx, hash)
	if err != nil {
		slog.ErrorContext(ctx, "settlement: reconcile tx still unconfirmed", "txnId", txn.ID, "ledgerTxId", *txn.LedgerTxID, "error", err)
		return
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := fmt.Sprintf("%s: reconciled as reverted", verifier.ReasonTransactionReverted)
		if err := w.auditLog.MarkFailedTx(ctx, tx, txn.ID, reason); err != nil {
			slog.ErrorContext(ctx, "settlement: reconcile mark failed", "txnId", txn.ID, "error", err)
		}
		return
	}

	if err := w.nonces.MarkUsed(ctx, txn.Payer, txn.Nonce, txn.TokenAddress, *txn.LedgerTxID); err != nil {
		slog.ErrorContext(ctx, "settlement: reconcile mark nonce used", "txnId", txn.ID, "error", err)
		return
	}
	if err := w.auditLog.MarkSuccessTx(ctx, tx, txn.ID, *txn.LedgerTxID); err != nil {
		slog.ErrorContext(ctx, "settlement: reconcile mark success", "txnId", txn.ID, "error", err)
	}
}
