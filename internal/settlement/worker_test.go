package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jackc/pgx/v5"

	"x402facilitator/internal/audit"
	"x402facilitator/internal/replay"
)

type fakeReconcileAuditLog struct {
	mu      sync.Mutex
	pending []*audit.Transaction
	success []string
	failed  []string
}

// fakeTx stands in for the claim transaction; only Commit and Rollback are
// called on it by the worker.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

func (f *fakeReconcileAuditLog) ClaimPendingWithLedgerTxID(context.Context, time.Duration) ([]*audit.Transaction, pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, fakeTx{}, nil
}
func (f *fakeReconcileAuditLog) MarkSuccessTx(_ context.Context, _ pgx.Tx, id, ledgerTxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success = append(f.success, id+":"+ledgerTxID)
	return nil
}
func (f *fakeReconcileAuditLog) MarkFailedTx(_ context.Context, _ pgx.Tx, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id+":"+reason)
	return nil
}

type fakeReceiptReader struct {
	status uint64
}

func (f *fakeReceiptReader) WaitMined(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{TxHash: hash, Status: f.status}, nil
}

func TestReconcileOneMarksSuccessOnMinedReceipt(t *testing.T) {
	ledgerTxID := "0xabc"
	txn := &audit.Transaction{ID: "t1", Payer: "0xpayer", Nonce: "n1", TokenAddress: "0xtoken", LedgerTxID: &ledgerTxID}
	auditLog := &fakeReconcileAuditLog{pending: []*audit.Transaction{txn}}
	chain := &fakeReceiptReader{status: types.ReceiptStatusSuccessful}
	nonces := replay.NewMemory()

	w := NewWorker(auditLog, chain, nonces, DefaultWorkerConfig())
	w.reconcilePending(context.Background())

	if len(auditLog.success) != 1 {
		t.Fatalf("expected one success record, got %v", auditLog.success)
	}
	used, _ := nonces.IsUsed(context.Background(), "0xpayer", "n1")
	if !used {
		t.Fatal("expected nonce marked used after reconciled success")
	}
}

func TestReconcileOneMarksFailedOnRevertedReceipt(t *testing.T) {
	ledgerTxID := "0xdead"
	txn := &audit.Transaction{ID: "t2", Payer: "0xpayer", Nonce: "n2", TokenAddress: "0xtoken", LedgerTxID: &ledgerTxID}
	auditLog := &fakeReconcileAuditLog{pending: []*audit.Transaction{txn}}
	chain := &fakeReceiptReader{status: types.ReceiptStatusFailed}
	nonces := replay.NewMemory()

	w := NewWorker(auditLog, chain, nonces, DefaultWorkerConfig())
	w.reconcilePending(context.Background())

	if len(auditLog.failed) != 1 {
		t.Fatalf("expected one failed record, got %v", auditLog.failed)
	}
	used, _ := nonces.IsUsed(context.Background(), "0xpayer", "n2")
	if used {
		t.Fatal("a reverted spend must not mark the nonce used")
	}
}

func TestReconcileOneSkipsRecordWithoutLedgerTxID(t *testing.T) {
	txn := &audit.Transaction{ID: "t3", Payer: "0xpayer", Nonce: "n3", TokenAddress: "0xtoken"}
	auditLog := &fakeReconcileAuditLog{pending: []*audit.Transaction{txn}}
	chain := &fakeReceiptReader{status: types.ReceiptStatusSuccessful}
	nonces := replay.NewMemory()

	w := NewWorker(auditLog, chain, nonces, DefaultWorkerConfig())
	w.reconcilePending(context.Background())

	if len(auditLog.success) != 0 || len(auditLog.failed) != 0 {
		t.Fatal("a record with no ledger tx id must not be finalized")
	}
}

func TestWorkerStartStopGraceful(t *testing.T) {
	auditLog := &fakeReconcileAuditLog{}
	chain := &fakeReceiptReader{status: types.ReceiptStatusSuccessful}
	nonces := replay.NewMemory()

	w := NewWorker(auditLog, chain, nonces, WorkerConfig{ReconcileInterval: 10 * time.Millisecond, StaleAfter: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		cancel()
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down within 2 seconds")
	}
}
