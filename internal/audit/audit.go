// Package audit is the durable transaction log: every settlement attempt
// gets a record the moment it begins, and that record's status only ever
// advances pending -> success or pending -> failed. It is the system's
// ground truth for "what happened to this payment", independent of
// whatever the ledger itself says.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"x402facilitator/internal/money"
	"x402facilitator/internal/store"
)

// Status is the terminal-or-not state of a transaction record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Protocol names which authorization schema produced the record.
type Protocol string

const (
	ProtocolWitnessSpend Protocol = "witness-spend"
	ProtocolDirectAuth   Protocol = "direct-auth"
)

// ErrInvalidTransition is returned when a status update would not follow
// the pending -> {success, failed} state machine.
var ErrInvalidTransition = errors.New("audit: invalid status transition")

// Transaction is one settlement attempt's durable record.
type Transaction struct {
	ID           string
	Nonce        string
	Payer        string
	Receiver     string
	TokenAddress string
	TokenSymbol  string
	Amount       money.Amount
	Fee          money.Amount
	FeeBps       money.BasisPoints
	Network      string
	LedgerTxID   *string
	Status       Status
	ErrorReason  *string
	Protocol     Protocol
	CreatedAt    time.Time
	SettledAt    *time.Time
}

// Log persists transaction records in PostgreSQL.
type Log struct {
	db *store.Store
}

// New wraps a durable store connection.
func New(db *store.Store) *Log {
	return &Log{db: db}
}

// Open inserts a new record in StatusPending. Per the settlement
// orchestrator's contract, this must succeed before any on-chain activity —
// callers treat a failure here as an abort-before-spend condition, not a
// retryable settlement failure.
func (l *Log) Open(ctx context.Context, txn *Transaction) error {
	txn.ID = uuid.NewString()
	txn.Status = StatusPending

	err := l.db.QueryRow(ctx, `
		INSERT INTO transactions (
			id, nonce, payer, receiver, token_address, token_symbol,
			amount, fee, fee_bps, network, status, protocol
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`,
		txn.ID, txn.Nonce, txn.Payer, txn.Receiver, txn.TokenAddress, txn.TokenSymbol,
		txn.Amount, txn.Fee, int32(txn.FeeBps), txn.Network, txn.Status, txn.Protocol,
	).Scan(&txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: open transaction: %w", err)
	}
	return nil
}

// MarkSuccess transitions a pending record to success, recording the
// terminal ledger transaction id (the splitter tx id when a splitter is in
// use, otherwise the authorization-spend tx id).
func (l *Log) MarkSuccess(ctx context.Context, id, ledgerTxID string) error {
	tag, err := l.db.ExecResult(ctx, `
		UPDATE transactions
		SET status = $2, tx_id = $3, settled_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusSuccess, ledgerTxID, StatusPending)
	if err != nil {
		return fmt.Errorf("audit: mark success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// MarkSuccessTx is MarkSuccess run inside an already-open transaction, for
// callers that claimed the record via ClaimPendingWithLedgerTxID and must
// mark it terminal before releasing that transaction's row locks.
func (l *Log) MarkSuccessTx(ctx context.Context, tx pgx.Tx, id, ledgerTxID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, tx_id = $3, settled_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusSuccess, ledgerTxID, StatusPending)
	if err != nil {
		return fmt.Errorf("audit: mark success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// MarkFailed transitions a pending record to failed with an explanatory
// reason. reason should name the authorization-spend ledger id when the
// failure happened after a successful spend (the splitter-call-failed
// stuck-funds case), so an operator can recover funds manually.
func (l *Log) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := l.db.ExecResult(ctx, `
		UPDATE transactions
		SET status = $2, error_reason = $3, settled_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusFailed, reason, StatusPending)
	if err != nil {
		return fmt.Errorf("audit: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// MarkFailedTx is MarkFailed run inside an already-open transaction; see
// MarkSuccessTx.
func (l *Log) MarkFailedTx(ctx context.Context, tx pgx.Tx, id, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, error_reason = $3, settled_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, StatusFailed, reason, StatusPending)
	if err != nil {
		return fmt.Errorf("audit: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// SetLedgerTxID records the authorization-spend ledger id against a still-
// pending record, ahead of waiting for confirmations. This lets an operator
// look up in-flight funds even if the process crashes before a terminal
// status is reached.
func (l *Log) SetLedgerTxID(ctx context.Context, id, ledgerTxID string) error {
	err := l.db.Exec(ctx, `UPDATE transactions SET tx_id = $2 WHERE id = $1`, id, ledgerTxID)
	if err != nil {
		return fmt.Errorf("audit: set ledger tx id: %w", err)
	}
	return nil
}

// ClaimPendingWithLedgerTxID returns pending records that already have a
// ledger tx id recorded and are older than olderThan — the crash-recovery
// set: the process died after SetLedgerTxID but before a terminal status,
// so a background worker can finish reconciling them against the chain.
//
// The returned rows are locked FOR UPDATE SKIP LOCKED inside the returned
// transaction, so when more than one facilitator process runs the
// reconciliation worker against the same database, each claims a disjoint
// set of stranded records instead of racing to reconcile the same one. The
// caller MUST commit or rollback the transaction once it has finished
// marking every claimed record terminal.
func (l *Log) ClaimPendingWithLedgerTxID(ctx context.Context, olderThan time.Duration) ([]*Transaction, pgx.Tx, error) {
	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: begin claim transaction: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, nonce, payer, receiver, token_address, token_symbol,
		       amount, fee, fee_bps, network, tx_id, status, error_reason,
		       protocol, created_at, settled_at
		FROM transactions
		WHERE status = $1 AND tx_id IS NOT NULL AND created_at < $2
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
	`, StatusPending, time.Now().Add(-olderThan))
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, fmt.Errorf("audit: query pending with ledger tx id: %w", err)
	}

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransactionRows(rows)
		if err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return nil, nil, err
		}
		out = append(out, txn)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, err
	}
	return out, tx, nil
}

// Get returns a single transaction record by id.
func (l *Log) Get(ctx context.Context, id string) (*Transaction, error) {
	row := l.db.QueryRow(ctx, `
		SELECT id, nonce, payer, receiver, token_address, token_symbol,
		       amount, fee, fee_bps, network, tx_id, status, error_reason,
		       protocol, created_at, settled_at
		FROM transactions WHERE id = $1
	`, id)
	return scanTransaction(row)
}

// Recent returns the most recently created records, newest first, for the
// /settle/recent surface.
func (l *Log) Recent(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := l.db.Query(ctx, `
		SELECT id, nonce, payer, receiver, token_address, token_symbol,
		       amount, fee, fee_bps, network, tx_id, status, error_reason,
		       protocol, created_at, settled_at
		FROM transactions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransactionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// NetworkStats is a per-network settlement count/volume breakdown for
// /settle/stats.
type NetworkStats struct {
	Network      string
	PendingCount int64
	SuccessCount int64
	FailedCount  int64
	GrossVolume  money.Amount
	TotalFees    money.Amount
}

// SymbolStats is a per-token-symbol gross volume breakdown for
// /settle/stats.
type SymbolStats struct {
	TokenSymbol string
	GrossVolume money.Amount
	TotalFees   money.Amount
}

// TotalStats is the overall aggregate across every network and symbol: the
// single summary row alongside the per-network and per-symbol breakdowns.
type TotalStats struct {
	TotalCount   int64
	PendingCount int64
	SuccessCount int64
	FailedCount  int64
	GrossVolume  money.Amount
	TotalFees    money.Amount
}

// Stats aggregates settlement counts, gross volume, and total fees overall,
// per network, and per token symbol.
func (l *Log) Stats(ctx context.Context) (TotalStats, []NetworkStats, []SymbolStats, error) {
	total, err := l.statsTotal(ctx)
	if err != nil {
		return TotalStats{}, nil, nil, err
	}
	byNetwork, err := l.statsByNetwork(ctx)
	if err != nil {
		return TotalStats{}, nil, nil, err
	}
	bySymbol, err := l.statsBySymbol(ctx)
	if err != nil {
		return TotalStats{}, nil, nil, err
	}
	return total, byNetwork, bySymbol, nil
}

func (l *Log) statsTotal(ctx context.Context) (TotalStats, error) {
	row := l.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(amount::numeric) FILTER (WHERE status = 'success'), 0),
		       COALESCE(SUM(fee::numeric) FILTER (WHERE status = 'success'), 0)
		FROM transactions
	`)
	var s TotalStats
	var grossDecimal, feesDecimal string
	if err := row.Scan(&s.TotalCount, &s.PendingCount, &s.SuccessCount, &s.FailedCount, &grossDecimal, &feesDecimal); err != nil {
		return TotalStats{}, fmt.Errorf("audit: scan total stats: %w", err)
	}
	s.GrossVolume = decimalOrZero(grossDecimal)
	s.TotalFees = decimalOrZero(feesDecimal)
	return s, nil
}

func (l *Log) statsByNetwork(ctx context.Context) ([]NetworkStats, error) {
	rows, err := l.db.Query(ctx, `
		SELECT network,
		       COUNT(*) FILTER (WHERE status = 'pending'),
		       COUNT(*) FILTER (WHERE status = 'success'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(SUM(amount::numeric) FILTER (WHERE status = 'success'), 0),
		       COALESCE(SUM(fee::numeric) FILTER (WHERE status = 'success'), 0)
		FROM transactions
		GROUP BY network
		ORDER BY network
	`)
	if err != nil {
		return nil, fmt.Errorf("audit: query network stats: %w", err)
	}
	defer rows.Close()

	var out []NetworkStats
	for rows.Next() {
		var s NetworkStats
		var grossDecimal, feesDecimal string
		if err := rows.Scan(&s.Network, &s.PendingCount, &s.SuccessCount, &s.FailedCount, &grossDecimal, &feesDecimal); err != nil {
			return nil, fmt.Errorf("audit: scan network stats: %w", err)
		}
		s.GrossVolume = decimalOrZero(grossDecimal)
		s.TotalFees = decimalOrZero(feesDecimal)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *Log) statsBySymbol(ctx context.Context) ([]SymbolStats, error) {
	rows, err := l.db.Query(ctx, `
		SELECT token_symbol,
		       COALESCE(SUM(amount::numeric) FILTER (WHERE status = 'success'), 0),
		       COALESCE(SUM(fee::numeric) FILTER (WHERE status = 'success'), 0)
		FROM transactions
		GROUP BY token_symbol
		ORDER BY token_symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("audit: query symbol stats: %w", err)
	}
	defer rows.Close()

	var out []SymbolStats
	for rows.Next() {
		var s SymbolStats
		var grossDecimal, feesDecimal string
		if err := rows.Scan(&s.TokenSymbol, &grossDecimal, &feesDecimal); err != nil {
			return nil, fmt.Errorf("audit: scan symbol stats: %w", err)
		}
		s.GrossVolume = decimalOrZero(grossDecimal)
		s.TotalFees = decimalOrZero(feesDecimal)
		out = append(out, s)
	}
	return out, rows.Err()
}

// decimalOrZero parses a numeric aggregate's text form, falling back to
// zero on the decimal-point rendering a zero/empty SUM() produces (amounts
// are otherwise integral atomic units).
func decimalOrZero(decimal string) money.Amount {
	amount, err := money.FromString(decimal)
	if err != nil {
		return money.Zero()
	}
	return amount
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var txn Transaction
	var ledgerTxID, errorReason *string
	var settledAt *time.Time
	err := row.Scan(
		&txn.ID, &txn.Nonce, &txn.Payer, &txn.Receiver, &txn.TokenAddress, &txn.TokenSymbol,
		&txn.Amount, &txn.Fee, &txn.FeeBps, &txn.Network, &ledgerTxID, &txn.Status, &errorReason,
		&txn.Protocol, &txn.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	txn.LedgerTxID = ledgerTxID
	txn.ErrorReason = errorReason
	txn.SettledAt = settledAt
	return &txn, nil
}

// rowsScanner is satisfied by pgx.Rows; kept distinct from pgx.Row so
// scanTransactionRows can be called in a loop without re-wrapping.
type rowsScanner interface {
	Scan(dest ...any) error
}

func scanTransactionRows(rows rowsScanner) (*Transaction, error) {
	var txn Transaction
	var ledgerTxID, errorReason *string
	var settledAt *time.Time
	err := rows.Scan(
		&txn.ID, &txn.Nonce, &txn.Payer, &txn.Receiver, &txn.TokenAddress, &txn.TokenSymbol,
		&txn.Amount, &txn.Fee, &txn.FeeBps, &txn.Network, &ledgerTxID, &txn.Status, &errorReason,
		&txn.Protocol, &txn.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	txn.LedgerTxID = ledgerTxID
	txn.ErrorReason = errorReason
	txn.SettledAt = settledAt
	return &txn, nil
}

// MarshalJSON lets a Transaction serialize directly for the HTTP surface.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	type alias struct {
		ID           string     `json:"id"`
		Nonce        string     `json:"nonce"`
		Payer        string     `json:"payer"`
		Receiver     string     `json:"receiver"`
		TokenAddress string     `json:"tokenAddress"`
		TokenSymbol  string     `json:"tokenSymbol"`
		Amount       string     `json:"amount"`
		Fee          string     `json:"fee"`
		FeeBps       int32      `json:"feeBps"`
		Network      string     `json:"network"`
		LedgerTxID   *string    `json:"ledgerTxId,omitempty"`
		Status       Status     `json:"status"`
		ErrorReason  *string    `json:"errorReason,omitempty"`
		Protocol     Protocol   `json:"protocol"`
		CreatedAt    time.Time  `json:"createdAt"`
		SettledAt    *time.Time `json:"settledAt,omitempty"`
	}
	return json.Marshal(alias{
		ID: t.ID, Nonce: t.Nonce, Payer: t.Payer, Receiver: t.Receiver,
		TokenAddress: t.TokenAddress, TokenSymbol: t.TokenSymbol,
		Amount: t.Amount.String(), Fee: t.Fee.String(), FeeBps: int32(t.FeeBps),
		Network: t.Network, LedgerTxID: t.LedgerTxID, Status: t.Status,
		ErrorReason: t.ErrorReason, Protocol: t.Protocol,
		CreatedAt: t.CreatedAt, SettledAt: t.SettledAt,
	})
}
