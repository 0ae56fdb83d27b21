package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/priofree/bundler/pkg/bundler"
	"github.com/priofree/bundler/pkg/bundler/bundlerr"
)

// SQLiteLedger is the concrete Ledger backing store: relational, ACID,
// single-writer friendly per spec.md §4.4. A single in-process mutex serializes all
// writes, which is what "single-writer friendly (SQLite-class acceptable)" buys in
// practice — SQLite itself only allows one writer at a time, and taking the lock in
// Go lets every write return a precise StateConflict/DailyCapExceeded rather than a
// driver-level "database is locked" error.
type SQLiteLedger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if needed) and opens a SQLite database at dsn — use ":memory:" for
// tests, a file path for production deployments.
func Open(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to open ledger database", err)
	}
	db.SetMaxOpenConns(1) // sqlite has exactly one writer; avoid pool contention surfacing as "locked"

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to apply ledger schema", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) ReserveAndInsert(ctx context.Context, b *bundler.Bundle, dailyCapWei *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to begin reserve_and_insert", err)
	}
	defer tx.Rollback()

	date := bundler.UTCDate(b.CreatedAt)
	spent, err := querySpent(ctx, tx, date)
	if err != nil {
		return err
	}

	newSpent := new(big.Int).Add(spent, b.PaymentAmountWei)
	if newSpent.Cmp(dailyCapWei) > 0 {
		return bundlerr.New(bundlerr.DailyCapExceeded, "daily spend cap would be exceeded")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO daily_spending(date, spent_wei) VALUES(?, ?)
		ON CONFLICT(date) DO UPDATE SET spent_wei = excluded.spent_wei
	`, date, newSpent.String()); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to update daily_spending", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bundles(id, tx1_raw, tx1_hash, state, payment_amount_wei, target_blocks,
			created_at, updated_at, expires_at, config_snapshot_id)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`,
		string(b.ID), b.Tx1Raw, b.Tx1Hash.Hex(), string(bundler.StateQueued), b.PaymentAmountWei.String(),
		joinBlocks(b.TargetBlocks), b.CreatedAt.Unix(), b.CreatedAt.Unix(), b.ExpiresAt.Unix(), b.ConfigSnapshotID,
	); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to insert bundle", err)
	}

	if err := tx.Commit(); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to commit reserve_and_insert", err)
	}
	b.State = bundler.StateQueued
	return nil
}

func (l *SQLiteLedger) UpdateForged(ctx context.Context, id bundler.BundleID, tx2Raw []byte, tx2Hash common.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `
		UPDATE bundles SET tx2_raw = ?, tx2_hash = ?, updated_at = ? WHERE id = ?
	`, tx2Raw, tx2Hash.Hex(), time.Now().Unix(), string(id))
	if err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to record forged tx2", err)
	}
	return requireRowsAffected(res)
}

func (l *SQLiteLedger) Transition(ctx context.Context, id bundler.BundleID, from, to bundler.State, patch Patch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to begin transition", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT state FROM bundles WHERE id = ?`, string(id)).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return bundlerr.New(bundlerr.StateConflict, "bundle not found")
		}
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to read bundle state", err)
	}
	if bundler.State(current) != from {
		return bundlerr.New(bundlerr.StateConflict, fmt.Sprintf("expected state %s, found %s", from, current))
	}
	if !bundler.CanTransition(from, to) {
		return bundlerr.New(bundlerr.StateConflict, fmt.Sprintf("no guarded edge %s -> %s", from, to))
	}

	set := []string{"state = ?", "updated_at = ?"}
	args := []interface{}{string(to), time.Now().Unix()}
	if patch.BlockHash != nil {
		set = append(set, "block_hash = ?")
		args = append(args, patch.BlockHash.Hex())
	}
	if patch.BlockNumber != nil {
		set = append(set, "block_number = ?")
		args = append(args, *patch.BlockNumber)
	}
	if patch.GasUsed != nil {
		set = append(set, "gas_used = ?")
		args = append(args, *patch.GasUsed)
	}
	args = append(args, string(id))

	query := fmt.Sprintf(`UPDATE bundles SET %s WHERE id = ?`, strings.Join(set, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to apply transition", err)
	}

	if err := tx.Commit(); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to commit transition", err)
	}
	return nil
}

func (l *SQLiteLedger) RefundAndTransition(ctx context.Context, id bundler.BundleID, from bundler.State, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to begin refund", err)
	}
	defer tx.Rollback()

	var current string
	var createdAt int64
	if err := tx.QueryRowContext(ctx, `SELECT state, created_at FROM bundles WHERE id = ?`, string(id)).Scan(&current, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return bundlerr.New(bundlerr.StateConflict, "bundle not found")
		}
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to read bundle for refund", err)
	}
	if bundler.State(current) != from {
		return bundlerr.New(bundlerr.StateConflict, fmt.Sprintf("expected state %s, found %s", from, current))
	}

	date := bundler.UTCDate(time.Unix(createdAt, 0))
	spent, err := querySpent(ctx, tx, date)
	if err != nil {
		return err
	}
	newSpent := new(big.Int).Sub(spent, amount)
	if newSpent.Sign() < 0 {
		newSpent = big.NewInt(0)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE daily_spending SET spent_wei = ? WHERE date = ?`, newSpent.String(), date); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to refund daily_spending", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE bundles SET state = ?, updated_at = ? WHERE id = ?`,
		string(bundler.StateFailed), time.Now().Unix(), string(id)); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to transition bundle to failed", err)
	}

	if err := tx.Commit(); err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to commit refund", err)
	}
	return nil
}

func (l *SQLiteLedger) RecordSubmission(ctx context.Context, s bundler.RelaySubmission) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO relay_submissions(bundle_id, relay_name, submitted_at, status, response_data)
		VALUES (?,?,?,?,?)
		ON CONFLICT(bundle_id, relay_name) DO UPDATE SET
			submitted_at = excluded.submitted_at,
			status = excluded.status,
			response_data = excluded.response_data
	`, string(s.BundleID), s.RelayName, s.SubmittedAt.Unix(), string(s.Status), s.ResponseData)
	if err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to record relay submission", err)
	}
	return nil
}

func (l *SQLiteLedger) Get(ctx context.Context, id bundler.BundleID) (*bundler.View, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, tx1_hash, tx2_hash, state, payment_amount_wei, target_blocks,
			created_at, updated_at, expires_at, block_hash, block_number, gas_used
		FROM bundles WHERE id = ?
	`, string(id))

	v, err := scanView(row)
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT bundle_id, relay_name, submitted_at, status, response_data
		FROM relay_submissions WHERE bundle_id = ?
	`, string(id))
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to list submissions", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s bundler.RelaySubmission
		var bundleID, status string
		var submittedAt int64
		if err := rows.Scan(&bundleID, &s.RelayName, &submittedAt, &status, &s.ResponseData); err != nil {
			return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to scan submission", err)
		}
		s.BundleID = bundler.BundleID(bundleID)
		s.SubmittedAt = time.Unix(submittedAt, 0).UTC()
		s.Status = bundler.SubmissionStatus(status)
		v.Submissions = append(v.Submissions, s)
	}

	return v, nil
}

func (l *SQLiteLedger) ListActive(ctx context.Context) ([]*bundler.Bundle, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tx1_raw, tx1_hash, tx2_raw, tx2_hash, state, payment_amount_wei, target_blocks,
			created_at, updated_at, expires_at, config_snapshot_id
		FROM bundles WHERE state NOT IN (?, ?, ?)
	`, string(bundler.StateLanded), string(bundler.StateExpired), string(bundler.StateFailed))
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to list active bundles", err)
	}
	defer rows.Close()

	var out []*bundler.Bundle
	for rows.Next() {
		b := &bundler.Bundle{}
		var id, tx1Hash, state, amountStr string
		var tx2Hash sql.NullString
		var tx2Raw []byte
		var targetBlocks string
		var createdAt, updatedAt, expiresAt int64
		if err := rows.Scan(&id, &b.Tx1Raw, &tx1Hash, &tx2Raw, &tx2Hash, &state, &amountStr,
			&targetBlocks, &createdAt, &updatedAt, &expiresAt, &b.ConfigSnapshotID); err != nil {
			return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to scan active bundle", err)
		}
		b.ID = bundler.BundleID(id)
		b.Tx2Raw = tx2Raw
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, bundlerr.New(bundlerr.StorageFailure, "corrupt payment_amount_wei value")
		}
		b.PaymentAmountWei = amount
		b.Tx1Hash = common.HexToHash(tx1Hash)
		if tx2Hash.Valid {
			b.Tx2Hash = common.HexToHash(tx2Hash.String)
		}
		b.State = bundler.State(state)
		b.TargetBlocks = splitBlocks(targetBlocks)
		b.CreatedAt = time.Unix(createdAt, 0).UTC()
		b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		b.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		out = append(out, b)
	}
	return out, nil
}

func (l *SQLiteLedger) DailySpent(ctx context.Context, date string) (*big.Int, error) {
	var s string
	err := l.db.QueryRowContext(ctx, `SELECT spent_wei FROM daily_spending WHERE date = ?`, date).Scan(&s)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to read daily spend", err)
	}
	amount, _ := new(big.Int).SetString(s, 10)
	return amount, nil
}

// querySpent reads today's spend within an open transaction, defaulting to zero
// when no row exists yet — spec.md §3 treats an absent row as zero spent.
func querySpent(ctx context.Context, tx *sql.Tx, date string) (*big.Int, error) {
	var s string
	err := tx.QueryRowContext(ctx, `SELECT spent_wei FROM daily_spending WHERE date = ?`, date).Scan(&s)
	if err == sql.ErrNoRows {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to read daily_spending", err)
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, bundlerr.New(bundlerr.StorageFailure, "corrupt daily_spending value")
	}
	return amount, nil
}

func scanView(row *sql.Row) (*bundler.View, error) {
	v := &bundler.View{}
	var id, tx1Hash, state, amount, targetBlocks string
	var tx2Hash, blockHash sql.NullString
	var createdAt, updatedAt, expiresAt int64
	var blockNumber, gasUsed sql.NullInt64

	err := row.Scan(&id, &tx1Hash, &tx2Hash, &state, &amount, &targetBlocks,
		&createdAt, &updatedAt, &expiresAt, &blockHash, &blockNumber, &gasUsed)
	if err == sql.ErrNoRows {
		return nil, bundlerr.New(bundlerr.StateConflict, "bundle not found")
	}
	if err != nil {
		return nil, bundlerr.Wrap(bundlerr.StorageFailure, "failed to scan bundle view", err)
	}

	v.ID = bundler.BundleID(id)
	v.Tx1Hash = common.HexToHash(tx1Hash)
	if tx2Hash.Valid {
		v.Tx2Hash = common.HexToHash(tx2Hash.String)
	}
	v.State = bundler.State(state)
	amt, _ := new(big.Int).SetString(amount, 10)
	v.PaymentAmountWei = amt
	v.TargetBlocks = splitBlocks(targetBlocks)
	v.CreatedAt = time.Unix(createdAt, 0).UTC()
	v.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	v.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if blockHash.Valid {
		v.BlockHash = common.HexToHash(blockHash.String)
	}
	if blockNumber.Valid {
		v.BlockNumber = uint64(blockNumber.Int64)
	}
	if gasUsed.Valid {
		v.GasUsed = uint64(gasUsed.Int64)
	}
	return v, nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return bundlerr.Wrap(bundlerr.StorageFailure, "failed to read rows affected", err)
	}
	if n == 0 {
		return bundlerr.New(bundlerr.StateConflict, "bundle not found")
	}
	return nil
}

func joinBlocks(blocks []uint64) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = strconv.FormatUint(b, 10)
	}
	return strings.Join(parts, ",")
}

func splitBlocks(s string) []uint64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}
