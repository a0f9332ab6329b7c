// Copyright 2025 The sonic-4337-bundler Authors
// This file is part of the sonic-4337-bundler library.
//
// The sonic-4337-bundler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The sonic-4337-bundler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the sonic-4337-bundler library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/lib/pq"

	"github.com/pushpak0601/sonic-4337-bundler/core/userop"
)

const uniqueViolation = pq.ErrorCode("23505")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_operations (
		id                       BIGSERIAL,
		user_op_hash             TEXT PRIMARY KEY,
		sender                   TEXT NOT NULL,
		nonce                    TEXT NOT NULL,
		init_code                TEXT NOT NULL DEFAULT '0x',
		call_data                TEXT NOT NULL DEFAULT '0x',
		call_gas_limit           TEXT NOT NULL DEFAULT '0x',
		verification_gas_limit   TEXT NOT NULL DEFAULT '0x',
		pre_verification_gas     TEXT NOT NULL DEFAULT '0x',
		max_fee_per_gas          TEXT NOT NULL DEFAULT '0x',
		max_priority_fee_per_gas TEXT NOT NULL DEFAULT '0x',
		paymaster_and_data       TEXT NOT NULL DEFAULT '0x',
		signature                TEXT NOT NULL DEFAULT '0x',
		status                   TEXT NOT NULL DEFAULT 'pending',
		created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
		submitted_at             TIMESTAMPTZ,
		confirmed_at             TIMESTAMPTZ,
		tx_hash                  TEXT,
		gas_used                 BIGINT NOT NULL DEFAULT 0,
		gas_cost                 NUMERIC(78,0),
		error_message            TEXT,
		block_number             BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS user_operations_status_idx ON user_operations (status)`,
	`CREATE INDEX IF NOT EXISTS user_operations_sender_idx ON user_operations (sender)`,
	`CREATE TABLE IF NOT EXISTS bundles (
		bundle_hash    TEXT PRIMARY KEY,
		tx_hash        TEXT,
		user_op_count  INT NOT NULL DEFAULT 0,
		total_gas_used BIGINT NOT NULL DEFAULT 0,
		total_gas_cost NUMERIC(78,0),
		status         TEXT NOT NULL DEFAULT 'pending',
		block_number   BIGINT NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		submitted_at   TIMESTAMPTZ,
		confirmed_at   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS bundle_user_operations (
		bundle_id    TEXT NOT NULL REFERENCES bundles(bundle_hash) ON DELETE CASCADE,
		user_op_hash TEXT NOT NULL,
		position     INT NOT NULL,
		PRIMARY KEY (bundle_id, position)
	)`,
}

const userOpColumns = `id, user_op_hash, sender, nonce, init_code, call_data,
	call_gas_limit, verification_gas_limit, pre_verification_gas,
	max_fee_per_gas, max_priority_fee_per_gas, paymaster_and_data, signature,
	status, created_at, submitted_at, confirmed_at, tx_hash, gas_used,
	gas_cost, error_message, block_number`

// PostgresStore is the durable backend. All state-machine checks run inside
// the UPDATE statements, so concurrent writers cannot move a record
// backwards regardless of interleaving.
type PostgresStore struct {
	db  *sql.DB
	log log.Logger
}

// NewPostgresStore connects to dsn, applies the schema and returns the
// store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{db: db, log: log.New("component", "store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.log.Debug("Database schema ready")
	return nil
}

func (s *PostgresStore) SaveUserOp(ctx context.Context, rec *UserOpRecord) error {
	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_operations (
			user_op_hash, sender, nonce, init_code, call_data,
			call_gas_limit, verification_gas_limit, pre_verification_gas,
			max_fee_per_gas, max_priority_fee_per_gas, paymaster_and_data,
			signature, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.UserOpHash.Hex(), rec.Op.Sender, rec.Op.Nonce, rec.Op.InitCode,
		rec.Op.CallData, rec.Op.CallGasLimit, rec.Op.VerificationGasLimit,
		rec.Op.PreVerificationGas, rec.Op.MaxFeePerGas,
		rec.Op.MaxPriorityFeePerGas, rec.Op.PaymasterAndData,
		rec.Op.Signature, string(status), createdAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateHash
	}
	return err
}

func (s *PostgresStore) UpdateUserOpStatus(ctx context.Context, hash common.Hash, status Status, upd *UserOpUpdate) error {
	var (
		txHash   sql.NullString
		gasUsed  sql.NullInt64
		gasCost  sql.NullString
		errMsg   sql.NullString
		blockNum sql.NullInt64
	)
	if upd != nil {
		if upd.TxHash != (common.Hash{}) {
			txHash = sql.NullString{String: upd.TxHash.Hex(), Valid: true}
		}
		if upd.GasUsed != 0 {
			gasUsed = sql.NullInt64{Int64: int64(upd.GasUsed), Valid: true}
		}
		if upd.GasCost != nil {
			gasCost = sql.NullString{String: upd.GasCost.String(), Valid: true}
		}
		if upd.ErrorMessage != "" {
			errMsg = sql.NullString{String: upd.ErrorMessage, Valid: true}
		}
		if upd.BlockNumber != 0 {
			blockNum = sql.NullInt64{Int64: int64(upd.BlockNumber), Valid: true}
		}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_operations SET
			status        = $2,
			submitted_at  = CASE WHEN $2 = 'submitted' THEN now() ELSE submitted_at END,
			confirmed_at  = CASE WHEN $2 = 'confirmed' THEN now() ELSE confirmed_at END,
			tx_hash       = COALESCE($3, tx_hash),
			gas_used      = COALESCE($4, gas_used),
			gas_cost      = COALESCE($5, gas_cost),
			error_message = COALESCE($6, error_message),
			block_number  = COALESCE($7, block_number)
		WHERE user_op_hash = $1 AND status = ANY($8)`,
		hash.Hex(), string(status), txHash, gasUsed, gasCost, errMsg, blockNum,
		pq.Array(prevStatuses(userOpPrev, status)),
	)
	return err
}

func (s *PostgresStore) GetUserOpByHash(ctx context.Context, hash common.Hash) (*UserOpRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userOpColumns+` FROM user_operations WHERE user_op_hash = $1`,
		hash.Hex(),
	)
	rec, err := scanUserOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]*UserOpRecord, error) {
	q := `SELECT ` + userOpColumns + ` FROM user_operations
		WHERE status = 'pending' ORDER BY created_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UserOpRecord
	for rows.Next() {
		rec, err := scanUserOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequeueUserOp(ctx context.Context, hash common.Hash) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_operations
		SET status = 'pending', tx_hash = NULL, submitted_at = NULL
		WHERE user_op_hash = $1 AND status = 'submitted'`,
		hash.Hex(),
	)
	return err
}

func (s *PostgresStore) SaveBundle(ctx context.Context, rec *BundleRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status := rec.Status
	if status == "" {
		status = StatusPending
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var totalCost sql.NullString
	if rec.TotalGasCost != nil {
		totalCost = sql.NullString{String: rec.TotalGasCost.String(), Valid: true}
	}
	var txHash sql.NullString
	if rec.TxHash != (common.Hash{}) {
		txHash = sql.NullString{String: rec.TxHash.Hex(), Valid: true}
	}
	var submittedAt sql.NullTime
	if rec.SubmittedAt != nil {
		submittedAt = sql.NullTime{Time: *rec.SubmittedAt, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bundles (
			bundle_hash, tx_hash, user_op_count, total_gas_used,
			total_gas_cost, status, block_number, created_at, submitted_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.BundleHash.Hex(), txHash, rec.UserOpCount,
		int64(rec.TotalGasUsed), totalCost, string(status),
		int64(rec.BlockNumber), createdAt, submittedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateHash
	}
	if err != nil {
		return err
	}
	for i, h := range rec.UserOpHashes {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bundle_user_operations (bundle_id, user_op_hash, position)
			VALUES ($1,$2,$3)`,
			rec.BundleHash.Hex(), h.Hex(), i,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) UpdateBundleStatus(ctx context.Context, hash common.Hash, status Status, upd *BundleUpdate) error {
	var (
		txHash    sql.NullString
		gasUsed   sql.NullInt64
		gasCost   sql.NullString
		blockNum  sql.NullInt64
	)
	if upd != nil {
		if upd.TxHash != (common.Hash{}) {
			txHash = sql.NullString{String: upd.TxHash.Hex(), Valid: true}
		}
		if upd.TotalGasUsed != 0 {
			gasUsed = sql.NullInt64{Int64: int64(upd.TotalGasUsed), Valid: true}
		}
		if upd.TotalGasCost != nil {
			gasCost = sql.NullString{String: upd.TotalGasCost.String(), Valid: true}
		}
		if upd.BlockNumber != 0 {
			blockNum = sql.NullInt64{Int64: int64(upd.BlockNumber), Valid: true}
		}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE bundles SET
			status         = $2,
			submitted_at   = CASE WHEN $2 = 'submitted' THEN now() ELSE submitted_at END,
			confirmed_at   = CASE WHEN $2 = 'confirmed' THEN now() ELSE confirmed_at END,
			tx_hash        = COALESCE($3, tx_hash),
			total_gas_used = COALESCE($4, total_gas_used),
			total_gas_cost = COALESCE($5, total_gas_cost),
			block_number   = COALESCE($6, block_number)
		WHERE bundle_hash = $1 AND status = ANY($7)`,
		hash.Hex(), string(status), txHash, gasUsed, gasCost, blockNum,
		pq.Array(prevStatuses(bundlePrev, status)),
	)
	return err
}

func (s *PostgresStore) ListBundles(ctx context.Context, limit int) ([]*BundleRecord, error) {
	q := `SELECT bundle_hash, tx_hash, user_op_count, total_gas_used,
		total_gas_cost, status, block_number, created_at, submitted_at,
		confirmed_at FROM bundles ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BundleRecord
	for rows.Next() {
		var (
			rec         BundleRecord
			bundleHash  string
			txHash      sql.NullString
			totalCost   sql.NullString
			status      string
			blockNumber int64
			gasUsed     int64
			submittedAt sql.NullTime
			confirmedAt sql.NullTime
		)
		if err := rows.Scan(&bundleHash, &txHash, &rec.UserOpCount, &gasUsed,
			&totalCost, &status, &blockNumber, &rec.CreatedAt,
			&submittedAt, &confirmedAt); err != nil {
			return nil, err
		}
		rec.BundleHash = common.HexToHash(bundleHash)
		rec.Status = Status(status)
		rec.TotalGasUsed = uint64(gasUsed)
		rec.BlockNumber = uint64(blockNumber)
		if txHash.Valid {
			rec.TxHash = common.HexToHash(txHash.String)
		}
		if totalCost.Valid {
			rec.TotalGasCost, _ = new(big.Int).SetString(totalCost.String, 10)
		}
		if submittedAt.Valid {
			t := submittedAt.Time
			rec.SubmittedAt = &t
		}
		if confirmedAt.Valid {
			t := confirmedAt.Time
			rec.ConfirmedAt = &t
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range out {
		if err := s.loadBundleMembers(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadBundleMembers(ctx context.Context, rec *BundleRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_op_hash FROM bundle_user_operations
		WHERE bundle_id = $1 ORDER BY position ASC`,
		rec.BundleHash.Hex(),
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return err
		}
		rec.UserOpHashes = append(rec.UserOpHashes, common.HexToHash(h))
	}
	return rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanUserOp(row scanner) (*UserOpRecord, error) {
	var (
		rec         UserOpRecord
		op          userop.UserOperation
		opHash      string
		status      string
		submittedAt sql.NullTime
		confirmedAt sql.NullTime
		txHash      sql.NullString
		gasUsed     int64
		gasCost     sql.NullString
		errMsg      sql.NullString
		blockNumber int64
	)
	err := row.Scan(&rec.Seq, &opHash, &op.Sender, &op.Nonce, &op.InitCode,
		&op.CallData, &op.CallGasLimit, &op.VerificationGasLimit,
		&op.PreVerificationGas, &op.MaxFeePerGas, &op.MaxPriorityFeePerGas,
		&op.PaymasterAndData, &op.Signature, &status, &rec.CreatedAt,
		&submittedAt, &confirmedAt, &txHash, &gasUsed, &gasCost, &errMsg,
		&blockNumber)
	if err != nil {
		return nil, err
	}
	rec.Op = op
	rec.UserOpHash = common.HexToHash(opHash)
	rec.Status = Status(status)
	rec.GasUsed = uint64(gasUsed)
	rec.BlockNumber = uint64(blockNumber)
	if submittedAt.Valid {
		t := submittedAt.Time
		rec.SubmittedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		rec.ConfirmedAt = &t
	}
	if txHash.Valid {
		rec.TxHash = common.HexToHash(txHash.String)
	}
	if gasCost.Valid {
		rec.GasCost, _ = new(big.Int).SetString(gasCost.String, 10)
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	return &rec, nil
}

func prevStatuses(table map[Status][]Status, to Status) []string {
	prev := table[to]
	out := make([]string, len(prev))
	for i, s := range prev {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
