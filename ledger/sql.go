// Copyright 2021-2022 The ocsgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/ocsgw/common"
	"github.com/apex/log"

	// Postgres driver, registered as "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"
	// Pure Go SQLite driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

// Placeholders are numbered in order of appearance in every statement so both drivers bind
// them identically.
const (
	createBundlesTable = `CREATE TABLE IF NOT EXISTS bundles (
		subscriber_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL CHECK (balance >= 0)
	)`
	createPurchasesTable = `CREATE TABLE IF NOT EXISTS purchase_records (
		purchase_id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		sku TEXT NOT NULL,
		units BIGINT NOT NULL,
		created_at_ns BIGINT NOT NULL
	)`
	createPurchasesIndex = `CREATE INDEX IF NOT EXISTS purchase_records_subscriber
		ON purchase_records (subscriber_id, created_at_ns)`

	ensureBundleStmt = `INSERT INTO bundles (subscriber_id, balance) VALUES ($1, $2)
		ON CONFLICT (subscriber_id) DO NOTHING`
	reserveStmt = `UPDATE bundles SET balance = balance - $1
		WHERE subscriber_id = $2 AND balance >= $3`
	insertPurchaseStmt = `INSERT INTO purchase_records
		(purchase_id, subscriber_id, sku, units, created_at_ns) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (purchase_id) DO NOTHING`
	creditStmt = `INSERT INTO bundles (subscriber_id, balance) VALUES ($1, $2)
		ON CONFLICT (subscriber_id) DO UPDATE SET balance = bundles.balance + excluded.balance`
	readBalanceStmt = `SELECT balance FROM bundles WHERE subscriber_id = $1`
	getPurchaseStmt = `SELECT purchase_id, subscriber_id, sku, units, created_at_ns
		FROM purchase_records WHERE purchase_id = $1`
	purchaseHistoryStmt = `SELECT purchase_id, subscriber_id, sku, units, created_at_ns
		FROM purchase_records WHERE subscriber_id = $1 ORDER BY created_at_ns, purchase_id`
)

// SQLParams parameters for opening a SQL backed ledger
type SQLParams struct {
	// Driver is the database/sql driver name: "sqlite" or "pgx"
	Driver string `validate:"required,oneof=sqlite pgx"`
	// DSN is the database connection string
	DSN string `validate:"required"`
	// MaxOpenConns is the connection pool size. SQLite is always limited to one.
	MaxOpenConns int `validate:"gte=1"`
}

// sqlLedger implements Ledger on top of a SQL database
type sqlLedger struct {
	common.Component
	db *sql.DB
}

// NewSQLLedger open a SQL backed Ledger, creating its tables if needed
func NewSQLLedger(ctxt context.Context, params SQLParams, instance string) (Ledger, error) {
	logTags := log.Fields{
		"module": "ledger", "component": "sql", "instance": instance, "driver": params.Driver,
	}
	db, err := sql.Open(params.Driver, params.DSN)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open ledger database")
		return nil, fmt.Errorf("ledger: open failed: %w", err)
	}
	poolSize := params.MaxOpenConns
	if params.Driver == "sqlite" || poolSize < 1 {
		poolSize = 1
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach ledger database")
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping failed: %w", err)
	}
	for _, stmt := range []string{createBundlesTable, createPurchasesTable, createPurchasesIndex} {
		if _, err := db.ExecContext(ctxt, stmt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to prepare ledger schema")
			_ = db.Close()
			return nil, fmt.Errorf("ledger: schema setup failed: %w", err)
		}
	}
	log.WithFields(logTags).Info("Ledger database ready")
	return &sqlLedger{Component: common.Component{LogTags: logTags}, db: db}, nil
}

func (l *sqlLedger) EnsureBundle(
	ctxt context.Context, subscriberID string, initialBalance int64,
) error {
	if initialBalance < 0 {
		return ErrInvalidUnits
	}
	if _, err := l.db.ExecContext(ctxt, ensureBundleStmt, subscriberID, initialBalance); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, l.LogTags)).Errorf(
			"Unable to define bundle for %s", subscriberID,
		)
		return fmt.Errorf("ledger: ensure bundle: %w", err)
	}
	return nil
}

// inTx run an operation inside a transaction, committing only if it succeeds
func (l *sqlLedger) inTx(ctxt context.Context, op func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctxt, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	if err := op(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func readBalance(ctxt context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}, subscriberID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctxt, readBalanceStmt, subscriberID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnknownSubscriber
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: read balance: %w", err)
	}
	return balance, nil
}

func (l *sqlLedger) Reserve(ctxt context.Context, subscriberID string, units int64) (int64, error) {
	if units < 0 {
		return 0, ErrInvalidUnits
	}
	var remaining int64
	err := l.inTx(ctxt, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctxt, reserveStmt, units, subscriberID, units)
		if err != nil {
			return fmt.Errorf("ledger: reserve: %w", err)
		}
		changed, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger: reserve: %w", err)
		}
		remaining, err = readBalance(ctxt, tx, subscriberID)
		if err != nil {
			return err
		}
		if changed == 0 {
			return ErrInsufficientBalance
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrUnknownSubscriber) {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, l.LogTags)).Errorf(
			"Reserve of %d for %s failed", units, subscriberID,
		)
	}
	return remaining, err
}

func (l *sqlLedger) Credit(ctxt context.Context, record PurchaseRecord) (int64, error) {
	if record.Units <= 0 {
		return 0, ErrInvalidUnits
	}
	var balance int64
	err := l.inTx(ctxt, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(
			ctxt, insertPurchaseStmt,
			record.PurchaseID, record.SubscriberID, record.SKU, record.Units,
			record.Timestamp.UTC().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("ledger: record purchase: %w", err)
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger: record purchase: %w", err)
		}
		if inserted == 0 {
			return ErrDuplicatePurchase
		}
		if _, err := tx.ExecContext(ctxt, creditStmt, record.SubscriberID, record.Units); err != nil {
			return fmt.Errorf("ledger: credit: %w", err)
		}
		balance, err = readBalance(ctxt, tx, record.SubscriberID)
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicatePurchase) {
			log.WithError(err).WithFields(common.UpdateLogTags(ctxt, l.LogTags)).Errorf(
				"Credit of %s failed", record,
			)
		}
		return 0, err
	}
	return balance, nil
}

func (l *sqlLedger) ReadBalance(ctxt context.Context, subscriberID string) (int64, error) {
	return readBalance(ctxt, l.db, subscriberID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(row rowScanner) (PurchaseRecord, error) {
	var record PurchaseRecord
	var createdAt int64
	if err := row.Scan(
		&record.PurchaseID, &record.SubscriberID, &record.SKU, &record.Units, &createdAt,
	); err != nil {
		return PurchaseRecord{}, err
	}
	record.Timestamp = time.Unix(0, createdAt).UTC()
	return record, nil
}

func (l *sqlLedger) GetPurchase(ctxt context.Context, purchaseID string) (PurchaseRecord, error) {
	record, err := scanPurchase(l.db.QueryRowContext(ctxt, getPurchaseStmt, purchaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return PurchaseRecord{}, ErrPurchaseNotFound
	}
	if err != nil {
		return PurchaseRecord{}, fmt.Errorf("ledger: read purchase: %w", err)
	}
	return record, nil
}

func (l *sqlLedger) PurchaseHistory(
	ctxt context.Context, subscriberID string,
) ([]PurchaseRecord, error) {
	rows, err := l.db.QueryContext(ctxt, purchaseHistoryStmt, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read purchases: %w", err)
	}
	defer rows.Close()
	result := []PurchaseRecord{}
	for rows.Next() {
		record, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: read purchases: %w", err)
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read purchases: %w", err)
	}
	return result, nil
}

func (l *sqlLedger) Close() error {
	return l.db.Close()
}
