// Package dbtest opens an in-memory SQLite database carrying the same tables
// as the postgres migrations, for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seq atomic.Int64

var schema = []string{
	`CREATE TABLE companies (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE contractors (
		id INTEGER PRIMARY KEY,
		company_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE clients (
		id INTEGER PRIMARY KEY,
		company_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE contracts (
		id INTEGER PRIMARY KEY,
		company_id INTEGER NOT NULL,
		contractor_id INTEGER NOT NULL,
		client_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		field_values TEXT NOT NULL DEFAULT '{}',
		currency TEXT NOT NULL DEFAULT 'usd',
		deposit_amount TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		signing_token TEXT,
		signing_token_hash TEXT UNIQUE,
		signing_token_expires_at DATETIME,
		signing_token_used_at DATETIME,
		signer_name TEXT,
		signer_ip TEXT,
		signer_user_agent TEXT,
		signature_object_key TEXT,
		auto_pay_enabled BOOLEAN NOT NULL DEFAULT 0,
		saved_customer_ref TEXT,
		saved_payment_method_ref TEXT,
		sent_at DATETIME,
		signed_at DATETIME,
		paid_at DATETIME,
		completed_at DATETIME,
		cancelled_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payments (
		id INTEGER PRIMARY KEY,
		contract_id INTEGER NOT NULL,
		company_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_reference TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		auto_pay BOOLEAN NOT NULL DEFAULT 0,
		failure_reason TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE TABLE contract_events (
		id INTEGER PRIMARY KEY,
		contract_id INTEGER NOT NULL,
		company_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		provider_reference TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		contract_id INTEGER,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, provider_event_id)
	)`,
	`CREATE TABLE signature_images (
		object_key TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL
	)`,
}

// Open returns a fresh database per test. Amounts are stored as text so
// decimal values round-trip exactly.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// One connection keeps the shared in-memory database alive and
	// serializes transactions the way row locks would.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return conn
}

// Count runs a COUNT query and returns the result.
func Count(t testing.TB, conn *gorm.DB, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := conn.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count query: %v", err)
	}
	return count
}

// Seed inserts the company, contractor and client rows a contract needs.
func Seed(t testing.TB, conn *gorm.DB, companyID, contractorID, clientID int64) {
	t.Helper()
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO companies (id, name, email) VALUES (?, ?, ?)`, []any{companyID, "Acme Renovations", "billing@acme.test"}},
		{`INSERT INTO contractors (id, company_id, name, email, role) VALUES (?, ?, ?, ?, ?)`, []any{contractorID, companyID, "Dana Builder", "dana@acme.test", "owner"}},
		{`INSERT INTO clients (id, company_id, name, email) VALUES (?, ?, ?, ?)`, []any{clientID, companyID, "Sam Client", "sam@client.test"}},
	}
	for _, s := range stmts {
		if err := conn.Exec(s.q, s.args...).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}
