package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"Patron-Relay/internal/account"
)

// SQLAccountStore persists delegated account state in MySQL.
type SQLAccountStore struct {
	db *sql.DB
}

// NewSQLAccountStore creates the store and runs pending migrations.
func NewSQLAccountStore(ctx context.Context, cfg Config) (*SQLAccountStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLAccountStore{db: db}, nil
}

// Get implements account.Store.
func (s *SQLAccountStore) Get(ctx context.Context, addr common.Address) (account.State, error) {
	const query = `SELECT schema_version, owner, sponsor, nonce, created_at, updated_at
FROM accounts WHERE address = ?`
	row := s.db.QueryRowContext(ctx, query, addr.Hex())

	var state account.State
	var owner, sponsor string
	if err := row.Scan(&state.Schema, &owner, &sponsor, &state.Nonce, &state.CreatedAt, &state.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.State{}, account.ErrAccountNotFound
		}
		return account.State{}, fmt.Errorf("query account: %w", err)
	}
	state.Address = addr
	state.Owner = common.HexToAddress(owner)
	state.Sponsor = common.HexToAddress(sponsor)
	return state, nil
}

// Put implements account.Store.
func (s *SQLAccountStore) Put(ctx context.Context, state account.State) error {
	const stmt = `INSERT INTO accounts
        (address, schema_version, owner, sponsor, nonce, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        schema_version = VALUES(schema_version),
        sponsor = VALUES(sponsor),
        nonce = VALUES(nonce),
        updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		state.Address.Hex(),
		state.Schema,
		state.Owner.Hex(),
		state.Sponsor.Hex(),
		state.Nonce,
		state.CreatedAt,
		state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// List implements account.Store.
func (s *SQLAccountStore) List(ctx context.Context) ([]account.State, error) {
	const query = `SELECT address, schema_version, owner, sponsor, nonce, created_at, updated_at
FROM accounts ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var states []account.State
	for rows.Next() {
		var state account.State
		var address, owner, sponsor string
		if err := rows.Scan(&address, &state.Schema, &owner, &sponsor, &state.Nonce, &state.CreatedAt, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		state.Address = common.HexToAddress(address)
		state.Owner = common.HexToAddress(owner)
		state.Sponsor = common.HexToAddress(sponsor)
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return states, nil
}

// Close implements account.Store.
func (s *SQLAccountStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ account.Store = (*SQLAccountStore)(nil)
