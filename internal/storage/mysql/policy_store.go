package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Patron-Relay/internal/sponsor"
)

// The global policy is stored under a reserved scope key; per-principal
// overrides use the principal's hex address.
const globalPolicyScope = "global"

// SQLPolicyStore persists sponsorship policies, whitelist membership and
// usage counters in MySQL.
type SQLPolicyStore struct {
	db *sql.DB
}

// NewSQLPolicyStore creates the store and runs pending migrations.
func NewSQLPolicyStore(ctx context.Context, cfg Config) (*SQLPolicyStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLPolicyStore{db: db}, nil
}

// GlobalPolicy implements sponsor.Store.
func (s *SQLPolicyStore) GlobalPolicy(ctx context.Context) (*sponsor.Policy, error) {
	return s.queryPolicy(ctx, globalPolicyScope)
}

// AccountPolicy implements sponsor.Store.
func (s *SQLPolicyStore) AccountPolicy(ctx context.Context, principal common.Address) (*sponsor.Policy, error) {
	return s.queryPolicy(ctx, principal.Hex())
}

func (s *SQLPolicyStore) queryPolicy(ctx context.Context, scope string) (*sponsor.Policy, error) {
	const query = `SELECT daily_gas_budget, per_operation_gas_budget, daily_operation_count,
require_whitelist, require_verification, min_verification_level, active
FROM sponsor_policies WHERE scope = ?`
	row := s.db.QueryRowContext(ctx, query, scope)

	var policy sponsor.Policy
	var requireWhitelist, requireVerification, active int
	if err := row.Scan(
		&policy.DailyGasBudget,
		&policy.PerOperationGasBudget,
		&policy.DailyOperationCount,
		&requireWhitelist,
		&requireVerification,
		&policy.MinVerificationLevel,
		&active,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sponsor.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("query policy: %w", err)
	}
	policy.RequireWhitelist = requireWhitelist == 1
	policy.RequireVerification = requireVerification == 1
	policy.Active = active == 1
	return &policy, nil
}

// SetGlobalPolicy implements sponsor.Store.
func (s *SQLPolicyStore) SetGlobalPolicy(ctx context.Context, policy *sponsor.Policy) error {
	return s.upsertPolicy(ctx, globalPolicyScope, policy)
}

// SetAccountPolicy implements sponsor.Store.
func (s *SQLPolicyStore) SetAccountPolicy(ctx context.Context, principal common.Address, policy *sponsor.Policy) error {
	return s.upsertPolicy(ctx, principal.Hex(), policy)
}

func (s *SQLPolicyStore) upsertPolicy(ctx context.Context, scope string, policy *sponsor.Policy) error {
	const stmt = `INSERT INTO sponsor_policies
        (scope, daily_gas_budget, per_operation_gas_budget, daily_operation_count,
         require_whitelist, require_verification, min_verification_level, active, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        daily_gas_budget = VALUES(daily_gas_budget),
        per_operation_gas_budget = VALUES(per_operation_gas_budget),
        daily_operation_count = VALUES(daily_operation_count),
        require_whitelist = VALUES(require_whitelist),
        require_verification = VALUES(require_verification),
        min_verification_level = VALUES(min_verification_level),
        active = VALUES(active),
        updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt,
		scope,
		policy.DailyGasBudget,
		policy.PerOperationGasBudget,
		policy.DailyOperationCount,
		boolToInt(policy.RequireWhitelist),
		boolToInt(policy.RequireVerification),
		policy.MinVerificationLevel,
		boolToInt(policy.Active),
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// Whitelisted implements sponsor.Store.
func (s *SQLPolicyStore) Whitelisted(ctx context.Context, principal common.Address) (bool, error) {
	const query = `SELECT 1 FROM sponsor_whitelist WHERE principal = ?`
	row := s.db.QueryRowContext(ctx, query, principal.Hex())
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query whitelist: %w", err)
	}
	return true, nil
}

// SetWhitelist implements sponsor.Store.
func (s *SQLPolicyStore) SetWhitelist(ctx context.Context, principal common.Address, allowed bool) error {
	if allowed {
		const stmt = `INSERT INTO sponsor_whitelist (principal, added_at) VALUES (?, ?)
        ON DUPLICATE KEY UPDATE added_at = added_at`
		if _, err := s.db.ExecContext(ctx, stmt, principal.Hex(), time.Now().Unix()); err != nil {
			return fmt.Errorf("insert whitelist entry: %w", err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sponsor_whitelist WHERE principal = ?`, principal.Hex()); err != nil {
		return fmt.Errorf("delete whitelist entry: %w", err)
	}
	return nil
}

// Usage implements sponsor.Store.
func (s *SQLPolicyStore) Usage(ctx context.Context, principal common.Address, day int64) (sponsor.Usage, error) {
	const query = `SELECT gas_consumed, operations FROM sponsor_usage WHERE principal = ? AND day = ?`
	row := s.db.QueryRowContext(ctx, query, principal.Hex(), day)

	usage := sponsor.Usage{Day: day}
	if err := row.Scan(&usage.GasConsumed, &usage.Operations); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return usage, nil
		}
		return sponsor.Usage{}, fmt.Errorf("query usage: %w", err)
	}
	return usage, nil
}

// AddUsage implements sponsor.Store.
func (s *SQLPolicyStore) AddUsage(ctx context.Context, principal common.Address, day int64, gas, operations uint64) error {
	const stmt = `INSERT INTO sponsor_usage (principal, day, gas_consumed, operations)
        VALUES (?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        gas_consumed = gas_consumed + VALUES(gas_consumed),
        operations = operations + VALUES(operations)`
	if _, err := s.db.ExecContext(ctx, stmt, principal.Hex(), day, gas, operations); err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// Close implements sponsor.Store.
func (s *SQLPolicyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ sponsor.Store = (*SQLPolicyStore)(nil)
