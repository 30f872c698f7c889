// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface. Credit deductions are a single
// conditional UPDATE, grant and transaction uniqueness is enforced by
// unique indexes, and subscription extension uses GREATEST so the expiry
// never regresses under out-of-order webhook delivery.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// Schema is the DDL this store expects. The two unique indexes are the
// engine's durable idempotency guarantees and must not be dropped.
const Schema = `
CREATE TABLE IF NOT EXISTS unlock_grants (
	user_id         TEXT NOT NULL,
	series_id       TEXT NOT NULL,
	episode_num     INTEGER NOT NULL,
	method          TEXT NOT NULL,
	credits_spent   INTEGER NOT NULL DEFAULT 0,
	transaction_ref TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ,
	PRIMARY KEY (user_id, series_id, episode_num)
);

CREATE TABLE IF NOT EXISTS credit_balances (
	user_id    TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_operations (
	op_key     TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	balance    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id                      TEXT PRIMARY KEY,
	user_id                 TEXT NOT NULL,
	type                    TEXT NOT NULL,
	amount_cents            INTEGER NOT NULL DEFAULT 0,
	currency                TEXT NOT NULL,
	payment_method          TEXT NOT NULL,
	provider_transaction_id TEXT NOT NULL,
	status                  TEXT NOT NULL,
	sku                     TEXT,
	credits_granted         INTEGER NOT NULL DEFAULT 0,
	tier                    TEXT,
	created_at              TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS transactions_provider_tx_id
	ON transactions (provider_transaction_id);

CREATE TABLE IF NOT EXISTS subscription_state (
	user_id              TEXT PRIMARY KEY,
	tier                 TEXT NOT NULL DEFAULT '',
	expires_at           TIMESTAMPTZ NOT NULL,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at           TIMESTAMPTZ NOT NULL
);
`

// Store implements entitlement.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetGrant implements entitlement.Store.
func (s *Store) GetGrant(ctx context.Context, key entitlement.GrantKey) (*entitlement.UnlockGrant, error) {
	grant, err := scanGrant(s.pool.QueryRow(ctx,
		`SELECT user_id, series_id, episode_num, method, credits_spent, transaction_ref, created_at, expires_at
			FROM unlock_grants
			WHERE user_id = $1 AND series_id = $2 AND episode_num = $3`,
		key.UserID, key.SeriesID, key.EpisodeNum))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return grant, nil
}

// CreateGrant implements entitlement.Store. The conditional upsert makes
// the insert race-safe: of two concurrent unlocks, one inserts and one
// observes the winner's row. A conflicting row that has already expired
// is overwritten instead of returned.
func (s *Store) CreateGrant(ctx context.Context, grant *entitlement.UnlockGrant) (*entitlement.UnlockGrant, bool, error) {
	if grant == nil || grant.UserID == "" || grant.SeriesID == "" {
		return nil, false, fmt.Errorf("invalid grant")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO unlock_grants
			(user_id, series_id, episode_num, method, credits_spent, transaction_ref, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (user_id, series_id, episode_num) DO UPDATE
			SET method = EXCLUDED.method,
				credits_spent = EXCLUDED.credits_spent,
				transaction_ref = EXCLUDED.transaction_ref,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE unlock_grants.expires_at IS NOT NULL
				AND unlock_grants.expires_at <= now()`,
		grant.UserID, grant.SeriesID, grant.EpisodeNum, string(grant.Method),
		grant.CreditsSpent, nullString(grant.TransactionRef), grant.CreatedAt, grant.ExpiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create grant: %w", err)
	}

	if tag.RowsAffected() == 1 {
		grantCopy := *grant
		return &grantCopy, true, nil
	}

	existing, err := s.GetGrant(ctx, grant.Key())
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("grant insert conflicted but row not found")
	}
	return existing, false, nil
}

// ListGrants implements entitlement.Store.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]*entitlement.UnlockGrant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, series_id, episode_num, method, credits_spent, transaction_ref, created_at, expires_at
			FROM unlock_grants
			WHERE user_id = $1
			ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.UnlockGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

// GetBalance implements entitlement.Store.
func (s *Store) GetBalance(ctx context.Context, userID string) (*entitlement.CreditBalance, error) {
	var bal entitlement.CreditBalance
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, version, updated_at FROM credit_balances WHERE user_id = $1`,
		userID).Scan(&bal.UserID, &bal.Balance, &bal.Version, &bal.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &entitlement.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &bal, nil
}

// AddCredits implements entitlement.Store.
func (s *Store) AddCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if recorded, ok, err := checkLedgerOp(ctx, tx, opKey); err != nil {
		return 0, err
	} else if ok {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return 0, fmt.Errorf("failed to commit: %w", commitErr)
		}
		return recorded, nil
	}

	var newBalance int
	err = tx.QueryRow(ctx,
		`INSERT INTO credit_balances (user_id, balance, version, updated_at)
			VALUES ($1, $2, 1, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				balance = credit_balances.balance + EXCLUDED.balance,
				version = credit_balances.version + 1,
				updated_at = NOW()
			RETURNING balance`,
		userID, amount).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("failed to add credits: %w", err)
	}

	if err := recordLedgerOp(ctx, tx, opKey, userID, newBalance); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newBalance, nil
}

// DeductCredits implements entitlement.Store. The check and the decrement
// are one conditional UPDATE; a row that does not match (balance too low)
// leaves zero rows affected and nothing changed.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if recorded, ok, err := checkLedgerOp(ctx, tx, opKey); err != nil {
		return 0, err
	} else if ok {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return 0, fmt.Errorf("failed to commit: %w", commitErr)
		}
		return recorded, nil
	}

	var newBalance int
	err = tx.QueryRow(ctx,
		`UPDATE credit_balances
			SET balance = balance - $2, version = version + 1, updated_at = NOW()
			WHERE user_id = $1 AND balance >= $2
			RETURNING balance`,
		userID, amount).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either no row or not enough balance; report the observed balance.
		current := 0
		if lookupErr := tx.QueryRow(ctx,
			`SELECT balance FROM credit_balances WHERE user_id = $1`,
			userID).Scan(&current); lookupErr != nil && !errors.Is(lookupErr, pgx.ErrNoRows) {
			return 0, fmt.Errorf("failed to read balance: %w", lookupErr)
		}
		return current, &entitlement.InsufficientCreditsError{Needed: amount, Balance: current}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}

	if err := recordLedgerOp(ctx, tx, opKey, userID, newBalance); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newBalance, nil
}

// GetTransactionByProviderID implements entitlement.Store.
func (s *Store) GetTransactionByProviderID(ctx context.Context, providerTxID string) (*entitlement.Transaction, error) {
	var t entitlement.Transaction
	var sku, tier *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, type, amount_cents, currency, payment_method,
				provider_transaction_id, status, sku, credits_granted, tier, created_at
			FROM transactions WHERE provider_transaction_id = $1`,
		providerTxID).Scan(
		&t.ID, &t.UserID, &t.Type, &t.AmountCents, &t.Currency, &t.PaymentMethod,
		&t.ProviderTransactionID, &t.Status, &sku, &t.CreditsGranted, &tier, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if sku != nil {
		t.SKU = *sku
	}
	if tier != nil {
		t.Tier = *tier
	}
	return &t, nil
}

// CreateTransaction implements entitlement.Store. The unique index on
// provider_transaction_id turns replays into ErrDuplicateTransaction.
func (s *Store) CreateTransaction(ctx context.Context, tx *entitlement.Transaction) error {
	if tx == nil || tx.ProviderTransactionID == "" {
		return fmt.Errorf("invalid transaction")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions
			(id, user_id, type, amount_cents, currency, payment_method,
			 provider_transaction_id, status, sku, credits_granted, tier, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		tx.ID, tx.UserID, string(tx.Type), tx.AmountCents, tx.Currency, string(tx.PaymentMethod),
		tx.ProviderTransactionID, string(tx.Status), nullString(tx.SKU), tx.CreditsGranted,
		nullString(tx.Tier), tx.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return entitlement.ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetSubscription implements entitlement.Store.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*entitlement.SubscriptionState, error) {
	var sub entitlement.SubscriptionState
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier, expires_at, cancel_at_period_end, updated_at
			FROM subscription_state WHERE user_id = $1`,
		userID).Scan(&sub.UserID, &sub.Tier, &sub.ExpiresAt, &sub.CancelAtPeriodEnd, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ExtendSubscription implements entitlement.Store. GREATEST applies the
// max-expiry rule inside the database, so concurrent webhook deliveries
// and user-initiated purchases compose commutatively.
func (s *Store) ExtendSubscription(ctx context.Context, userID, tier string, expiresAt time.Time) (*entitlement.SubscriptionState, error) {
	var sub entitlement.SubscriptionState
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscription_state (user_id, tier, expires_at, cancel_at_period_end, updated_at)
			VALUES ($1, $2, $3, FALSE, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				expires_at = GREATEST(subscription_state.expires_at, EXCLUDED.expires_at),
				tier = CASE WHEN EXCLUDED.expires_at > subscription_state.expires_at
					THEN EXCLUDED.tier ELSE subscription_state.tier END,
				cancel_at_period_end = CASE WHEN EXCLUDED.expires_at > subscription_state.expires_at
					THEN FALSE ELSE subscription_state.cancel_at_period_end END,
				updated_at = NOW()
			RETURNING user_id, tier, expires_at, cancel_at_period_end, updated_at`,
		userID, tier, expiresAt).Scan(
		&sub.UserID, &sub.Tier, &sub.ExpiresAt, &sub.CancelAtPeriodEnd, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to extend subscription: %w", err)
	}
	return &sub, nil
}

// SetSubscription implements entitlement.Store.
func (s *Store) SetSubscription(ctx context.Context, sub *entitlement.SubscriptionState) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription state")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscription_state (user_id, tier, expires_at, cancel_at_period_end, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				expires_at = EXCLUDED.expires_at,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				updated_at = NOW()`,
		sub.UserID, sub.Tier, sub.ExpiresAt, sub.CancelAtPeriodEnd)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

func checkLedgerOp(ctx context.Context, tx pgx.Tx, opKey string) (int, bool, error) {
	if opKey == "" {
		return 0, false, nil
	}
	var recorded int
	err := tx.QueryRow(ctx,
		`SELECT balance FROM ledger_operations WHERE op_key = $1 FOR UPDATE`,
		opKey).Scan(&recorded)
	if err == nil {
		return recorded, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("failed to check ledger operation: %w", err)
}

func recordLedgerOp(ctx context.Context, tx pgx.Tx, opKey, userID string, balance int) error {
	if opKey == "" {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_operations (op_key, user_id, balance, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (op_key) DO NOTHING`,
		opKey, userID, balance)
	if err != nil {
		return fmt.Errorf("failed to record ledger operation: %w", err)
	}
	return nil
}

func scanGrant(row pgx.Row) (*entitlement.UnlockGrant, error) {
	var g entitlement.UnlockGrant
	var method string
	var txRef *string
	if err := row.Scan(&g.UserID, &g.SeriesID, &g.EpisodeNum, &method,
		&g.CreditsSpent, &txRef, &g.CreatedAt, &g.ExpiresAt); err != nil {
		return nil, err
	}
	g.Method = entitlement.UnlockMethod(method)
	if txRef != nil {
		g.TransactionRef = *txRef
	}
	return &g, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
