// Package redis provides a Redis implementation of the entitlement.Store
// interface. Credit operations and subscription extension run as Lua
// scripts so the balance check, the mutation, and the idempotency record
// are a single atomic step.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/episodic/entitlement/pkg/entitlement"
)

// Store implements entitlement.Store using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "entitlement:").
	KeyPrefix string

	// OpKeyTTL is the TTL for ledger idempotency keys (default: 24h).
	OpKeyTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "entitlement:",
		OpKeyTTL:  24 * time.Hour,
	}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "entitlement:"
	}
	if config.OpKeyTTL == 0 {
		config.OpKeyTTL = 24 * time.Hour
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations.
func (s *Store) loadScripts() {
	// Deduct runs the idempotency check and conditional decrement in one step.
	// Returns {1, newBalance} on success, {0, balance} on insufficient,
	// {2, recordedBalance} when the op key was already applied.
	s.scripts["deduct"] = redis.NewScript(`
		local balanceKey = KEYS[1]
		local opKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local opTTL = tonumber(ARGV[2])

		if opKey ~= '' then
			local recorded = redis.call('GET', opKey)
			if recorded then
				return {2, tonumber(recorded)}
			end
		end

		local balance = tonumber(redis.call('GET', balanceKey) or '0')
		if balance < amount then
			return {0, balance}
		end

		local newBalance = balance - amount
		redis.call('SET', balanceKey, newBalance)
		if opKey ~= '' then
			redis.call('SET', opKey, newBalance, 'EX', opTTL)
		end
		return {1, newBalance}
	`)

	// Add: idempotency check plus increment.
	s.scripts["add"] = redis.NewScript(`
		local balanceKey = KEYS[1]
		local opKey = KEYS[2]
		local amount = tonumber(ARGV[1])
		local opTTL = tonumber(ARGV[2])

		if opKey ~= '' then
			local recorded = redis.call('GET', opKey)
			if recorded then
				return {2, tonumber(recorded)}
			end
		end

		local newBalance = redis.call('INCRBY', balanceKey, amount)
		if opKey ~= '' then
			redis.call('SET', opKey, newBalance, 'EX', opTTL)
		end
		return {1, newBalance}
	`)

	// Extend: expiresAt = max(current, new), tier follows the winning expiry.
	s.scripts["extend"] = redis.NewScript(`
		local subKey = KEYS[1]
		local newExpiry = tonumber(ARGV[1])
		local tier = ARGV[2]
		local now = ARGV[3]

		local current = tonumber(redis.call('HGET', subKey, 'expires_at') or '0')
		if newExpiry > current then
			redis.call('HSET', subKey, 'expires_at', newExpiry, 'cancel_at_period_end', '0')
			if tier ~= '' then
				redis.call('HSET', subKey, 'tier', tier)
			end
		end
		redis.call('HSET', subKey, 'updated_at', now)
		return redis.call('HGETALL', subKey)
	`)
}

func (s *Store) grantKey(key entitlement.GrantKey) string {
	return fmt.Sprintf("%sgrant:%s:%s:%d", s.config.KeyPrefix, key.UserID, key.SeriesID, key.EpisodeNum)
}

func (s *Store) grantIndexKey(userID string) string {
	return fmt.Sprintf("%sgrants:%s", s.config.KeyPrefix, userID)
}

func (s *Store) balanceKey(userID string) string {
	return fmt.Sprintf("%sbalance:%s", s.config.KeyPrefix, userID)
}

func (s *Store) opKey(op string) string {
	if op == "" {
		return ""
	}
	return fmt.Sprintf("%sop:%s", s.config.KeyPrefix, op)
}

func (s *Store) txKey(providerTxID string) string {
	return fmt.Sprintf("%stx:%s", s.config.KeyPrefix, providerTxID)
}

func (s *Store) subKey(userID string) string {
	return fmt.Sprintf("%ssub:%s", s.config.KeyPrefix, userID)
}

// GetGrant implements entitlement.Store.
func (s *Store) GetGrant(ctx context.Context, key entitlement.GrantKey) (*entitlement.UnlockGrant, error) {
	data, err := s.client.Get(ctx, s.grantKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	var grant entitlement.UnlockGrant
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, fmt.Errorf("failed to decode grant: %w", err)
	}
	return &grant, nil
}

// CreateGrant implements entitlement.Store. SET NX makes the insert
// atomic; the loser of a race reads the winner's grant back. An expired
// stored grant is replaced rather than returned.
func (s *Store) CreateGrant(ctx context.Context, grant *entitlement.UnlockGrant) (*entitlement.UnlockGrant, bool, error) {
	if grant == nil || grant.UserID == "" || grant.SeriesID == "" {
		return nil, false, fmt.Errorf("invalid grant")
	}

	data, err := json.Marshal(grant)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode grant: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.grantKey(grant.Key()), data, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create grant: %w", err)
	}
	if !ok {
		existing, err := s.GetGrant(ctx, grant.Key())
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("grant insert conflicted but key not found")
		}
		if existing.ValidAt(time.Now().UTC()) {
			return existing, false, nil
		}
		// The stored grant has expired; overwrite it. Two racers both
		// replacing the same expired row write equivalent fresh grants.
		if err := s.client.Set(ctx, s.grantKey(grant.Key()), data, 0).Err(); err != nil {
			return nil, false, fmt.Errorf("failed to replace grant: %w", err)
		}
	}

	if err := s.client.ZAdd(ctx, s.grantIndexKey(grant.UserID), redis.Z{
		Score:  float64(grant.CreatedAt.UnixNano()),
		Member: s.grantKey(grant.Key()),
	}).Err(); err != nil {
		return nil, false, fmt.Errorf("failed to index grant: %w", err)
	}

	grantCopy := *grant
	return &grantCopy, true, nil
}

// ListGrants implements entitlement.Store.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]*entitlement.UnlockGrant, error) {
	keys, err := s.client.ZRevRange(ctx, s.grantIndexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch grants: %w", err)
	}

	out := make([]*entitlement.UnlockGrant, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var grant entitlement.UnlockGrant
		if err := json.Unmarshal([]byte(str), &grant); err != nil {
			return nil, fmt.Errorf("failed to decode grant: %w", err)
		}
		out = append(out, &grant)
	}
	return out, nil
}

// GetBalance implements entitlement.Store.
func (s *Store) GetBalance(ctx context.Context, userID string) (*entitlement.CreditBalance, error) {
	val, err := s.client.Get(ctx, s.balanceKey(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return &entitlement.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &entitlement.CreditBalance{UserID: userID, Balance: val}, nil
}

// AddCredits implements entitlement.Store.
func (s *Store) AddCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}
	return s.runLedgerScript(ctx, "add", userID, amount, opKey)
}

// DeductCredits implements entitlement.Store.
func (s *Store) DeductCredits(ctx context.Context, userID string, amount int, opKey string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("invalid amount")
	}
	return s.runLedgerScript(ctx, "deduct", userID, amount, opKey)
}

func (s *Store) runLedgerScript(ctx context.Context, name, userID string, amount int, opKey string) (int, error) {
	res, err := s.scripts[name].Run(ctx, s.client,
		[]string{s.balanceKey(userID), s.opKey(opKey)},
		amount, int(s.config.OpKeyTTL.Seconds())).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to run %s script: %w", name, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("unexpected %s script result: %v", name, res)
	}
	code, _ := vals[0].(int64)
	balance := int(vals[1].(int64))

	if code == 0 {
		return balance, &entitlement.InsufficientCreditsError{Needed: amount, Balance: balance}
	}
	return balance, nil
}

// GetTransactionByProviderID implements entitlement.Store.
func (s *Store) GetTransactionByProviderID(ctx context.Context, providerTxID string) (*entitlement.Transaction, error) {
	data, err := s.client.Get(ctx, s.txKey(providerTxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	var tx entitlement.Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &tx, nil
}

// CreateTransaction implements entitlement.Store. SET NX on the provider
// transaction id enforces global uniqueness.
func (s *Store) CreateTransaction(ctx context.Context, tx *entitlement.Transaction) error {
	if tx == nil || tx.ProviderTransactionID == "" {
		return fmt.Errorf("invalid transaction")
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.txKey(tx.ProviderTransactionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	if !ok {
		return entitlement.ErrDuplicateTransaction
	}
	return nil
}

// GetSubscription implements entitlement.Store.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*entitlement.SubscriptionState, error) {
	fields, err := s.client.HGetAll(ctx, s.subKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return subscriptionFromFields(userID, fields)
}

// ExtendSubscription implements entitlement.Store.
func (s *Store) ExtendSubscription(ctx context.Context, userID, tier string, expiresAt time.Time) (*entitlement.SubscriptionState, error) {
	now := time.Now().UTC()
	res, err := s.scripts["extend"].Run(ctx, s.client,
		[]string{s.subKey(userID)},
		expiresAt.UnixMilli(), tier, strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run extend script: %w", err)
	}

	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected extend script result: %v", res)
	}
	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		k, _ := raw[i].(string)
		v, _ := raw[i+1].(string)
		fields[k] = v
	}
	return subscriptionFromFields(userID, fields)
}

// SetSubscription implements entitlement.Store.
func (s *Store) SetSubscription(ctx context.Context, sub *entitlement.SubscriptionState) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription state")
	}

	cancel := "0"
	if sub.CancelAtPeriodEnd {
		cancel = "1"
	}
	err := s.client.HSet(ctx, s.subKey(sub.UserID),
		"tier", sub.Tier,
		"expires_at", sub.ExpiresAt.UnixMilli(),
		"cancel_at_period_end", cancel,
		"updated_at", time.Now().UTC().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	return nil
}

func subscriptionFromFields(userID string, fields map[string]string) (*entitlement.SubscriptionState, error) {
	sub := &entitlement.SubscriptionState{UserID: userID, Tier: fields["tier"]}
	if v := fields["expires_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad expires_at %q: %w", v, err)
		}
		sub.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	if v := fields["updated_at"]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad updated_at %q: %w", v, err)
		}
		sub.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	sub.CancelAtPeriodEnd = fields["cancel_at_period_end"] == "1"
	return sub, nil
}
