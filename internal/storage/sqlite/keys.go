package sqlite

import (
	"context"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

// CreateKey inserts a new user key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.UserKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO user_keys (id, name, key_hash, key_prefix, is_active,
		 token_budget, tokens_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, boolToInt(key.IsActive),
		nullInt(key.TokenBudget), key.TokensUsed,
		timeToStr(key.CreatedAt), timeToStr(key.UpdatedAt),
	)
	return err
}

// GetActiveKey returns the key with the given ID iff it is active.
func (s *Store) GetActiveKey(ctx context.Context, id string) (*gateway.UserKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, key_hash, key_prefix, is_active, token_budget,
		 tokens_used, created_at, updated_at
		 FROM user_keys WHERE id = ? AND is_active = 1`, id,
	)
	return scanUserKey(row)
}

// GetIdentityByHash resolves an active key hash to the data-plane snapshot.
func (s *Store) GetIdentityByHash(ctx context.Context, hash string) (*gateway.KeyIdentity, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, token_budget, tokens_used
		 FROM user_keys WHERE key_hash = ? AND is_active = 1`, hash,
	)
	id := gateway.KeyIdentity{KeyHash: hash}
	var budget nullableInt64
	if err := row.Scan(&id.KeyID, &budget, &id.TokensUsed); err != nil {
		return nil, notFoundErr(err)
	}
	id.TokenBudget = budget.ptr()
	return &id, nil
}

// ListActiveKeyHashes returns the hashes of all active keys.
func (s *Store) ListActiveKeyHashes(ctx context.Context) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT key_hash FROM user_keys WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// keyInfoQuery projects keys with their coefficient-weighted usage. Logs are
// joined to models by the requested name; coefficients default to 1.0 when
// the model row has since been deleted. Keys with no logs fall back to the
// stored tokens_used counter.
const keyInfoQuery = `
	SELECT k.id, k.name, k.key_prefix, k.is_active, k.token_budget, k.tokens_used,
	       COALESCE(w.weighted, k.tokens_used) AS weighted_tokens_used,
	       k.created_at, k.updated_at
	FROM user_keys k
	LEFT JOIN (
		SELECT l.user_key_id,
		       CAST(ROUND(SUM(
		           COALESCE(l.prompt_tokens, 0) * COALESCE(m.input_token_coefficient, 1.0) +
		           COALESCE(l.completion_tokens, 0) * COALESCE(m.output_token_coefficient, 1.0)
		       )) AS INTEGER) AS weighted
		FROM request_logs l
		LEFT JOIN models m ON l.model_requested = m.name
		GROUP BY l.user_key_id
	) w ON w.user_key_id = k.id`

// ListKeys returns all keys with weighted usage, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.UserKeyInfo, error) {
	rows, err := s.read.QueryContext(ctx, keyInfoQuery+` ORDER BY k.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.UserKeyInfo
	for rows.Next() {
		k, err := scanKeyInfo(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetKeyInfo returns the admin projection of one key.
func (s *Store) GetKeyInfo(ctx context.Context, id string) (*gateway.UserKeyInfo, error) {
	row := s.read.QueryRowContext(ctx, keyInfoQuery+` WHERE k.id = ?`, id)
	k, err := scanKeyInfo(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return k, nil
}

// UpdateKeyCredentials atomically replaces hash and prefix (rotation).
func (s *Store) UpdateKeyCredentials(ctx context.Context, id, hash, prefix string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE user_keys SET key_hash = ?, key_prefix = ?, updated_at = ?
		 WHERE id = ? AND is_active = 1`,
		hash, prefix, timeToStr(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user key")
}

// UpdateKeyBudget sets the budget and optionally zeroes tokens_used.
func (s *Store) UpdateKeyBudget(ctx context.Context, id string, budget *int64, resetUsage bool) error {
	query := `UPDATE user_keys SET token_budget = ?, updated_at = ? WHERE id = ?`
	if resetUsage {
		query = `UPDATE user_keys SET token_budget = ?, tokens_used = 0, updated_at = ? WHERE id = ?`
	}
	result, err := s.write.ExecContext(ctx, query, nullInt(budget), timeToStr(time.Now()), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user key")
}

// DeactivateKey soft-deletes a key. Inactive keys are never revived.
func (s *Store) DeactivateKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE user_keys SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		timeToStr(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "user key")
}

// IncrementTokensUsed applies a single additive UPDATE; there is no
// read-modify-write in application code.
func (s *Store) IncrementTokensUsed(ctx context.Context, id string, delta int64) error {
	if delta < 0 {
		return gateway.ErrBadRequest
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE user_keys SET tokens_used = tokens_used + ?, updated_at = ? WHERE id = ?`,
		delta, timeToStr(time.Now()), id,
	)
	return err
}

// nullableInt64 scans an INTEGER column that may be NULL.
type nullableInt64 struct {
	Value int64
	Valid bool
}

func (n *nullableInt64) Scan(src any) error {
	if src == nil {
		n.Valid = false
		return nil
	}
	switch v := src.(type) {
	case int64:
		n.Value, n.Valid = v, true
	case float64:
		n.Value, n.Valid = int64(v), true
	}
	return nil
}

func (n *nullableInt64) ptr() *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

func scanUserKey(sc scanner) (*gateway.UserKey, error) {
	var k gateway.UserKey
	var active int
	var budget nullableInt64
	var createdAt, updatedAt string

	err := sc.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &active,
		&budget, &k.TokensUsed, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.IsActive = active != 0
	k.TokenBudget = budget.ptr()
	k.CreatedAt = parseTime(createdAt)
	k.UpdatedAt = parseTime(updatedAt)
	return &k, nil
}

func scanKeyInfo(sc scanner) (*gateway.UserKeyInfo, error) {
	var k gateway.UserKeyInfo
	var active int
	var budget nullableInt64
	var createdAt, updatedAt string

	err := sc.Scan(&k.ID, &k.Name, &k.KeyPrefix, &active, &budget,
		&k.TokensUsed, &k.WeightedTokensUsed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	k.IsActive = active != 0
	k.TokenBudget = budget.ptr()
	k.CreatedAt = parseTime(createdAt)
	k.UpdatedAt = parseTime(updatedAt)
	return &k, nil
}
