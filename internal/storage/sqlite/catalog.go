package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

// --- Providers ---

func (s *Store) CreateProvider(ctx context.Context, p *gateway.Provider) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO providers (id, name, kind, base_url, api_key, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(p.Kind), p.BaseURL, p.APIKey, boolToInt(p.IsActive),
		timeToStr(p.CreatedAt), timeToStr(p.UpdatedAt),
	)
	return err
}

func (s *Store) GetProvider(ctx context.Context, id string) (*gateway.Provider, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, kind, base_url, api_key, is_active, created_at, updated_at
		 FROM providers WHERE id = ?`, id,
	)
	return scanProvider(row)
}

func (s *Store) ListProviders(ctx context.Context) ([]*gateway.Provider, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, name, kind, base_url, api_key, is_active, created_at, updated_at
		 FROM providers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []*gateway.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (s *Store) UpdateProvider(ctx context.Context, p *gateway.Provider) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE providers SET name = ?, kind = ?, base_url = ?, api_key = ?,
		 is_active = ?, updated_at = ? WHERE id = ?`,
		p.Name, string(p.Kind), p.BaseURL, p.APIKey, boolToInt(p.IsActive),
		timeToStr(time.Now()), p.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

// DeleteProvider hard-deletes a provider. Models referencing it block the
// delete with ErrConflict rather than cascading.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM models WHERE provider_id = ?`, id).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return gateway.ErrConflict
	}
	result, err := s.write.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "provider")
}

func scanProvider(sc scanner) (*gateway.Provider, error) {
	var p gateway.Provider
	var kind string
	var active int
	var createdAt, updatedAt string

	err := sc.Scan(&p.ID, &p.Name, &kind, &p.BaseURL, &p.APIKey, &active,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Kind = gateway.ProviderKind(kind)
	p.IsActive = active != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// --- Models ---

func (s *Store) CreateModel(ctx context.Context, m *gateway.Model) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO models (id, name, provider_id, provider_model_name, is_active,
		 input_token_coefficient, output_token_coefficient, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.ProviderID, nullStr(m.ProviderModelName), boolToInt(m.IsActive),
		m.InputTokenCoefficient, m.OutputTokenCoefficient,
		timeToStr(m.CreatedAt), timeToStr(m.UpdatedAt),
	)
	return err
}

func (s *Store) GetModel(ctx context.Context, id string) (*gateway.Model, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, provider_id, provider_model_name, is_active,
		 input_token_coefficient, output_token_coefficient, created_at, updated_at
		 FROM models WHERE id = ?`, id,
	)
	return scanModel(row)
}

const modelInfoQuery = `
	SELECT m.id, m.name, m.provider_id, p.name, m.provider_model_name, m.is_active,
	       m.input_token_coefficient, m.output_token_coefficient, m.created_at, m.updated_at
	FROM models m
	JOIN providers p ON p.id = m.provider_id`

func (s *Store) ListModels(ctx context.Context) ([]*gateway.ModelInfo, error) {
	rows, err := s.read.QueryContext(ctx, modelInfoQuery+` ORDER BY m.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*gateway.ModelInfo
	for rows.Next() {
		m, err := scanModelInfo(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *Store) GetModelInfo(ctx context.Context, id string) (*gateway.ModelInfo, error) {
	row := s.read.QueryRowContext(ctx, modelInfoQuery+` WHERE m.id = ?`, id)
	m, err := scanModelInfo(row)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return m, nil
}

func (s *Store) UpdateModel(ctx context.Context, m *gateway.Model) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE models SET name = ?, provider_id = ?, provider_model_name = ?,
		 is_active = ?, input_token_coefficient = ?, output_token_coefficient = ?,
		 updated_at = ? WHERE id = ?`,
		m.Name, m.ProviderID, nullStr(m.ProviderModelName), boolToInt(m.IsActive),
		m.InputTokenCoefficient, m.OutputTokenCoefficient, timeToStr(time.Now()), m.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

func (s *Store) DeleteModel(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "model")
}

// routeQuery joins an active model with its active provider. The effective
// upstream model name falls back to the user-facing name when no override is set.
const routeQuery = `
	SELECT p.id, COALESCE(m.provider_model_name, m.name), p.base_url, p.api_key, p.kind,
	       m.input_token_coefficient, m.output_token_coefficient
	FROM models m
	JOIN providers p ON p.id = m.provider_id
	WHERE m.is_active = 1 AND p.is_active = 1`

func (s *Store) ResolveRoute(ctx context.Context, name string) (*gateway.ModelRoute, error) {
	row := s.read.QueryRowContext(ctx, routeQuery+` AND m.name = ?`, name)
	var r gateway.ModelRoute
	err := row.Scan(&r.ProviderID, &r.ProviderModelName, &r.BaseURL, &r.APIKey,
		&r.ProviderKind, &r.InputTokenCoefficient, &r.OutputTokenCoefficient)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &r, nil
}

func (s *Store) ListRoutes(ctx context.Context) (map[string]*gateway.ModelRoute, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT m.name, p.id, COALESCE(m.provider_model_name, m.name), p.base_url,
		 p.api_key, p.kind, m.input_token_coefficient, m.output_token_coefficient
		 FROM models m
		 JOIN providers p ON p.id = m.provider_id
		 WHERE m.is_active = 1 AND p.is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	routes := make(map[string]*gateway.ModelRoute)
	for rows.Next() {
		var name string
		var r gateway.ModelRoute
		err := rows.Scan(&name, &r.ProviderID, &r.ProviderModelName, &r.BaseURL,
			&r.APIKey, &r.ProviderKind, &r.InputTokenCoefficient, &r.OutputTokenCoefficient)
		if err != nil {
			return nil, err
		}
		routes[name] = &r
	}
	return routes, rows.Err()
}

func scanModel(sc scanner) (*gateway.Model, error) {
	var m gateway.Model
	var providerModelName sql.NullString
	var active int
	var createdAt, updatedAt string

	err := sc.Scan(&m.ID, &m.Name, &m.ProviderID, &providerModelName, &active,
		&m.InputTokenCoefficient, &m.OutputTokenCoefficient, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	m.ProviderModelName = strPtr(providerModelName)
	m.IsActive = active != 0
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func scanModelInfo(sc scanner) (*gateway.ModelInfo, error) {
	var m gateway.ModelInfo
	var providerModelName sql.NullString
	var active int
	var createdAt, updatedAt string

	err := sc.Scan(&m.ID, &m.Name, &m.ProviderID, &m.ProviderName, &providerModelName,
		&active, &m.InputTokenCoefficient, &m.OutputTokenCoefficient, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.ProviderModelName = strPtr(providerModelName)
	m.IsActive = active != 0
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}
