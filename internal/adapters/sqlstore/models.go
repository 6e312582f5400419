package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/manthysbr/clinisandbox/internal/core/domain"
)

// UpsertModel registers or replaces one model version.
func (s *Store) UpsertModel(ctx context.Context, model domain.DiagnosticModel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	manifest, err := json.Marshal(model.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO diagnostic_models (model_key, version, name, accuracy, manifest, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (model_key, version) DO UPDATE SET
            name = excluded.name,
            accuracy = excluded.accuracy,
            manifest = excluded.manifest,
            updated_at = excluded.updated_at`),
		model.Key,
		model.Version,
		model.Name,
		model.Accuracy,
		string(manifest),
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert model %s@%s: %w", model.Key, model.Version, err)
	}
	return nil
}

// ListModels returns registered models, optionally restricted to one key.
func (s *Store) ListModels(ctx context.Context, key string) ([]domain.DiagnosticModel, error) {
	query := `SELECT model_key, version, name, accuracy, manifest FROM diagnostic_models`
	var args []any
	if key != "" {
		query += ` WHERE model_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY model_key, version`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []domain.DiagnosticModel
	for rows.Next() {
		var (
			m        domain.DiagnosticModel
			manifest string
		)
		if err := rows.Scan(&m.Key, &m.Version, &m.Name, &m.Accuracy, &manifest); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(manifest), &m.Manifest); err != nil {
			return nil, fmt.Errorf("%w: %s@%s: %v", domain.ErrCorruptManifest, m.Key, m.Version, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ResolveModel picks the most accurate registered version for target.
func (s *Store) ResolveModel(ctx context.Context, target string) (domain.DiagnosticModel, error) {
	if target == "" {
		return domain.DiagnosticModel{}, &domain.UnknownTargetError{Target: target}
	}
	candidates, err := s.ListModels(ctx, target)
	if err != nil {
		return domain.DiagnosticModel{}, err
	}
	model, ok := domain.SelectModel(candidates)
	if !ok {
		return domain.DiagnosticModel{}, &domain.UnknownTargetError{Target: target}
	}
	return model, nil
}
