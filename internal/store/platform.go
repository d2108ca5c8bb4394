package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
	"github.com/stagecraft/stagecraft/internal/db/dialect"
)

// isUniqueViolation matches the two drivers' unique-constraint errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}

// --- Platforms ---

// CreatePlatform registers a platform. Names are unique.
func (s *Store) CreatePlatform(ctx context.Context, p *Platform) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Layer == "" {
		p.Layer = LayerApplication
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO platforms (id, name, layer, enabled, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.ID, p.Name, p.Layer, dialect.BoolToInt(p.Enabled), rawOrEmptyObject(p.Config), p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindBusiness, apperr.CodeDuplicate, "platform name already exists: "+p.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert platform: %w", err)
	}
	return nil
}

// GetPlatform loads one platform by id.
func (s *Store) GetPlatform(ctx context.Context, id string) (*Platform, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, name, layer, enabled, config, created_at, updated_at FROM platforms WHERE id = ?
	`), id)
	p, err := scanPlatform(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodePlatformNotFound, "platform not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPlatforms returns all platforms ordered by name.
func (s *Store) ListPlatforms(ctx context.Context) ([]*Platform, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, name, layer, enabled, config, created_at, updated_at FROM platforms ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms: %w", err)
	}
	defer rows.Close()

	var platforms []*Platform
	for rows.Next() {
		p, err := scanPlatform(rows.Scan)
		if err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}

// UpdatePlatform overwrites the mutable platform fields.
func (s *Store) UpdatePlatform(ctx context.Context, p *Platform) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE platforms SET name = ?, layer = ?, enabled = ?, config = ?, updated_at = ? WHERE id = ?
	`), p.Name, p.Layer, dialect.BoolToInt(p.Enabled), rawOrEmptyObject(p.Config), now, p.ID)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindBusiness, apperr.CodeDuplicate, "platform name already exists: "+p.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to update platform: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound(apperr.CodePlatformNotFound, "platform not found: "+p.ID)
	}
	p.UpdatedAt = now
	return nil
}

// DeletePlatform removes a platform and its definitions and surfaces.
func (s *Store) DeletePlatform(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM platforms WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete platform: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound(apperr.CodePlatformNotFound, "platform not found: "+id)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workflow_definitions WHERE platform_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete platform definitions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM platform_surfaces WHERE platform_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete platform surfaces: %w", err)
	}
	return tx.Commit()
}

func scanPlatform(scan func(dest ...any) error) (*Platform, error) {
	p := &Platform{}
	var enabled int
	var config string
	err := scan(&p.ID, &p.Name, &p.Layer, &enabled, &config, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	if config != "" && config != "{}" {
		p.Config = json.RawMessage(config)
	}
	return p, nil
}

// --- Workflow definitions ---

// CreateDefinition persists a definition. (platform_id, name) is unique;
// platform_id "" means global.
func (s *Store) CreateDefinition(ctx context.Context, d *WorkflowDefinition) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Version == "" {
		d.Version = "1.0.0"
	}

	stages, metadata := marshalDefinitionBlobs(d)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workflow_definitions (id, platform_id, name, version, stages, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), d.ID, d.PlatformID, d.Name, d.Version, stages, metadata, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindBusiness, apperr.CodeDuplicate,
			fmt.Sprintf("definition already exists: %s/%s", d.PlatformID, d.Name))
	}
	if err != nil {
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

// UpsertDefinition inserts or refreshes a definition by id. Used for the
// built-in legacy definitions at boot.
func (s *Store) UpsertDefinition(ctx context.Context, d *WorkflowDefinition) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Version == "" {
		d.Version = "1.0.0"
	}

	stages, metadata := marshalDefinitionBlobs(d)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workflow_definitions (id, platform_id, name, version, stages, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			platform_id = excluded.platform_id,
			name = excluded.name,
			version = excluded.version,
			stages = excluded.stages,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`), d.ID, d.PlatformID, d.Name, d.Version, stages, metadata, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert definition: %w", err)
	}
	return nil
}

// GetDefinition loads one definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, platform_id, name, version, stages, metadata, created_at, updated_at
		FROM workflow_definitions WHERE id = ?
	`), id)
	d, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodeDefinitionNotFound, "definition not found: "+id)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetDefinitionByName resolves (platform_id, name). platformID "" resolves
// the global (legacy) definitions.
func (s *Store) GetDefinitionByName(ctx context.Context, platformID, name string) (*WorkflowDefinition, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, platform_id, name, version, stages, metadata, created_at, updated_at
		FROM workflow_definitions WHERE platform_id = ? AND name = ?
	`), platformID, name)
	d, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodeDefinitionNotFound,
			fmt.Sprintf("definition not found: %s/%s", platformID, name))
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDefinitions returns definitions, optionally scoped to one platform.
func (s *Store) ListDefinitions(ctx context.Context, platformID string) ([]*WorkflowDefinition, error) {
	query := `SELECT id, platform_id, name, version, stages, metadata, created_at, updated_at FROM workflow_definitions`
	var args []any
	if platformID != "" {
		query += ` WHERE platform_id = ?`
		args = append(args, platformID)
	}
	query += ` ORDER BY platform_id ASC, name ASC`

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// UpdateDefinition overwrites the mutable definition fields by id.
func (s *Store) UpdateDefinition(ctx context.Context, d *WorkflowDefinition) error {
	now := time.Now().UTC()
	stages, metadata := marshalDefinitionBlobs(d)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workflow_definitions SET name = ?, version = ?, stages = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`), d.Name, d.Version, stages, metadata, now, d.ID)
	if isUniqueViolation(err) {
		return apperr.New(apperr.KindBusiness, apperr.CodeDuplicate,
			fmt.Sprintf("definition already exists: %s/%s", d.PlatformID, d.Name))
	}
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound(apperr.CodeDefinitionNotFound, "definition not found: "+d.ID)
	}
	d.UpdatedAt = now
	return nil
}

// DeleteDefinition removes a definition by id.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workflow_definitions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound(apperr.CodeDefinitionNotFound, "definition not found: "+id)
	}
	return nil
}

func marshalDefinitionBlobs(d *WorkflowDefinition) (stages, metadata string) {
	if b, err := json.Marshal(d.Stages); err == nil && d.Stages != nil {
		stages = string(b)
	} else {
		stages = "[]"
	}
	if b, err := json.Marshal(d.Metadata); err == nil && d.Metadata != nil {
		metadata = string(b)
	} else {
		metadata = "{}"
	}
	return stages, metadata
}

func scanDefinition(scan func(dest ...any) error) (*WorkflowDefinition, error) {
	d := &WorkflowDefinition{}
	var stages, metadata string
	err := scan(&d.ID, &d.PlatformID, &d.Name, &d.Version, &stages, &metadata, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(stages), &d.Stages)
	_ = json.Unmarshal([]byte(metadata), &d.Metadata)
	return d, nil
}

// --- Platform surfaces ---

// UpsertSurface binds (or re-binds) a surface type to a platform.
func (s *Store) UpsertSurface(ctx context.Context, ps *PlatformSurface) error {
	if ps.ID == "" {
		ps.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = now
	}
	ps.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO platform_surfaces (id, platform_id, surface_type, config, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform_id, surface_type) DO UPDATE SET
			config = excluded.config,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`), ps.ID, ps.PlatformID, ps.SurfaceType, rawOrEmptyObject(ps.Config),
		dialect.BoolToInt(ps.Enabled), ps.CreatedAt, ps.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert surface: %w", err)
	}
	return nil
}

// GetSurface resolves the binding for (platform_id, surface_type).
func (s *Store) GetSurface(ctx context.Context, platformID string, surfaceType SurfaceType) (*PlatformSurface, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, platform_id, surface_type, config, enabled, created_at, updated_at
		FROM platform_surfaces WHERE platform_id = ? AND surface_type = ?
	`), platformID, surfaceType)
	ps, err := scanSurface(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(apperr.CodePlatformNotFound,
			fmt.Sprintf("surface not bound: %s/%s", platformID, surfaceType))
	}
	if err != nil {
		return nil, err
	}
	return ps, nil
}

// ListSurfaces returns a platform's surface bindings.
func (s *Store) ListSurfaces(ctx context.Context, platformID string) ([]*PlatformSurface, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, platform_id, surface_type, config, enabled, created_at, updated_at
		FROM platform_surfaces WHERE platform_id = ? ORDER BY surface_type ASC
	`), platformID)
	if err != nil {
		return nil, fmt.Errorf("failed to list surfaces: %w", err)
	}
	defer rows.Close()

	var surfaces []*PlatformSurface
	for rows.Next() {
		ps, err := scanSurface(rows.Scan)
		if err != nil {
			return nil, err
		}
		surfaces = append(surfaces, ps)
	}
	return surfaces, rows.Err()
}

// DeleteSurface unbinds a surface type from a platform.
func (s *Store) DeleteSurface(ctx context.Context, platformID string, surfaceType SurfaceType) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM platform_surfaces WHERE platform_id = ? AND surface_type = ?
	`), platformID, surfaceType)
	if err != nil {
		return fmt.Errorf("failed to delete surface: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return apperr.NotFound(apperr.CodePlatformNotFound,
			fmt.Sprintf("surface not bound: %s/%s", platformID, surfaceType))
	}
	return nil
}

func scanSurface(scan func(dest ...any) error) (*PlatformSurface, error) {
	ps := &PlatformSurface{}
	var enabled int
	var config string
	err := scan(&ps.ID, &ps.PlatformID, &ps.SurfaceType, &config, &enabled, &ps.CreatedAt, &ps.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ps.Enabled = enabled != 0
	if config != "" && config != "{}" {
		ps.Config = json.RawMessage(config)
	}
	return ps, nil
}
