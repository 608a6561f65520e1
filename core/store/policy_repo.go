package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	schemapolicy "github.com/nebula-ide/warden/core/schema/v1/policy"
)

// PolicyRepo persists one policy document per project. It satisfies the
// policy store's Persister interface.
type PolicyRepo struct {
	db *sql.DB
}

// NewPolicyRepo wraps an open database.
func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// LoadPolicy returns the stored document for a project. The second return
// is false when the project has no stored policy.
func (r *PolicyRepo) LoadPolicy(ctx context.Context, projectID string) (schemapolicy.Document, bool, error) {
	var payload string
	err := r.db.QueryRowContext(ctx,
		`SELECT document_json FROM policies WHERE project_id = ?`, projectID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return schemapolicy.Document{}, false, nil
	}
	if err != nil {
		return schemapolicy.Document{}, false, fmt.Errorf("load policy: %w", err)
	}

	var document schemapolicy.Document
	if err := json.Unmarshal([]byte(payload), &document); err != nil {
		return schemapolicy.Document{}, false, fmt.Errorf("decode policy: %w", err)
	}
	return document, true, nil
}

// SavePolicy upserts a project's document wholesale.
func (r *PolicyRepo) SavePolicy(ctx context.Context, document schemapolicy.Document) error {
	payload, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	updatedAt := document.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policies(project_id, document_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET document_json = excluded.document_json, updated_at = excluded.updated_at`,
		document.ProjectID, string(payload), updatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}
	return nil
}

// Projects lists every project with a stored policy.
func (r *PolicyRepo) Projects(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT project_id FROM policies ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var projects []string
	for rows.Next() {
		var projectID string
		if err := rows.Scan(&projectID); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		projects = append(projects, projectID)
	}
	return projects, rows.Err()
}
