package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/soltixdb/searchcoord/internal/errs"
	"github.com/soltixdb/searchcoord/internal/models"
)

const projectColumns = `id, namespace_id, root_namespace_id, traversal_ids, archived, size_bytes`

func scanProject(row scanner) (models.Project, error) {
	var p models.Project
	if err := row.Scan(&p.ID, &p.NamespaceID, &p.RootNamespaceID, &p.TraversalIDs, &p.Archived, &p.SizeBytes); err != nil {
		return models.Project{}, err
	}
	return p, nil
}

func (s *DB) queryProjects(ctx context.Context, query string, args ...interface{}) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertProject writes the catalog entry for a project
func (s *DB) UpsertProject(ctx context.Context, p models.Project) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			namespace_id = excluded.namespace_id,
			root_namespace_id = excluded.root_namespace_id,
			traversal_ids = excluded.traversal_ids,
			archived = excluded.archived,
			size_bytes = excluded.size_bytes
	`, p.ID, p.NamespaceID, p.RootNamespaceID, p.TraversalIDs, p.Archived, p.SizeBytes); err != nil {
		return fmt.Errorf("store: upsert project %d: %w", p.ID, err)
	}
	return nil
}

// GetProject returns the catalog entry or errs.ErrNotFound
func (s *DB) GetProject(ctx context.Context, id int64) (models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %d: %w", id, errs.ErrNotFound)
	}
	return p, err
}

// DeleteProject removes the catalog entry
func (s *DB) DeleteProject(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: delete project %d: %w", id, err)
	}
	return nil
}

// MarkProjectArchived flags a project as archived
func (s *DB) MarkProjectArchived(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE projects SET archived = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: archive project %d: %w", id, err)
	}
	return nil
}

// DescendantProjects pages through projects whose namespace is namespaceID or lies beneath it.
// Pass the last id of the previous page as afterID.
func (s *DB) DescendantProjects(ctx context.Context, namespaceID, afterID int64, limit int) ([]models.Project, error) {
	return s.queryProjects(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE id > ? AND (namespace_id = ? OR ('/' || traversal_ids) LIKE ?)
		ORDER BY id
		LIMIT ?
	`, afterID, namespaceID, fmt.Sprintf("%%/%d/%%", namespaceID), limit)
}

// ProjectsInRootNamespace pages through every project of a root namespace
func (s *DB) ProjectsInRootNamespace(ctx context.Context, rootNamespaceID, afterID int64, limit int) ([]models.Project, error) {
	return s.queryProjects(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE root_namespace_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, rootNamespaceID, afterID, limit)
}

// ArchiveProjects flags the given projects as archived
func (s *DB) ArchiveProjects(ctx context.Context, ids []int64) error {
	for _, part := range chunk(ids, maxInClause) {
		in, args := inClause(part)
		if _, err := s.db.ExecContext(ctx, "UPDATE projects SET archived = 1 WHERE id IN "+in, args...); err != nil {
			return fmt.Errorf("store: archive projects: %w", err)
		}
	}
	return nil
}

// NamespaceProjectSize sums the catalog size of a root namespace's projects
func (s *DB) NamespaceProjectSize(ctx context.Context, rootNamespaceID int64) (int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM projects WHERE root_namespace_id = ?`,
		rootNamespaceID).Scan(&total); err != nil {
		return 0, fmt.Errorf("store: namespace size: %w", err)
	}
	return total, nil
}
