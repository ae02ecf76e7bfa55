package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/database"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

var tracer = otel.Tracer("testgen.repository")

// SQLRepository implements Repository and Documents on a relational database.
type SQLRepository struct {
	db     *database.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSQL returns a repository over a migrated database.
func NewSQL(db *database.DB, logger *zap.Logger) *SQLRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLRepository{db: db, logger: logger, now: time.Now}
}

// Save implements Repository.
func (r *SQLRepository) Save(ctx context.Context, kind ArtifactKind, runID, projectID string, records []any) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Repository.Save")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.kind", string(kind)), attribute.Int("records", len(records)))

	rows, ids, err := prepare(kind, runID, projectID, records, r.now())
	if err != nil {
		return nil, fmt.Errorf("encoding %s records: %w", kind, err)
	}
	if len(rows) == 0 {
		return []string{}, nil
	}

	stmt := r.db.Rebind(`INSERT INTO artifacts (id, kind, run_id, project_id, document_id, parent_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			kind = excluded.kind,
			run_id = excluded.run_id,
			project_id = excluded.project_id,
			document_id = excluded.document_id,
			parent_id = excluded.parent_id,
			payload = excluded.payload,
			created_at = excluded.created_at`)

	err = r.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, a := range rows {
			if _, err := tx.ExecContext(ctx, stmt,
				a.ID, string(a.Kind), a.RunID, a.ProjectID, a.DocumentID, a.ParentID,
				string(a.Payload), database.FormatTime(a.CreatedAt),
			); err != nil {
				return fmt.Errorf("insert %s %s: %w", kind, a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return ids, nil
}

// DeleteBy implements Repository.
func (r *SQLRepository) DeleteBy(ctx context.Context, documentID string) error {
	ctx, span := tracer.Start(ctx, "Repository.DeleteBy")
	defer span.End()

	var removed int
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		frontier, err := r.ids(ctx, tx, `SELECT id FROM artifacts WHERE document_id = ?`, documentID)
		if err != nil {
			return err
		}
		for len(frontier) > 0 {
			args := toArgs(frontier)
			children, err := r.ids(ctx, tx,
				`SELECT id FROM artifacts WHERE parent_id IN (`+database.Placeholders(len(frontier))+`)`, args...)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				r.db.Rebind(`DELETE FROM artifacts WHERE id IN (`+database.Placeholders(len(frontier))+`)`), args...); err != nil {
				return err
			}
			removed += len(frontier)
			frontier = children
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting artifacts of %s: %w", documentID, err)
	}
	r.logger.Debug("artifacts deleted", zap.String("document_id", documentID), zap.Int("count", removed))
	return nil
}

func (r *SQLRepository) ids(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// List implements Repository.
func (r *SQLRepository) List(ctx context.Context, projectID string, kind ArtifactKind) ([]Artifact, error) {
	query := `SELECT id, kind, run_id, project_id, document_id, parent_id, payload, created_at
		FROM artifacts WHERE project_id = ?`
	args := []any{projectID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	defer rows.Close()

	out := []Artifact{}
	for rows.Next() {
		var (
			a         Artifact
			k         string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &k, &a.RunID, &a.ProjectID, &a.DocumentID, &a.ParentID, &payload, &createdAt); err != nil {
			return nil, err
		}
		a.Kind = ArtifactKind(k)
		a.Payload = []byte(payload)
		if a.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, fmt.Errorf("artifact %s created_at: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutDocument implements Documents.
func (r *SQLRepository) PutDocument(ctx context.Context, projectID string, ref pipeline.DocumentRef) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO documents (id, project_id, name, doc_type, bucket, object_key, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			doc_type = excluded.doc_type,
			bucket = excluded.bucket,
			object_key = excluded.object_key,
			size = excluded.size`),
		ref.ID, projectID, ref.Name, ref.Type, ref.Bucket, ref.Key, ref.Size, database.FormatTime(r.now()))
	if err != nil {
		return fmt.Errorf("registering document %s: %w", ref.ID, err)
	}
	return nil
}

// GetDocument implements Documents.
func (r *SQLRepository) GetDocument(ctx context.Context, projectID, documentID string) (pipeline.DocumentRef, error) {
	var ref pipeline.DocumentRef
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT id, name, doc_type, bucket, object_key, size
		FROM documents WHERE project_id = ? AND id = ?`), projectID, documentID).
		Scan(&ref.ID, &ref.Name, &ref.Type, &ref.Bucket, &ref.Key, &ref.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return ref, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return ref, err
}

// ListDocuments implements Documents.
func (r *SQLRepository) ListDocuments(ctx context.Context, projectID string) ([]pipeline.DocumentRef, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`SELECT id, name, doc_type, bucket, object_key, size
		FROM documents WHERE project_id = ? ORDER BY created_at, id`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []pipeline.DocumentRef{}
	for rows.Next() {
		var ref pipeline.DocumentRef
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.Type, &ref.Bucket, &ref.Key, &ref.Size); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// DeleteDocument implements Documents.
func (r *SQLRepository) DeleteDocument(ctx context.Context, projectID, documentID string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM documents WHERE project_id = ? AND id = ?`), projectID, documentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}
