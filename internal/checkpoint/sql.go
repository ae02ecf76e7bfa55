package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/database"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// DefaultCacheSize is the number of checkpoints SQLStore keeps decoded.
const DefaultCacheSize = 256

// SQLStore keeps checkpoints in the checkpoints table with an LRU read
// cache in front.
type SQLStore struct {
	db     *database.DB
	cache  *lru.Cache[string, *Checkpoint]
	logger *zap.Logger
	tel    *instruments

	mu     sync.RWMutex
	closed bool
}

// NewSQLStore wraps a migrated database. cacheSize <= 0 uses
// DefaultCacheSize.
func NewSQLStore(db *database.DB, cacheSize int, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *Checkpoint](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating checkpoint cache: %w", err)
	}
	return &SQLStore{db: db, cache: cache, logger: logger, tel: newInstruments(db.Driver(), logger)}, nil
}

func (s *SQLStore) open() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, span := s.tel.tracer.Start(ctx, "checkpoint.save")
	defer span.End()
	if err := validate(cp); err != nil {
		return err
	}
	if err := s.open(); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("run.id", cp.RunID), attribute.String("pending_node", string(cp.PendingNode)))

	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO checkpoints (run_id, project_id, pending_node, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			project_id = excluded.project_id,
			pending_node = excluded.pending_node,
			state = excluded.state,
			created_at = excluded.created_at`),
		cp.RunID, cp.ProjectID, string(cp.PendingNode), string(state), database.FormatTime(cp.CreatedAt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return fmt.Errorf("saving checkpoint of %s: %w", cp.RunID, err)
	}

	c := *cp
	c.State = cp.State.Clone()
	s.cache.Add(cp.RunID, &c)
	s.tel.saved(ctx)
	s.logger.Debug("checkpoint saved", zap.String("run_id", cp.RunID), zap.Int("bytes", len(state)))
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	ctx, span := s.tel.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	if err := s.open(); err != nil {
		return nil, err
	}

	if cp, ok := s.cache.Get(runID); ok {
		s.tel.cache(ctx, true)
		s.tel.loaded(ctx, "ok")
		return copyOf(cp), nil
	}
	s.tel.cache(ctx, false)

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT run_id, project_id, pending_node, state, created_at
		FROM checkpoints WHERE run_id = ?`), runID))
	if errors.Is(err, sql.ErrNoRows) {
		s.tel.loaded(ctx, "not_found")
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		span.RecordError(err)
		s.tel.loaded(ctx, "error")
		return nil, fmt.Errorf("loading checkpoint of %s: %w", runID, err)
	}
	s.cache.Add(runID, cp)
	s.tel.loaded(ctx, "ok")
	return copyOf(cp), nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	if err := s.open(); err != nil {
		return err
	}
	s.cache.Remove(runID)
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM checkpoints WHERE run_id = ?`), runID); err != nil {
		return fmt.Errorf("deleting checkpoint of %s: %w", runID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, projectID string) ([]*Checkpoint, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT run_id, project_id, pending_node, state, created_at
		FROM checkpoints WHERE project_id = ? ORDER BY created_at DESC`), projectID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	out := []*Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close implements Store. The database is owned by the caller.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cache.Purge()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(sc scanner) (*Checkpoint, error) {
	var (
		cp        Checkpoint
		node      string
		state     string
		createdAt string
	)
	if err := sc.Scan(&cp.RunID, &cp.ProjectID, &node, &state, &createdAt); err != nil {
		return nil, err
	}
	cp.PendingNode = pipeline.Node(node)
	cp.State = &pipeline.State{}
	if err := json.Unmarshal([]byte(state), cp.State); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", cp.RunID, err)
	}
	t, err := database.ParseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s created_at: %w", cp.RunID, err)
	}
	cp.CreatedAt = t
	return &cp, nil
}

func copyOf(cp *Checkpoint) *Checkpoint {
	c := *cp
	c.State = cp.State.Clone()
	return &c
}
