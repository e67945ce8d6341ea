package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"orderflow/internal/orders/saga"
)

const uniqueViolation = "23505"

// InstanceStore persists saga instances and their step history in Postgres.
// The (instance_id, seq) primary key makes concurrent appends for the same
// position fail instead of interleaving.
type InstanceStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewInstanceStore constructs an InstanceStore backed by Postgres.
func NewInstanceStore(db *sql.DB) *InstanceStore {
	return &InstanceStore{db: db, now: time.Now}
}

// NewInstanceStoreWithSchema initializes the schema then returns the store.
func NewInstanceStoreWithSchema(ctx context.Context, db *sql.DB) (*InstanceStore, error) {
	store := NewInstanceStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the instance tables if they do not exist.
func (s *InstanceStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_instances (
			instance_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			qty INTEGER NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS saga_steps (
			instance_id TEXT NOT NULL REFERENCES saga_instances(instance_id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			step TEXT NOT NULL,
			activity TEXT NOT NULL,
			input JSONB,
			result JSONB,
			success BOOLEAN NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (instance_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS saga_instances_status_idx ON saga_instances (status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *InstanceStore) Create(ctx context.Context, id string, input saga.OrderInput) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_instances (instance_id, order_id, item_id, qty, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (instance_id) DO NOTHING`,
		id, input.OrderID, input.ItemID, input.Qty, input.Amount, string(saga.StatusRunning), s.now().UTC(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s already exists", saga.ErrInstanceConflict, id)
	}
	return nil
}

// Append inserts the outcome only while the instance is running and its
// history holds exactly outcome.Seq entries.
func (s *InstanceStore) Append(ctx context.Context, id string, outcome saga.StepOutcome) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_steps (instance_id, seq, step, activity, input, result, success, error, recorded_at)
		SELECT i.instance_id, $2::integer, $3, $4, $5::jsonb, $6::jsonb, $7, $8, $9
		FROM saga_instances i
		WHERE i.instance_id = $1
			AND i.status = 'Running'
			AND (SELECT COUNT(*)::integer FROM saga_steps st WHERE st.instance_id = $1) = $2::integer`,
		id, outcome.Seq, outcome.Step, outcome.Activity,
		nullableJSON(outcome.Input), nullableJSON(outcome.Result),
		outcome.Success, outcome.Error, outcome.Timestamp.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s seq %d already recorded", saga.ErrInstanceConflict, id, outcome.Seq)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.status(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s rejected seq %d", saga.ErrInstanceConflict, id, outcome.Seq)
}

// UpdateStatus records the derived status. A terminal status is final.
func (s *InstanceStore) UpdateStatus(ctx context.Context, id string, status saga.Status, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE saga_instances
		SET status = $2, reason = $3, updated_at = NOW()
		WHERE instance_id = $1
			AND (status = 'Running' OR (status = $2 AND reason = $3))`,
		id, string(status), reason,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	current, err := s.status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is already %s", saga.ErrInstanceConflict, id, current)
}

func (s *InstanceStore) Load(ctx context.Context, id string) (saga.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, order_id, item_id, qty, amount, status, reason, created_at
		FROM saga_instances
		WHERE instance_id = $1`,
		id,
	)

	var rec saga.Record
	var status string
	if err := row.Scan(&rec.ID, &rec.Input.OrderID, &rec.Input.ItemID, &rec.Input.Qty, &rec.Input.Amount, &status, &rec.Reason, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Record{}, saga.ErrInstanceNotFound
		}
		return saga.Record{}, err
	}
	rec.Status = saga.Status(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step, activity, input, result, success, error, recorded_at
		FROM saga_steps
		WHERE instance_id = $1
		ORDER BY seq`,
		id,
	)
	if err != nil {
		return saga.Record{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var outcome saga.StepOutcome
		var input, result []byte
		if err := rows.Scan(&outcome.Seq, &outcome.Step, &outcome.Activity, &input, &result, &outcome.Success, &outcome.Error, &outcome.Timestamp); err != nil {
			return saga.Record{}, err
		}
		if len(input) > 0 {
			outcome.Input = json.RawMessage(input)
		}
		if len(result) > 0 {
			outcome.Result = json.RawMessage(result)
		}
		rec.History = append(rec.History, outcome)
	}
	if err := rows.Err(); err != nil {
		return saga.Record{}, err
	}
	return rec, nil
}

func (s *InstanceStore) ListRunning(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id
		FROM saga_instances
		WHERE status = 'Running'
		ORDER BY created_at, instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *InstanceStore) status(ctx context.Context, id string) (saga.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM saga_instances WHERE instance_id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", saga.ErrInstanceNotFound
	}
	return saga.Status(status), err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
