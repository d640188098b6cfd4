package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/okian/irtengine/internal/domain/model"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// schema is portable between sqlite and postgres. Timestamps are unix nanoseconds.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS items (
		id             TEXT PRIMARY KEY,
		topic_key      TEXT NOT NULL,
		subject_key    TEXT NOT NULL DEFAULT '',
		difficulty     DOUBLE PRECISION NOT NULL,
		discrimination DOUBLE PRECISION NOT NULL,
		guessing       DOUBLE PRECISION NOT NULL,
		format         TEXT NOT NULL DEFAULT '',
		option_count   INTEGER NOT NULL DEFAULT 0,
		answer         TEXT NOT NULL DEFAULT '',
		active         BOOLEAN NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS items_topic_active ON items (topic_key, active)`,
	`CREATE TABLE IF NOT EXISTS responses (
		id          TEXT PRIMARY KEY,
		student_id  TEXT NOT NULL,
		item_id     TEXT NOT NULL,
		is_correct  BOOLEAN NOT NULL,
		occurred_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS responses_student_time ON responses (student_id, occurred_at)`,
	`CREATE TABLE IF NOT EXISTS estimates (
		student_id     TEXT NOT NULL,
		scope          TEXT NOT NULL,
		est_key        TEXT NOT NULL,
		theta          DOUBLE PRECISION NOT NULL,
		standard_error DOUBLE PRECISION NOT NULL,
		attempt_count  INTEGER NOT NULL,
		correct_count  INTEGER NOT NULL,
		percentile     DOUBLE PRECISION NOT NULL,
		derived        BOOLEAN NOT NULL,
		sources        TEXT NOT NULL DEFAULT '[]',
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (student_id, scope, est_key)
	)`,
	`CREATE TABLE IF NOT EXISTS estimate_versions (
		student_id TEXT PRIMARY KEY,
		version    BIGINT NOT NULL
	)`,
}

// SQLStore persists to sqlite or postgres through sqlx.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQL connects to driver/dsn and creates the schema if missing.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One connection keeps an in-memory database alive and serialises writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool.
func (s *SQLStore) Close() error { return s.db.Close() }

type itemRow struct {
	ID             string  `db:"id"`
	TopicKey       string  `db:"topic_key"`
	SubjectKey     string  `db:"subject_key"`
	Difficulty     float64 `db:"difficulty"`
	Discrimination float64 `db:"discrimination"`
	Guessing       float64 `db:"guessing"`
	Format         string  `db:"format"`
	OptionCount    int     `db:"option_count"`
	Answer         string  `db:"answer"`
	Active         bool    `db:"active"`
}

func (r itemRow) item() model.Item {
	return model.Item{
		ID: r.ID, TopicKey: r.TopicKey, SubjectKey: r.SubjectKey,
		Difficulty: r.Difficulty, Discrimination: r.Discrimination, Guessing: r.Guessing,
		Format: model.ItemFormat(r.Format), OptionCount: r.OptionCount, Answer: r.Answer, Active: r.Active,
	}
}

const itemColumns = `id, topic_key, subject_key, difficulty, discrimination, guessing, format, option_count, answer, active`

func (s *SQLStore) UpsertItems(ctx context.Context, items []model.Item) (err error) {
	defer func(start time.Time) { observe("upsert_items", start, err) }(time.Now())
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		q := tx.Rebind(`INSERT INTO items (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				topic_key = excluded.topic_key, subject_key = excluded.subject_key,
				difficulty = excluded.difficulty, discrimination = excluded.discrimination,
				guessing = excluded.guessing, format = excluded.format,
				option_count = excluded.option_count, answer = excluded.answer, active = excluded.active`)
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, q, it.ID, it.TopicKey, it.SubjectKey, it.Difficulty,
				it.Discrimination, it.Guessing, string(it.Format), it.OptionCount, it.Answer, it.Active); err != nil {
				return fmt.Errorf("upsert item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Item(ctx context.Context, id string) (model.Item, error) {
	start := time.Now()
	var row itemRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		observe("item", start, nil)
		return model.Item{}, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	observe("item", start, err)
	if err != nil {
		return model.Item{}, fmt.Errorf("item %s: %w", id, err)
	}
	return row.item(), nil
}

func (s *SQLStore) ActiveItems(ctx context.Context, topicKey string) ([]model.Item, error) {
	start := time.Now()
	q := `SELECT ` + itemColumns + ` FROM items WHERE active = ?`
	args := []any{true}
	if topicKey != "" {
		q += ` AND topic_key = ?`
		args = append(args, topicKey)
	}
	q += ` ORDER BY id`

	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...)
	observe("active_items", start, err)
	if err != nil {
		return nil, fmt.Errorf("active items %q: %w", topicKey, err)
	}
	out := make([]model.Item, len(rows))
	for i, r := range rows {
		out[i] = r.item()
	}
	return out, nil
}

func (s *SQLStore) ShownSince(ctx context.Context, studentID string, since time.Time) (map[string]time.Time, error) {
	start := time.Now()
	var rows []struct {
		ItemID string `db:"item_id"`
		Last   int64  `db:"last_shown"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT item_id, MAX(occurred_at) AS last_shown
		FROM responses WHERE student_id = ? AND occurred_at >= ? GROUP BY item_id`), studentID, since.UnixNano())
	observe("shown_since", start, err)
	if err != nil {
		return nil, fmt.Errorf("shown since for %s: %w", studentID, err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.ItemID] = time.Unix(0, r.Last).UTC()
	}
	return out, nil
}

type responseRow struct {
	ID         string `db:"id"`
	StudentID  string `db:"student_id"`
	ItemID     string `db:"item_id"`
	IsCorrect  bool   `db:"is_correct"`
	OccurredAt int64  `db:"occurred_at"`
}

func (s *SQLStore) Responses(ctx context.Context, studentID string) ([]model.Response, error) {
	start := time.Now()
	var rows []responseRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, student_id, item_id, is_correct, occurred_at
		FROM responses WHERE student_id = ? ORDER BY occurred_at, id`), studentID)
	observe("responses", start, err)
	if err != nil {
		return nil, fmt.Errorf("responses for %s: %w", studentID, err)
	}
	out := make([]model.Response, len(rows))
	for i, r := range rows {
		out[i] = model.Response{
			ID: r.ID, StudentID: r.StudentID, ItemID: r.ItemID, IsCorrect: r.IsCorrect,
			OccurredAt: time.Unix(0, r.OccurredAt).UTC(),
		}
	}
	return out, nil
}

type estimateRow struct {
	StudentID     string  `db:"student_id"`
	Scope         string  `db:"scope"`
	Key           string  `db:"est_key"`
	Theta         float64 `db:"theta"`
	StandardError float64 `db:"standard_error"`
	AttemptCount  int     `db:"attempt_count"`
	CorrectCount  int     `db:"correct_count"`
	Percentile    float64 `db:"percentile"`
	Derived       bool    `db:"derived"`
	Sources       string  `db:"sources"`
	UpdatedAt     int64   `db:"updated_at"`
	Version       int64   `db:"version"`
}

func (s *SQLStore) HasResponse(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM responses WHERE id = ?`), id)
	observe("has_response", start, err)
	if err != nil {
		return false, fmt.Errorf("look up response %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) LoadEstimates(ctx context.Context, studentID string) (model.EstimateSet, error) {
	start := time.Now()
	var rows []estimateRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT e.student_id, e.scope, e.est_key, e.theta, e.standard_error,
		e.attempt_count, e.correct_count, e.percentile, e.derived, e.sources, e.updated_at,
		COALESCE(v.version, 0) AS version
		FROM estimates e LEFT JOIN estimate_versions v ON v.student_id = e.student_id
		WHERE e.student_id = ?`), studentID)
	observe("load_estimates", start, err)
	if err != nil {
		return model.EstimateSet{}, fmt.Errorf("load estimates for %s: %w", studentID, err)
	}
	if len(rows) == 0 {
		return model.EstimateSet{}, fmt.Errorf("estimates for %s: %w", studentID, ErrNotFound)
	}

	set := model.NewEstimateSet(studentID)
	set.Version = rows[0].Version
	for _, r := range rows {
		est := model.AbilityEstimate{
			Scope: model.Scope(r.Scope), Key: r.Key, Theta: r.Theta, StandardError: r.StandardError,
			AttemptCount: r.AttemptCount, CorrectCount: r.CorrectCount, Percentile: r.Percentile,
			Derived: r.Derived,
		}
		if r.UpdatedAt != 0 {
			est.UpdatedAt = time.Unix(0, r.UpdatedAt).UTC()
		}
		if err := json.Unmarshal([]byte(r.Sources), &est.Sources); err != nil {
			return model.EstimateSet{}, fmt.Errorf("decode sources of %s/%s: %w", r.Scope, r.Key, err)
		}
		switch est.Scope {
		case model.ScopeTopic:
			set.Topics[est.Key] = est
		case model.ScopeSubject:
			set.Subjects[est.Key] = est
		case model.ScopeOverall:
			set.Overall = est
		}
	}
	return set, nil
}

func (s *SQLStore) SaveEstimates(ctx context.Context, set model.EstimateSet) (err error) {
	defer func(start time.Time) { observe("save_estimates", start, err) }(time.Now())
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return writeEstimates(ctx, tx, set)
	})
}

func (s *SQLStore) RecordResponse(ctx context.Context, resp model.Response, set model.EstimateSet) (err error) {
	defer func(start time.Time) { observe("record_response", start, err) }(time.Now())
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO responses (id, student_id, item_id, is_correct, occurred_at)
			VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`),
			resp.ID, resp.StudentID, resp.ItemID, resp.IsCorrect, resp.OccurredAt.UnixNano())
		if err != nil {
			return fmt.Errorf("append response %s: %w", resp.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("response %s: %w", resp.ID, ErrDuplicateResponse)
		}
		return writeEstimates(ctx, tx, set)
	})
}

func (s *SQLStore) Students(ctx context.Context) ([]string, error) {
	start := time.Now()
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT student_id FROM estimates ORDER BY student_id`)
	observe("students", start, err)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	return ids, nil
}

// writeEstimates claims the next version of the student's set and replaces
// every row of it inside tx.
func writeEstimates(ctx context.Context, tx *sqlx.Tx, set model.EstimateSet) error {
	if err := claimVersion(ctx, tx, set); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM estimates WHERE student_id = ?`), set.StudentID); err != nil {
		return fmt.Errorf("clear estimates for %s: %w", set.StudentID, err)
	}
	q := tx.Rebind(`INSERT INTO estimates (student_id, scope, est_key, theta, standard_error, attempt_count,
		correct_count, percentile, derived, sources, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	all := make([]model.AbilityEstimate, 0, len(set.Topics)+len(set.Subjects)+1)
	for _, e := range set.Topics {
		all = append(all, e)
	}
	for _, e := range set.Subjects {
		all = append(all, e)
	}
	all = append(all, set.Overall)

	for _, e := range all {
		sources, err := json.Marshal(nonNil(e.Sources))
		if err != nil {
			return fmt.Errorf("encode sources of %s: %w", e.Key, err)
		}
		var updated int64
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.UnixNano()
		}
		if _, err := tx.ExecContext(ctx, q, set.StudentID, string(e.Scope), e.Key, e.Theta, e.StandardError,
			e.AttemptCount, e.CorrectCount, e.Percentile, e.Derived, string(sources), updated); err != nil {
			return fmt.Errorf("write estimate %s/%s: %w", e.Scope, e.Key, err)
		}
	}
	return nil
}

// claimVersion moves the stored version from set.Version to set.Version+1.
// A concurrent writer of the same student waits on the version row and then
// matches no row.
func claimVersion(ctx context.Context, tx *sqlx.Tx, set model.EstimateSet) error {
	var (
		res sql.Result
		err error
	)
	if set.Version == 0 {
		res, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO estimate_versions (student_id, version)
			VALUES (?, 1) ON CONFLICT (student_id) DO NOTHING`), set.StudentID)
	} else {
		res, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE estimate_versions SET version = version + 1
			WHERE student_id = ? AND version = ?`), set.StudentID, set.Version)
	}
	if err != nil {
		return fmt.Errorf("claim version of %s: %w", set.StudentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim version of %s: %w", set.StudentID, err)
	}
	if n == 0 {
		return fmt.Errorf("estimates for %s at version %d: %w", set.StudentID, set.Version, ErrVersionConflict)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Open returns the store named by driver: "memory", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case DriverSQLite:
		return OpenSQL(ctx, DriverSQLite, dsn)
	case DriverPostgres:
		return OpenSQL(ctx, DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
