// Package storage persists pipeline runs in a SQLite results database that
// the read-only API and external BI tools query.
//
// Each run owns its labeled incidents and its feature-importance ranking;
// deleting a run cascades to both. Rotation keeps the newest max runs.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/busrisk/internal/models"
)

// ErrRunNotFound is returned when no run matches the lookup.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	bucket           TEXT NOT NULL,
	object_key       TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	finished_at      TEXT NOT NULL,
	records          INTEGER NOT NULL,
	high_risk        INTEGER NOT NULL,
	trained          INTEGER NOT NULL,
	features         INTEGER NOT NULL,
	trees            INTEGER NOT NULL,
	seed             INTEGER NOT NULL,
	class_weight     TEXT NOT NULL,
	train_duration   INTEGER NOT NULL,
	oob_samples      INTEGER,
	oob_accuracy     REAL,
	oob_precision    REAL,
	oob_recall       REAL,
	oob_f1           REAL,
	true_positives   INTEGER,
	false_positives  INTEGER,
	true_negatives   INTEGER,
	false_negatives  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS incidents (
	run_id             TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	row_num            INTEGER NOT NULL,
	incident_id        TEXT NOT NULL,
	incident_date      TEXT,
	year               INTEGER NOT NULL,
	route              TEXT NOT NULL,
	operator           TEXT NOT NULL,
	group_name         TEXT NOT NULL,
	bus_garage         TEXT NOT NULL,
	borough            TEXT NOT NULL,
	injury_description TEXT NOT NULL,
	event_type         TEXT NOT NULL,
	victim_category    TEXT NOT NULL,
	victim_sex         TEXT NOT NULL,
	victim_age         TEXT NOT NULL,
	high_risk          INTEGER NOT NULL,
	predicted          INTEGER,
	risk_score         REAL,
	PRIMARY KEY (run_id, row_num)
);
CREATE INDEX IF NOT EXISTS idx_incidents_high_risk ON incidents(run_id, high_risk);

CREATE TABLE IF NOT EXISTS feature_importances (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	rank       INTEGER NOT NULL,
	feature    TEXT NOT NULL,
	importance REAL NOT NULL,
	PRIMARY KEY (run_id, rank)
);
`

// Storage is a SQLite-backed run store. It is safe for concurrent use.
type Storage struct {
	db      *sql.DB
	maxRuns int
}

// IncidentFilter narrows GetIncidents. A nil HighRisk matches all rows;
// Limit <= 0 means no limit.
type IncidentFilter struct {
	HighRisk *bool
	Limit    int
	Offset   int
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string, maxRuns int) (*Storage, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Storage{db: db, maxRuns: maxRuns}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SaveRun stores a run with its incidents and importance ranking in one
// transaction. Saving an existing run ID replaces it.
func (s *Storage) SaveRun(ctx context.Context, run *models.RunSummary, incidents []models.Incident, importances []models.FeatureImportance) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	for i := range importances {
		if err := importances[i].Validate(); err != nil {
			return fmt.Errorf("invalid importance %q: %w", importances[i].Feature, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	var eval evaluationColumns
	if run.Evaluation != nil {
		eval = toEvaluationColumns(run.Evaluation)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, bucket, object_key, started_at, finished_at, records, high_risk, trained,
			features, trees, seed, class_weight, train_duration,
			oob_samples, oob_accuracy, oob_precision, oob_recall, oob_f1,
			true_positives, false_positives, true_negatives, false_negatives)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Bucket, run.Key, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Records, run.HighRisk, run.Trained, run.Features, run.Trees, run.Seed, run.ClassWeight,
		int64(run.TrainDuration),
		eval.samples, eval.accuracy, eval.precision, eval.recall, eval.f1,
		eval.tp, eval.fp, eval.tn, eval.fn,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO incidents (run_id, row_num, incident_id, incident_date, year, route, operator,
			group_name, bus_garage, borough, injury_description, event_type, victim_category,
			victim_sex, victim_age, high_risk, predicted, risk_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare incident insert: %w", err)
	}
	defer stmt.Close()

	for i := range incidents {
		inc := &incidents[i]
		var date sql.NullString
		if !inc.Date.IsZero() {
			date = sql.NullString{String: formatTime(inc.Date), Valid: true}
		}
		var predicted sql.NullBool
		if inc.Predicted != nil {
			predicted = sql.NullBool{Bool: *inc.Predicted, Valid: true}
		}
		var score sql.NullFloat64
		if inc.RiskScore != nil {
			score = sql.NullFloat64{Float64: *inc.RiskScore, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			run.ID, i+1, inc.ID, date, inc.Year, inc.Route, inc.Operator,
			inc.GroupName, inc.BusGarage, inc.Borough, inc.InjuryDescription, inc.EventType,
			inc.VictimCategory, inc.VictimSex, inc.VictimAge, inc.HighRisk, predicted, score,
		)
		if err != nil {
			return fmt.Errorf("failed to insert incident %s: %w", inc.ID, err)
		}
	}

	for _, fi := range importances {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO feature_importances (run_id, rank, feature, importance) VALUES (?, ?, ?, ?)`,
			run.ID, fi.Rank, fi.Feature, fi.Importance)
		if err != nil {
			return fmt.Errorf("failed to insert importance %q: %w", fi.Feature, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, bucket, object_key, started_at, finished_at, records, high_risk, trained,
	features, trees, seed, class_weight, train_duration,
	oob_samples, oob_accuracy, oob_precision, oob_recall, oob_f1,
	true_positives, false_positives, true_negatives, false_negatives`

// GetRun retrieves a run by ID.
func (s *Storage) GetRun(ctx context.Context, id string) (*models.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// LatestRun returns the most recently started run.
func (s *Storage) LatestRun(ctx context.Context) (*models.RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Storage) ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]models.RunSummary, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetIncidents returns the incidents of a run in source order.
func (s *Storage) GetIncidents(ctx context.Context, runID string, filter IncidentFilter) ([]models.Incident, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	query := `SELECT incident_id, incident_date, year, route, operator, group_name, bus_garage, borough,
		injury_description, event_type, victim_category, victim_sex, victim_age, high_risk, predicted, risk_score
		FROM incidents WHERE run_id = ?`
	args := []any{runID}
	if filter.HighRisk != nil {
		query += ` AND high_risk = ?`
		args = append(args, *filter.HighRisk)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY row_num LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]models.Incident, 0)
	for rows.Next() {
		var (
			inc       models.Incident
			date      sql.NullString
			predicted sql.NullBool
			score     sql.NullFloat64
		)
		err := rows.Scan(&inc.ID, &date, &inc.Year, &inc.Route, &inc.Operator, &inc.GroupName,
			&inc.BusGarage, &inc.Borough, &inc.InjuryDescription, &inc.EventType, &inc.VictimCategory,
			&inc.VictimSex, &inc.VictimAge, &inc.HighRisk, &predicted, &score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		if date.Valid {
			if inc.Date, err = parseTime(date.String); err != nil {
				return nil, err
			}
		}
		if predicted.Valid {
			v := predicted.Bool
			inc.Predicted = &v
		}
		if score.Valid {
			v := score.Float64
			inc.RiskScore = &v
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// GetTopImportances returns the k highest-ranked features of a run.
// k <= 0 returns the full ranking.
func (s *Storage) GetTopImportances(ctx context.Context, runID string, k int) ([]models.FeatureImportance, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rank, feature, importance FROM feature_importances WHERE run_id = ? ORDER BY rank LIMIT ?`, runID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query importances: %w", err)
	}
	defer rows.Close()

	out := make([]models.FeatureImportance, 0)
	for rows.Next() {
		var fi models.FeatureImportance
		if err := rows.Scan(&fi.Rank, &fi.Feature, &fi.Importance); err != nil {
			return nil, fmt.Errorf("failed to scan importance: %w", err)
		}
		out = append(out, fi)
	}
	return out, rows.Err()
}

// RotateRuns removes the oldest runs exceeding the max limit and returns how
// many were removed.
func (s *Storage) RotateRuns(ctx context.Context) (int, error) {
	if s.maxRuns <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id IN (
			SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.maxRuns)
	if err != nil {
		return 0, fmt.Errorf("failed to rotate runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count rotated runs: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunSummary, error) {
	var (
		run               models.RunSummary
		started, finished string
		trainDuration     int64
		samples, tp       sql.NullInt64
		fp, tn, fn        sql.NullInt64
		accuracy, prec    sql.NullFloat64
		recall, f1        sql.NullFloat64
	)
	err := row.Scan(&run.ID, &run.Bucket, &run.Key, &started, &finished, &run.Records, &run.HighRisk,
		&run.Trained, &run.Features, &run.Trees, &run.Seed, &run.ClassWeight, &trainDuration,
		&samples, &accuracy, &prec, &recall, &f1, &tp, &fp, &tn, &fn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}
	run.TrainDuration = time.Duration(trainDuration)
	if samples.Valid {
		run.Evaluation = &models.Evaluation{
			Samples:        int(samples.Int64),
			Accuracy:       accuracy.Float64,
			Precision:      prec.Float64,
			Recall:         recall.Float64,
			F1:             f1.Float64,
			TruePositives:  int(tp.Int64),
			FalsePositives: int(fp.Int64),
			TrueNegatives:  int(tn.Int64),
			FalseNegatives: int(fn.Int64),
		}
	}
	return &run, nil
}

type evaluationColumns struct {
	samples, tp, fp, tn, fn         sql.NullInt64
	accuracy, precision, recall, f1 sql.NullFloat64
}

func toEvaluationColumns(e *models.Evaluation) evaluationColumns {
	i := func(v int) sql.NullInt64 { return sql.NullInt64{Int64: int64(v), Valid: true} }
	f := func(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }
	return evaluationColumns{
		samples:   i(e.Samples),
		tp:        i(e.TruePositives),
		fp:        i(e.FalsePositives),
		tn:        i(e.TrueNegatives),
		fn:        i(e.FalseNegatives),
		accuracy:  f(e.Accuracy),
		precision: f(e.Precision),
		recall:    f(e.Recall),
		f1:        f(e.F1),
	}
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}
