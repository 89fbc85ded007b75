package persistence

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pingup/flowline/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

// Ensure SQLiteRunStore implements RunStore.
var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema in the given database
// and returns a new SQLiteRunStore.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			event BLOB,
			step_results BLOB,
			wake_at TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);
		CREATE INDEX IF NOT EXISTS runs_status ON runs (status);`,
	)
	return err
}

const timeLayout = time.RFC3339Nano

func encodeTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteRunStore) encodeColumns(run *api.Run) (event, stepResults []byte, errStr string, err error) {
	event, err = EncodeValue(run.Event)
	if err != nil {
		return nil, nil, "", err
	}

	stepResults, err = EncodeValue(run.StepResults)
	if err != nil {
		return nil, nil, "", err
	}

	if run.Err != nil {
		errStr = run.Err.Error()
	}
	return event, stepResults, errStr, nil
}

func (s *SQLiteRunStore) SaveRun(run *api.Run) error {
	event, stepResults, errStr, err := s.encodeColumns(run)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, definition_id, status, current_step, event, step_results, wake_at, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.DefinitionID,
		string(run.Status),
		run.CurrentStep,
		event,
		stepResults,
		encodeTime(run.WakeAt),
		errStr,
		run.StartedAt.Format(timeLayout),
		encodeTime(run.FinishedAt),
	)
	return err
}

func (s *SQLiteRunStore) UpdateRun(run *api.Run) error {
	event, stepResults, errStr, err := s.encodeColumns(run)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE runs
		SET definition_id = ?, status = ?, current_step = ?, event = ?, step_results = ?, wake_at = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		run.DefinitionID,
		string(run.Status),
		run.CurrentStep,
		event,
		stepResults,
		encodeTime(run.WakeAt),
		errStr,
		encodeTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}

	return nil
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*api.Run, error) {
	var run api.Run
	var statusStr string
	var event, stepResults []byte
	var wakeAt, finishedAt sql.NullString
	var errStr sql.NullString
	var startedAt string

	if err := row.Scan(&run.ID, &run.DefinitionID, &statusStr, &run.CurrentStep, &event, &stepResults, &wakeAt, &errStr, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	run.Status = api.Status(statusStr)

	evt, err := DecodeValue[api.Event](event)
	if err != nil {
		return nil, err
	}
	run.Event = evt

	results, err := DecodeValue[map[string]any](stepResults)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = make(map[string]any)
	}
	run.StepResults = results

	if run.WakeAt, err = decodeTime(wakeAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = decodeTime(finishedAt); err != nil {
		return nil, err
	}

	started, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = started

	if errStr.Valid && errStr.String != "" {
		run.Err = errors.New(errStr.String)
	}

	return &run, nil
}

const selectColumns = "id, definition_id, status, current_step, event, step_results, wake_at, error, started_at, finished_at"

func (s *SQLiteRunStore) GetRun(id string) (*api.Run, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteRunStore) ListRuns(filter RunFilter) ([]*api.Run, error) {
	query := `SELECT ` + selectColumns + ` FROM runs`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

func (s *SQLiteRunStore) ListSleeping() ([]*api.Run, error) {
	return s.ListRuns(RunFilter{Status: api.StatusSleeping})
}

func (s *SQLiteRunStore) PurgeTerminal(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM runs
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		string(api.StatusCompleted),
		string(api.StatusFailed),
		olderThan.Format(timeLayout),
	)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
