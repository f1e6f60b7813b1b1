package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foldrl/bindertune/internal/model"

	_ "modernc.org/sqlite"
)

const createEpisodesTable = `
CREATE TABLE IF NOT EXISTS episodes (
    id            TEXT PRIMARY KEY,
    step          INTEGER NOT NULL,
    state         TEXT NOT NULL,
    action        TEXT NOT NULL,
    observation   TEXT NOT NULL,
    gen_job_id    TEXT,
    eval_job_id   TEXT,
    gen_attempts  INTEGER NOT NULL DEFAULT 0,
    eval_attempts INTEGER NOT NULL DEFAULT 0,
    reward        TEXT,
    fingerprint   TEXT,
    error         TEXT,
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finalized_at  DATETIME
)`

const episodeColumns = `id, step, state, action, observation, gen_job_id, eval_job_id,
	gen_attempts, eval_attempts, reward, fingerprint, error,
	created_at, started_at, finalized_at`

// ErrNotFound is returned when an episode is not found.
var ErrNotFound = errors.New("episode not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createEpisodesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create episodes table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateEpisode inserts a new episode record.
func (s *SQLiteStore) CreateEpisode(ctx context.Context, ep *model.Episode) error {
	action, observation, reward, fingerprint, err := encodeEpisode(ep)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO episodes (`+episodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Step, ep.State, action, observation, ep.GenJobID, ep.EvalJobID,
		ep.GenAttempts, ep.EvalAttempts, reward, fingerprint, ep.Error,
		ep.CreatedAt, ep.StartedAt, ep.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// GetEpisode retrieves an episode by ID.
func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return ep, nil
}

// ListEpisodes returns a paginated list of episodes ordered by created_at DESC,
// along with the total count of all episodes.
func (s *SQLiteStore) ListEpisodes(ctx context.Context, limit, offset int) ([]*model.Episode, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM episodes").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count episodes: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	episodes, err := collectEpisodes(rows)
	if err != nil {
		return nil, 0, err
	}
	return episodes, total, nil
}

// ListUnfinished returns every episode not yet in a terminal state, oldest first.
func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]*model.Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC`,
		model.StateFinalized, model.StateFailed, model.StateCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished episodes: %w", err)
	}
	defer rows.Close()

	return collectEpisodes(rows)
}

// UpdateEpisode rewrites the full episode record.
func (s *SQLiteStore) UpdateEpisode(ctx context.Context, ep *model.Episode) error {
	action, observation, reward, fingerprint, err := encodeEpisode(ep)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET
			step = ?, state = ?, action = ?, observation = ?,
			gen_job_id = ?, eval_job_id = ?, gen_attempts = ?, eval_attempts = ?,
			reward = ?, fingerprint = ?, error = ?,
			started_at = ?, finalized_at = ?
		WHERE id = ?`,
		ep.Step, ep.State, action, observation,
		ep.GenJobID, ep.EvalJobID, ep.GenAttempts, ep.EvalAttempts,
		reward, fingerprint, ep.Error,
		ep.StartedAt, ep.FinalizedAt, ep.ID,
	)
	if err != nil {
		return fmt.Errorf("update episode: %w", err)
	}
	return requireRow(result)
}

// UpdateEpisodeState updates the state of an episode. For terminal states it
// also sets finalized_at.
func (s *SQLiteStore) UpdateEpisodeState(ctx context.Context, id, state string) error {
	var result sql.Result
	var err error

	if model.TerminalState(state) {
		result, err = s.db.ExecContext(ctx,
			"UPDATE episodes SET state = ?, finalized_at = ? WHERE id = ?",
			state, time.Now().UTC(), id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			"UPDATE episodes SET state = ? WHERE id = ?",
			state, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update episode state: %w", err)
	}
	return requireRow(result)
}

// GetEpisodeStats computes aggregate statistics across all episodes. Reward
// figures cover finalized episodes only.
func (s *SQLiteStore) GetEpisodeStats(ctx context.Context) (*EpisodeStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &EpisodeStats{CountByState: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT state, COUNT(*) FROM episodes GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		stats.CountByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}

	var avg, maxR sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT AVG(json_extract(reward, '$.total')), MAX(json_extract(reward, '$.total'))
		FROM episodes WHERE state = ? AND reward IS NOT NULL`,
		model.StateFinalized,
	).Scan(&avg, &maxR)
	if err != nil {
		return nil, fmt.Errorf("aggregate rewards: %w", err)
	}
	stats.AvgReward = avg.Float64
	stats.MaxReward = maxR.Float64

	return stats, nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// encodeEpisode marshals the structured episode fields for storage. Reward and
// fingerprint stay NULL until the episode earns them.
func encodeEpisode(ep *model.Episode) (action, observation string, reward, fingerprint sql.NullString, err error) {
	actionB, err := json.Marshal(ep.Action)
	if err != nil {
		return "", "", reward, fingerprint, fmt.Errorf("marshal action: %w", err)
	}
	obsB, err := json.Marshal(ep.Observation)
	if err != nil {
		return "", "", reward, fingerprint, fmt.Errorf("marshal observation: %w", err)
	}
	if ep.Reward != nil {
		b, err := json.Marshal(ep.Reward)
		if err != nil {
			return "", "", reward, fingerprint, fmt.Errorf("marshal reward: %w", err)
		}
		reward = sql.NullString{String: string(b), Valid: true}
	}
	if len(ep.Fingerprint) > 0 {
		b, err := json.Marshal(ep.Fingerprint)
		if err != nil {
			return "", "", reward, fingerprint, fmt.Errorf("marshal fingerprint: %w", err)
		}
		fingerprint = sql.NullString{String: string(b), Valid: true}
	}
	return string(actionB), string(obsB), reward, fingerprint, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (*model.Episode, error) {
	ep := &model.Episode{}
	var action, observation string
	var genJob, evalJob, reward, fingerprint, errMsg sql.NullString
	if err := row.Scan(
		&ep.ID, &ep.Step, &ep.State, &action, &observation, &genJob, &evalJob,
		&ep.GenAttempts, &ep.EvalAttempts, &reward, &fingerprint, &errMsg,
		&ep.CreatedAt, &ep.StartedAt, &ep.FinalizedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(action), &ep.Action); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	if err := json.Unmarshal([]byte(observation), &ep.Observation); err != nil {
		return nil, fmt.Errorf("unmarshal observation: %w", err)
	}
	if reward.Valid {
		ep.Reward = &model.RewardBreakdown{}
		if err := json.Unmarshal([]byte(reward.String), ep.Reward); err != nil {
			return nil, fmt.Errorf("unmarshal reward: %w", err)
		}
	}
	if fingerprint.Valid {
		if err := json.Unmarshal([]byte(fingerprint.String), &ep.Fingerprint); err != nil {
			return nil, fmt.Errorf("unmarshal fingerprint: %w", err)
		}
	}
	ep.GenJobID = genJob.String
	ep.EvalJobID = evalJob.String
	ep.Error = errMsg.String
	return ep, nil
}

func collectEpisodes(rows *sql.Rows) ([]*model.Episode, error) {
	var episodes []*model.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episodes: %w", err)
	}
	return episodes, nil
}
