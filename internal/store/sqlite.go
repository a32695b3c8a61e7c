package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		structure TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		objectives_json TEXT NOT NULL DEFAULT '[]',
		checkpoints_json TEXT NOT NULL DEFAULT '[]',
		started_at INTEGER,
		ended_at INTEGER,
		completed_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT NOT NULL DEFAULT '',
		aborted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		audio_url TEXT NOT NULL DEFAULT '',
		speaking_ms INTEGER NOT NULL DEFAULT 0,
		turns_taken INTEGER NOT NULL DEFAULT 0,
		last_heartbeat INTEGER,
		UNIQUE(session_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);

	CREATE TABLE IF NOT EXISTS transcript_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL,
		spoken_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_segments(session_id, spoken_at);

	CREATE TABLE IF NOT EXISTS user_points (
		user_id TEXT PRIMARY KEY,
		total INTEGER NOT NULL,
		level INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mistakes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		category TEXT NOT NULL,
		original TEXT NOT NULL,
		corrected TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mistakes_session_user ON mistakes(session_id, user_id);
	CREATE INDEX IF NOT EXISTS idx_mistakes_user ON mistakes(user_id);

	CREATE TABLE IF NOT EXISTS learning_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		due_date INTEGER NOT NULL,
		completed_at INTEGER,
		score INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_due ON learning_tasks(user_id, status, due_date);

	CREATE TABLE IF NOT EXISTS task_mistakes (
		task_id TEXT NOT NULL,
		mistake_id TEXT NOT NULL,
		PRIMARY KEY (task_id, mistake_id)
	);

	CREATE TABLE IF NOT EXISTS session_analyses (
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		cefr_estimate TEXT NOT NULL DEFAULT '',
		fluency_score INTEGER NOT NULL DEFAULT 0,
		grammar_score INTEGER NOT NULL DEFAULT 0,
		vocabulary_score INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_analyses_user ON session_analyses(user_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// Timestamps are stored as Unix milliseconds so that heartbeat and
// checkpoint arithmetic keeps sub-second precision.
func milli(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMilli(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

// CreateSession persists a new session and its participants atomically.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ConversationSession, participants []*domain.SessionParticipant) error {
	objectives, err := json.Marshal(session.Objectives)
	if err != nil {
		return fmt.Errorf("marshal objectives: %w", err)
	}
	checkpoints, err := json.Marshal(session.Checkpoints)
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to rollback create session tx", "error", rollbackErr)
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, status, structure, topic, objectives_json, checkpoints_json,
			duration_ms, aborted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Status, session.Structure, session.Topic,
		string(objectives), string(checkpoints),
		session.Duration.Milliseconds(), boolToInt(session.Aborted),
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, p := range participants {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO participants (id, session_id, user_id, audio_url, speaking_ms, turns_taken, last_heartbeat)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SessionID, p.UserID, p.AudioURL,
			p.SpeakingTime.Milliseconds(), p.TurnsTaken, milli(p.LastHeartbeat),
		)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*domain.ConversationSession, error) {
	var sess domain.ConversationSession
	var objectives, checkpoints string
	var startedAt, endedAt, completedAt sql.NullInt64
	var durationMS, createdAt, updatedAt int64
	var aborted int

	err := row.Scan(
		&sess.ID, &sess.Status, &sess.Structure, &sess.Topic,
		&objectives, &checkpoints,
		&startedAt, &endedAt, &completedAt,
		&durationMS, &sess.EndReason, &aborted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(objectives), &sess.Objectives); err != nil {
		return nil, fmt.Errorf("unmarshal objectives: %w", err)
	}
	if err := json.Unmarshal([]byte(checkpoints), &sess.Checkpoints); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoints: %w", err)
	}

	sess.StartedAt = fromMilli(startedAt)
	sess.EndedAt = fromMilli(endedAt)
	sess.CompletedAt = fromMilli(completedAt)
	sess.Duration = time.Duration(durationMS) * time.Millisecond
	sess.Aborted = aborted != 0
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

const sessionColumns = `id, status, structure, topic, objectives_json, checkpoints_json,
	started_at, ended_at, completed_at, duration_ms, end_reason, aborted, created_at, updated_at`

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)

	sess, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// TransitionSession moves a session between statuses with an optimistic
// status guard. Returns false when the guard fails. Busy-database errors get
// a short bounded retry; the status guard stays correct across retries.
func (s *SQLiteStore) TransitionSession(ctx context.Context, sessionID string, from, to domain.SessionStatus) (bool, error) {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		result, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			to, time.Now().UnixMilli(), sessionID, from,
		)
		if err != nil {
			if shared.IsSQLiteConflictError(err) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return false, fmt.Errorf("transition session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("get rows affected: %w", err)
		}
		return rows > 0, nil
	}
	return false, fmt.Errorf("transition session after %d retries: %w", maxRetries, lastErr)
}

// SetSessionStarted records the live-phase anchor timestamp.
func (s *SQLiteStore) SetSessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET started_at = ?, updated_at = ? WHERE id = ?`,
		startedAt.UnixMilli(), time.Now().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set session started: %w", err)
	}
	return nil
}

// SetSessionEnded records why and when the live phase ended.
func (s *SQLiteStore) SetSessionEnded(ctx context.Context, sessionID string, endedAt time.Time, reason domain.EndReason, aborted bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ?, aborted = ?, updated_at = ? WHERE id = ?`,
		endedAt.UnixMilli(), reason, boolToInt(aborted), time.Now().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set session ended: %w", err)
	}
	return nil
}

// SetSessionCompleted records the analysis completion timestamp.
func (s *SQLiteStore) SetSessionCompleted(ctx context.Context, sessionID string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET completed_at = ?, updated_at = ? WHERE id = ?`,
		completedAt.UnixMilli(), time.Now().UnixMilli(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("set session completed: %w", err)
	}
	return nil
}

// ListLiveSessions returns sessions in CREATED or IN_PROGRESS state.
func (s *SQLiteStore) ListLiveSessions(ctx context.Context) ([]*domain.ConversationSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?)`,
		domain.StatusCreated, domain.StatusInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("query live sessions: %w", err)
	}
	defer closeRows(rows, "live sessions")

	var sessions []*domain.ConversationSession
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan live session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate live sessions: %w", err)
	}
	return sessions, nil
}

// GetParticipants returns both participants of a session.
func (s *SQLiteStore) GetParticipants(ctx context.Context, sessionID string) ([]*domain.SessionParticipant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, audio_url, speaking_ms, turns_taken, last_heartbeat
		FROM participants WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer closeRows(rows, "participants")

	var participants []*domain.SessionParticipant
	for rows.Next() {
		var p domain.SessionParticipant
		var speakingMS int64
		var lastHeartbeat sql.NullInt64
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.AudioURL, &speakingMS, &p.TurnsTaken, &lastHeartbeat); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		p.SpeakingTime = time.Duration(speakingMS) * time.Millisecond
		p.LastHeartbeat = fromMilli(lastHeartbeat)
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// UpdateHeartbeat records liveness for one participant.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, sessionID, userID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE participants SET last_heartbeat = ? WHERE session_id = ? AND user_id = ?`,
		at.UnixMilli(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("participant not found: session %s user %s", sessionID, userID)
	}
	return nil
}

// RecordTurn increments a participant's turn count and speaking time.
func (s *SQLiteStore) RecordTurn(ctx context.Context, sessionID, userID string, speaking time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE participants SET turns_taken = turns_taken + 1, speaking_ms = speaking_ms + ?
		WHERE session_id = ? AND user_id = ?`,
		speaking.Milliseconds(), sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// SetAudioURL attaches the stored recording location to a participant.
func (s *SQLiteStore) SetAudioURL(ctx context.Context, sessionID, userID, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE participants SET audio_url = ? WHERE session_id = ? AND user_id = ?`,
		url, sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("set audio url: %w", err)
	}
	return nil
}

// AppendTranscriptSegment records one utterance of the live transcript.
func (s *SQLiteStore) AppendTranscriptSegment(ctx context.Context, seg *domain.TranscriptSegment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_segments (session_id, user_id, text, spoken_at) VALUES (?, ?, ?, ?)`,
		seg.SessionID, seg.UserID, seg.Text, seg.SpokenAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append transcript segment: %w", err)
	}
	return nil
}

// GetTranscript returns the session transcript in spoken order.
func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) ([]*domain.TranscriptSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, text, spoken_at
		FROM transcript_segments WHERE session_id = ? ORDER BY spoken_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer closeRows(rows, "transcript")

	var segments []*domain.TranscriptSegment
	for rows.Next() {
		var seg domain.TranscriptSegment
		var spokenAt int64
		if err := rows.Scan(&seg.SessionID, &seg.UserID, &seg.Text, &spokenAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		seg.SpokenAt = time.UnixMilli(spokenAt)
		segments = append(segments, &seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return segments, nil
}

// GetUserPoints retrieves a user's points row.
func (s *SQLiteStore) GetUserPoints(ctx context.Context, userID string) (*domain.UserPoints, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, total, level, updated_at FROM user_points WHERE user_id = ?`, userID)

	var p domain.UserPoints
	var updatedAt int64
	err := row.Scan(&p.UserID, &p.Total, &p.Level, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user points row: %w", err)
	}
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// UpsertUserPoints creates or replaces a user's points row.
func (s *SQLiteStore) UpsertUserPoints(ctx context.Context, points *domain.UserPoints) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_points (user_id, total, level, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total = excluded.total,
			level = excluded.level,
			updated_at = excluded.updated_at`,
		points.UserID, points.Total, points.Level, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert user points: %w", err)
	}
	return nil
}

// CreateMistakes persists a batch of categorized mistakes. IDs are supplied
// by the caller; replaying a batch with the same IDs is a no-op, which keeps
// analysis retries from duplicating rows.
func (s *SQLiteStore) CreateMistakes(ctx context.Context, mistakes []*domain.Mistake) error {
	if len(mistakes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			slog.Warn("failed to rollback create mistakes tx", "error", rollbackErr)
		}
	}()

	for _, m := range mistakes {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO mistakes (id, session_id, user_id, category, original, corrected, explanation, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.UserID, m.Category, m.Original, m.Corrected, m.Explanation,
			m.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert mistake: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create mistakes: %w", err)
	}
	return nil
}

// ListMistakes returns a participant's mistakes for one session.
func (s *SQLiteStore) ListMistakes(ctx context.Context, sessionID, userID string) ([]*domain.Mistake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, category, original, corrected, explanation, created_at
		FROM mistakes WHERE session_id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("query mistakes: %w", err)
	}
	defer closeRows(rows, "mistakes")

	var mistakes []*domain.Mistake
	for rows.Next() {
		var m domain.Mistake
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Category, &m.Original, &m.Corrected, &m.Explanation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mistake row: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		mistakes = append(mistakes, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mistakes: %w", err)
	}
	return mistakes, nil
}

// CreateTask persists a learning task. Re-inserting an existing ID is a
// no-op so analysis retries do not duplicate tasks.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.LearningTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO learning_tasks (id, user_id, session_id, type, title, content, status,
			estimated_minutes, due_date, completed_at, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.SessionID, task.Type, task.Title, task.Content, task.Status,
		task.EstimatedMinutes, task.DueDate.UnixMilli(), milli(task.CompletedAt), task.Score,
		task.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert learning task: %w", err)
	}
	return nil
}

// LinkTaskMistake associates a task with one mistake record.
func (s *SQLiteStore) LinkTaskMistake(ctx context.Context, taskID, mistakeID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_mistakes (task_id, mistake_id) VALUES (?, ?)`,
		taskID, mistakeID,
	)
	if err != nil {
		return fmt.Errorf("link task mistake: %w", err)
	}
	return nil
}

// ListTasksDueBy returns a user's pending tasks due at or before the given time.
func (s *SQLiteStore) ListTasksDueBy(ctx context.Context, userID string, by time.Time) ([]*domain.LearningTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, type, title, content, status,
			estimated_minutes, due_date, completed_at, score, created_at
		FROM learning_tasks
		WHERE user_id = ? AND status = ? AND due_date <= ?
		ORDER BY due_date`, userID, domain.TaskPending, by.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer closeRows(rows, "due tasks")

	var tasks []*domain.LearningTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due tasks: %w", err)
	}

	for _, task := range tasks {
		ids, err := s.taskMistakeIDs(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.MistakeIDs = ids
	}
	return tasks, nil
}

func scanTask(rows *sql.Rows) (*domain.LearningTask, error) {
	var t domain.LearningTask
	var dueDate, createdAt int64
	var completedAt sql.NullInt64
	if err := rows.Scan(&t.ID, &t.UserID, &t.SessionID, &t.Type, &t.Title, &t.Content, &t.Status,
		&t.EstimatedMinutes, &dueDate, &completedAt, &t.Score, &createdAt); err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}
	t.DueDate = time.UnixMilli(dueDate)
	t.CompletedAt = fromMilli(completedAt)
	t.CreatedAt = time.UnixMilli(createdAt)
	return &t, nil
}

func (s *SQLiteStore) taskMistakeIDs(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mistake_id FROM task_mistakes WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task mistakes: %w", err)
	}
	defer closeRows(rows, "task mistakes")

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task mistake row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task mistakes: %w", err)
	}
	return ids, nil
}

// CompleteTask marks a task completed. The status guard makes completion
// idempotent and prevents cross-user completion.
func (s *SQLiteStore) CompleteTask(ctx context.Context, taskID, userID string, at time.Time, score int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE learning_tasks SET status = ?, completed_at = ?, score = ?
		WHERE id = ? AND user_id = ? AND status = ?`,
		domain.TaskCompleted, at.UnixMilli(), score, taskID, userID, domain.TaskPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CountCompletedSessions counts sessions a user completed at or after since,
// excluding the named session.
func (s *SQLiteStore) CountCompletedSessions(ctx context.Context, userID string, since time.Time, excludeSessionID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sessions s
		JOIN participants p ON p.session_id = s.id
		WHERE p.user_id = ? AND s.status = ? AND s.completed_at >= ? AND s.id != ?`,
		userID, domain.StatusCompleted, since.UnixMilli(), excludeSessionID,
	)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count completed sessions: %w", err)
	}
	return count, nil
}

// CreateAnalysis persists a per-participant analysis summary.
func (s *SQLiteStore) CreateAnalysis(ctx context.Context, analysis *domain.SessionAnalysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_analyses (session_id, user_id, cefr_estimate,
			fluency_score, grammar_score, vocabulary_score, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, user_id) DO UPDATE SET
			cefr_estimate = excluded.cefr_estimate,
			fluency_score = excluded.fluency_score,
			grammar_score = excluded.grammar_score,
			vocabulary_score = excluded.vocabulary_score,
			confidence = excluded.confidence`,
		analysis.SessionID, analysis.UserID, analysis.CEFREstimate,
		analysis.FluencyScore, analysis.GrammarScore, analysis.VocabularyScore,
		analysis.Confidence, analysis.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session analysis: %w", err)
	}
	return nil
}

// ListAnalyses returns a user's most recent analysis summaries, newest first.
func (s *SQLiteStore) ListAnalyses(ctx context.Context, userID string, limit int) ([]*domain.SessionAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, user_id, cefr_estimate, fluency_score, grammar_score,
			vocabulary_score, confidence, created_at
		FROM session_analyses WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer closeRows(rows, "analyses")

	var analyses []*domain.SessionAnalysis
	for rows.Next() {
		var a domain.SessionAnalysis
		var createdAt int64
		if err := rows.Scan(&a.SessionID, &a.UserID, &a.CEFREstimate,
			&a.FluencyScore, &a.GrammarScore, &a.VocabularyScore, &a.Confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan analysis row: %w", err)
		}
		a.CreatedAt = time.UnixMilli(createdAt)
		analyses = append(analyses, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analyses: %w", err)
	}
	return analyses, nil
}

// CountMistakesByCategory aggregates a user's mistakes per category.
func (s *SQLiteStore) CountMistakesByCategory(ctx context.Context, userID string) (map[domain.MistakeCategory]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM mistakes WHERE user_id = ? GROUP BY category`, userID)
	if err != nil {
		return nil, fmt.Errorf("query mistake counts: %w", err)
	}
	defer closeRows(rows, "mistake counts")

	counts := make(map[domain.MistakeCategory]int)
	for rows.Next() {
		var category domain.MistakeCategory
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan mistake count row: %w", err)
		}
		counts[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mistake counts: %w", err)
	}
	return counts, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
