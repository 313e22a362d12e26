package progression

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	txMaxAttempts = 3
	txRetryDelay  = 25 * time.Millisecond
)

// SQLStore persists progression state in sqlite or postgres through
// database/sql. Both drivers accept the $N placeholder style.
type SQLStore struct {
	db     *sql.DB
	driver string // "sqlite" or "postgres"
	queries
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, queries: queries{db: db}}
}

// Transact runs fn inside a single transaction. Conflicts (sqlite busy,
// postgres serialization failures) are retried a bounded number of times,
// then surfaced as ErrConflict.
func (s *SQLStore) Transact(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryDelay):
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	opts := &sql.TxOptions{}
	if s.driver == "postgres" {
		opts.Isolation = sql.LevelSerializable
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	if err := fn(&sqlTx{queries{db: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || // sqlite
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "could not serialize") || // postgres 40001
		strings.Contains(msg, "deadlock detected") // postgres 40P01
}

type sqlTx struct{ queries }

func (t *sqlTx) AppendLedger(ctx context.Context, e *LedgerEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO points_ledger (id,user_id,points,reason,ref,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.UserID, e.Points, e.Reason, e.Ref, e.CreatedAt.Unix())
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO points_totals (user_id,total) VALUES ($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET total = points_totals.total + EXCLUDED.total`,
		e.UserID, e.Points)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct{ db dbtx }

func (q queries) GetCourseProgress(ctx context.Context, userID, courseID string) (*CourseProgress, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT user_id,course_id,module_id,watched_pct,completed,completed_at,last_accessed
		 FROM course_progress WHERE user_id=$1 AND course_id=$2`, userID, courseID)
	var p CourseProgress
	var completed int
	var completedAt sql.NullInt64
	var lastAccessed int64
	if err := row.Scan(&p.UserID, &p.CourseID, &p.ModuleID, &p.WatchedPct, &completed, &completedAt, &lastAccessed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: course progress %s/%s", ErrNotFound, userID, courseID)
		}
		return nil, err
	}
	p.Completed = completed != 0
	p.CompletedAt = unixPtr(completedAt)
	p.LastAccessed = time.Unix(lastAccessed, 0).UTC()
	return &p, nil
}

// PutCourseProgress merges monotonically on conflict: watched_pct and
// completed never regress and completed_at keeps its first value, so a
// stale writer (a late heartbeat racing an explicit completion) can only
// advance the row. Heartbeat last-write-wins applies to last_accessed only.
func (q queries) PutCourseProgress(ctx context.Context, p *CourseProgress) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO course_progress (user_id,course_id,module_id,watched_pct,completed,completed_at,last_accessed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (user_id,course_id) DO UPDATE SET
		   module_id=EXCLUDED.module_id,
		   watched_pct=GREATEST(course_progress.watched_pct, EXCLUDED.watched_pct),
		   completed=GREATEST(course_progress.completed, EXCLUDED.completed),
		   completed_at=COALESCE(course_progress.completed_at, EXCLUDED.completed_at),
		   last_accessed=EXCLUDED.last_accessed`,
		p.UserID, p.CourseID, p.ModuleID, p.WatchedPct, boolInt(p.Completed), ptrUnix(p.CompletedAt), p.LastAccessed.Unix())
	return err
}

func (q queries) ListModuleCourseProgress(ctx context.Context, userID, moduleID string) ([]*CourseProgress, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT user_id,course_id,module_id,watched_pct,completed,completed_at,last_accessed
		 FROM course_progress WHERE user_id=$1 AND module_id=$2 ORDER BY course_id`, userID, moduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CourseProgress
	for rows.Next() {
		var p CourseProgress
		var completed int
		var completedAt sql.NullInt64
		var lastAccessed int64
		if err := rows.Scan(&p.UserID, &p.CourseID, &p.ModuleID, &p.WatchedPct, &completed, &completedAt, &lastAccessed); err != nil {
			return nil, err
		}
		p.Completed = completed != 0
		p.CompletedAt = unixPtr(completedAt)
		p.LastAccessed = time.Unix(lastAccessed, 0).UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (q queries) GetEnrollment(ctx context.Context, userID, moduleID string) (*ModuleEnrollment, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT user_id,module_id,progress_pct,completed,completed_at,quiz_score,submodules_unlocked,last_accessed
		 FROM module_enrollments WHERE user_id=$1 AND module_id=$2`, userID, moduleID)
	var e ModuleEnrollment
	var completed, unlocked int
	var completedAt sql.NullInt64
	var quizScore sql.NullInt64
	var lastAccessed int64
	if err := row.Scan(&e.UserID, &e.ModuleID, &e.ProgressPct, &completed, &completedAt, &quizScore, &unlocked, &lastAccessed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: enrollment %s/%s", ErrNotFound, userID, moduleID)
		}
		return nil, err
	}
	e.Completed = completed != 0
	e.SubmodulesUnlocked = unlocked != 0
	e.CompletedAt = unixPtr(completedAt)
	if quizScore.Valid {
		v := int(quizScore.Int64)
		e.QuizScore = &v
	}
	e.LastAccessed = time.Unix(lastAccessed, 0).UTC()
	return &e, nil
}

// PutEnrollment applies the same monotonic merge as PutCourseProgress:
// completed, submodules_unlocked and the best quiz score never regress even
// when an out-of-transaction recompute writes back a stale read. The
// GREATEST over quiz_score is COALESCE-wrapped because either side may be
// NULL. progress_pct is derived and self-healing, so it stays last-write.
func (q queries) PutEnrollment(ctx context.Context, e *ModuleEnrollment) error {
	var quizScore sql.NullInt64
	if e.QuizScore != nil {
		quizScore = sql.NullInt64{Int64: int64(*e.QuizScore), Valid: true}
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO module_enrollments (user_id,module_id,progress_pct,completed,completed_at,quiz_score,submodules_unlocked,last_accessed)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (user_id,module_id) DO UPDATE SET
		   progress_pct=EXCLUDED.progress_pct,
		   completed=GREATEST(module_enrollments.completed, EXCLUDED.completed),
		   completed_at=COALESCE(module_enrollments.completed_at, EXCLUDED.completed_at),
		   quiz_score=COALESCE(GREATEST(module_enrollments.quiz_score, EXCLUDED.quiz_score), module_enrollments.quiz_score, EXCLUDED.quiz_score),
		   submodules_unlocked=GREATEST(module_enrollments.submodules_unlocked, EXCLUDED.submodules_unlocked),
		   last_accessed=EXCLUDED.last_accessed`,
		e.UserID, e.ModuleID, e.ProgressPct, boolInt(e.Completed), ptrUnix(e.CompletedAt), quizScore, boolInt(e.SubmodulesUnlocked), e.LastAccessed.Unix())
	return err
}

func (q queries) PutExam(ctx context.Context, ex *Exam) error {
	qj, err := json.Marshal(ex.Questions)
	if err != nil {
		return err
	}
	if ex.CreatedAt == 0 {
		ex.CreatedAt = time.Now().Unix()
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO exams (id,course_id,module_id,lesson_id,title,questions_json,passing_score,cooldown_minutes,allowed_attempts,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO UPDATE SET
		   course_id=EXCLUDED.course_id,
		   module_id=EXCLUDED.module_id,
		   lesson_id=EXCLUDED.lesson_id,
		   title=EXCLUDED.title,
		   questions_json=EXCLUDED.questions_json,
		   passing_score=EXCLUDED.passing_score,
		   cooldown_minutes=EXCLUDED.cooldown_minutes,
		   allowed_attempts=EXCLUDED.allowed_attempts`,
		ex.ID, ex.CourseID, ex.ModuleID, ex.LessonID, ex.Title, string(qj),
		ex.PassingScore, ex.CooldownMinutes, ex.AllowedAttempts, ex.CreatedAt)
	return err
}

const examColumns = `id,course_id,module_id,lesson_id,title,questions_json,passing_score,cooldown_minutes,allowed_attempts,created_at`

func (q queries) GetExam(ctx context.Context, id string) (*Exam, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+examColumns+` FROM exams WHERE id=$1`, id)
	return scanExam(row, "exam "+id)
}

func (q queries) GetExamByCourse(ctx context.Context, courseID string) (*Exam, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+examColumns+` FROM exams WHERE course_id=$1 ORDER BY created_at DESC LIMIT 1`, courseID)
	return scanExam(row, "exam for course "+courseID)
}

func (q queries) GetExamByLesson(ctx context.Context, moduleID, lessonID string) (*Exam, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+examColumns+` FROM exams WHERE module_id=$1 AND lesson_id=$2 ORDER BY created_at DESC LIMIT 1`,
		moduleID, lessonID)
	return scanExam(row, fmt.Sprintf("exam for lesson %s/%s", moduleID, lessonID))
}

func scanExam(row *sql.Row, what string) (*Exam, error) {
	var ex Exam
	var qjson string
	err := row.Scan(&ex.ID, &ex.CourseID, &ex.ModuleID, &ex.LessonID, &ex.Title, &qjson,
		&ex.PassingScore, &ex.CooldownMinutes, &ex.AllowedAttempts, &ex.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(qjson), &ex.Questions); err != nil {
		return nil, fmt.Errorf("%w: exam %s questions: %v", ErrInvalidExamDefinition, ex.ID, err)
	}
	return &ex, nil
}

func (q queries) GetExamResult(ctx context.Context, examID, userID string) (*ExamResult, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT exam_id,user_id,attempts,last_score,passed,passed_at,last_attempt_at,can_retry_at,answers_json
		 FROM exam_results WHERE exam_id=$1 AND user_id=$2`, examID, userID)
	var r ExamResult
	var passed int
	var passedAt, canRetryAt sql.NullInt64
	var lastAttemptAt int64
	var answers string
	if err := row.Scan(&r.ExamID, &r.UserID, &r.Attempts, &r.LastScore, &passed, &passedAt, &lastAttemptAt, &canRetryAt, &answers); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: exam result %s/%s", ErrNotFound, examID, userID)
		}
		return nil, err
	}
	r.Passed = passed != 0
	r.PassedAt = unixPtr(passedAt)
	r.CanRetryAt = unixPtr(canRetryAt)
	r.LastAttemptAt = time.Unix(lastAttemptAt, 0).UTC()
	if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
		r.Answers = nil
	}
	return &r, nil
}

func (q queries) PutExamResult(ctx context.Context, r *ExamResult) error {
	answers, err := json.Marshal(r.Answers)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO exam_results (exam_id,user_id,attempts,last_score,passed,passed_at,last_attempt_at,can_retry_at,answers_json)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (exam_id,user_id) DO UPDATE SET
		   attempts=EXCLUDED.attempts,
		   last_score=EXCLUDED.last_score,
		   passed=EXCLUDED.passed,
		   passed_at=EXCLUDED.passed_at,
		   last_attempt_at=EXCLUDED.last_attempt_at,
		   can_retry_at=EXCLUDED.can_retry_at,
		   answers_json=EXCLUDED.answers_json`,
		r.ExamID, r.UserID, r.Attempts, r.LastScore, boolInt(r.Passed), ptrUnix(r.PassedAt),
		r.LastAttemptAt.Unix(), ptrUnix(r.CanRetryAt), string(answers))
	return err
}

func (q queries) PointsTotal(ctx context.Context, userID string) (int, error) {
	row := q.db.QueryRowContext(ctx, `SELECT total FROM points_totals WHERE user_id=$1`, userID)
	var total int
	if err := row.Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

func (q queries) RecentLedger(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id,user_id,points,reason,ref,created_at FROM points_ledger
		 WHERE user_id=$1 ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Points, &e.Reason, &e.Ref, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func ptrUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
