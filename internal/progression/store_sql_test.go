package progression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/learnhall/learnhall-lms/internal/db"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/store_test.db?_pragma=busy_timeout(5000)", t.TempDir())
	dbh, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	dbh.SetMaxOpenConns(1)
	if err := db.EnsureSchema(context.Background(), dbh, db.DriverSQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return NewSQLStore(dbh, "sqlite")
}

func TestSQLCourseProgressRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := store.GetCourseProgress(ctx, "u1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing row: want ErrNotFound, got %v", err)
	}

	at := now
	want := &CourseProgress{
		UserID: "u1", CourseID: "c1", ModuleID: "m1",
		WatchedPct: 85, Completed: true, CompletedAt: &at, LastAccessed: now,
	}
	if err := store.PutCourseProgress(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetCourseProgress(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.WatchedPct != 85 || !got.Completed || got.ModuleID != "m1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) || !got.LastAccessed.Equal(now) {
		t.Fatalf("timestamps mismatch: %+v", got)
	}

	// Upsert path: same key, new values.
	want.WatchedPct = 99
	if err := store.PutCourseProgress(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = store.GetCourseProgress(ctx, "u1", "c1")
	if got.WatchedPct != 99 {
		t.Fatalf("upsert did not apply: %+v", got)
	}
}

func TestSQLPutCourseProgressMergesMonotonically(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	at := now
	done := &CourseProgress{
		UserID: "u1", CourseID: "c1", ModuleID: "m1",
		WatchedPct: 85, Completed: true, CompletedAt: &at, LastAccessed: now,
	}
	if err := store.PutCourseProgress(ctx, done); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A writer holding a stale read writes the row back uncompleted.
	stale := &CourseProgress{
		UserID: "u1", CourseID: "c1", ModuleID: "m1",
		WatchedPct: 60, Completed: false, LastAccessed: now.Add(time.Minute),
	}
	if err := store.PutCourseProgress(ctx, stale); err != nil {
		t.Fatalf("stale put: %v", err)
	}

	got, err := store.GetCourseProgress(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Completed || got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("completion regressed: %+v", got)
	}
	if got.WatchedPct != 85 {
		t.Fatalf("watched pct regressed to %d", got.WatchedPct)
	}
	if !got.LastAccessed.Equal(now.Add(time.Minute)) {
		t.Fatalf("last_accessed should stay last-write: %v", got.LastAccessed)
	}
}

func TestSQLPutEnrollmentMergesMonotonically(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	score := 95
	at := now
	unlocked := &ModuleEnrollment{
		UserID: "u1", ModuleID: "m1", ProgressPct: 50,
		Completed: true, CompletedAt: &at,
		QuizScore: &score, SubmodulesUnlocked: true, LastAccessed: now,
	}
	if err := store.PutEnrollment(ctx, unlocked); err != nil {
		t.Fatalf("put: %v", err)
	}

	stale := &ModuleEnrollment{
		UserID: "u1", ModuleID: "m1", ProgressPct: 100, LastAccessed: now.Add(time.Minute),
	}
	if err := store.PutEnrollment(ctx, stale); err != nil {
		t.Fatalf("stale put: %v", err)
	}

	got, err := store.GetEnrollment(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.SubmodulesUnlocked {
		t.Fatalf("unlock regressed: %+v", got)
	}
	if got.QuizScore == nil || *got.QuizScore != 95 {
		t.Fatalf("quiz score regressed: %+v", got)
	}
	if !got.Completed || got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("completion regressed: %+v", got)
	}
	if got.ProgressPct != 100 {
		t.Fatalf("derived pct should stay last-write: %d", got.ProgressPct)
	}

	// A lower quiz score never regresses the stored best.
	low := 40
	stale.QuizScore = &low
	if err := store.PutEnrollment(ctx, stale); err != nil {
		t.Fatalf("low put: %v", err)
	}
	got, _ = store.GetEnrollment(ctx, "u1", "m1")
	if *got.QuizScore != 95 {
		t.Fatalf("quiz score regressed to %d", *got.QuizScore)
	}
}

func TestSQLListModuleCourseProgress(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	for _, c := range []string{"c2", "c1", "c3"} {
		p := &CourseProgress{UserID: "u1", CourseID: c, ModuleID: "m1", LastAccessed: now}
		if err := store.PutCourseProgress(ctx, p); err != nil {
			t.Fatalf("put %s: %v", c, err)
		}
	}
	// A row in another module and another user's row stay out of the listing.
	if err := store.PutCourseProgress(ctx, &CourseProgress{UserID: "u1", CourseID: "cx", ModuleID: "m2", LastAccessed: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutCourseProgress(ctx, &CourseProgress{UserID: "u2", CourseID: "c1", ModuleID: "m1", LastAccessed: now}); err != nil {
		t.Fatalf("put: %v", err)
	}

	rows, err := store.ListModuleCourseProgress(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if rows[i].CourseID != want {
			t.Fatalf("row %d = %s, want %s", i, rows[i].CourseID, want)
		}
	}
}

func TestSQLEnrollmentRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	e := &ModuleEnrollment{UserID: "u1", ModuleID: "m1", ProgressPct: 50, LastAccessed: now}
	if err := store.PutEnrollment(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetEnrollment(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProgressPct != 50 || got.QuizScore != nil || got.SubmodulesUnlocked {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	score := 85
	at := now
	e.QuizScore = &score
	e.SubmodulesUnlocked = true
	e.Completed = true
	e.CompletedAt = &at
	e.ProgressPct = 100
	if err := store.PutEnrollment(ctx, e); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = store.GetEnrollment(ctx, "u1", "m1")
	if got.QuizScore == nil || *got.QuizScore != 85 || !got.SubmodulesUnlocked || !got.Completed {
		t.Fatalf("upsert mismatch: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("completed_at mismatch: %+v", got)
	}
}

func TestSQLExamLookupPaths(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ex := &Exam{
		ID: "exam-1", CourseID: "c1", ModuleID: "m1", LessonID: "l1",
		Title: "Checkpoint", PassingScore: 80, CooldownMinutes: 5, AllowedAttempts: -1,
		Questions: []Question{
			{Prompt: "q1", Options: []string{"a", "b"}, CorrectIndex: 1},
		},
	}
	if err := store.PutExam(ctx, ex); err != nil {
		t.Fatalf("put: %v", err)
	}

	byID, err := store.GetExam(ctx, "exam-1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	byCourse, err := store.GetExamByCourse(ctx, "c1")
	if err != nil {
		t.Fatalf("by course: %v", err)
	}
	byLesson, err := store.GetExamByLesson(ctx, "m1", "l1")
	if err != nil {
		t.Fatalf("by lesson: %v", err)
	}
	if byID.ID != byCourse.ID || byCourse.ID != byLesson.ID {
		t.Fatalf("lookup paths disagree: %s %s %s", byID.ID, byCourse.ID, byLesson.ID)
	}
	if len(byCourse.Questions) != 1 || byCourse.Questions[0].CorrectIndex != 1 {
		t.Fatalf("questions lost in roundtrip: %+v", byCourse.Questions)
	}

	if _, err := store.GetExamByCourse(ctx, "c-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing course exam: %v", err)
	}
}

func TestSQLExamResultRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	retry := now.Add(5 * time.Minute)
	r := &ExamResult{
		ExamID: "exam-1", UserID: "u1", Attempts: 1, LastScore: 67,
		LastAttemptAt: now, CanRetryAt: &retry, Answers: []int{0, 1, 1},
	}
	if err := store.PutExamResult(ctx, r); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetExamResult(ctx, "exam-1", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts != 1 || got.LastScore != 67 || got.Passed || got.PassedAt != nil {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.CanRetryAt == nil || !got.CanRetryAt.Equal(retry) {
		t.Fatalf("can_retry_at mismatch: %+v", got)
	}
	if len(got.Answers) != 3 || got.Answers[2] != 1 {
		t.Fatalf("answers mismatch: %v", got.Answers)
	}

	at := now.Add(6 * time.Minute)
	r.Attempts = 2
	r.LastScore = 100
	r.Passed = true
	r.PassedAt = &at
	r.CanRetryAt = nil
	r.LastAttemptAt = at
	if err := store.PutExamResult(ctx, r); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = store.GetExamResult(ctx, "exam-1", "u1")
	if !got.Passed || got.PassedAt == nil || !got.PassedAt.Equal(at) || got.CanRetryAt != nil {
		t.Fatalf("pass state mismatch: %+v", got)
	}
}

func TestSQLTransactCommitsLedger(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	err := store.Transact(ctx, func(tx Tx) error {
		if err := tx.AppendLedger(ctx, &LedgerEntry{
			UserID: "u1", Points: 40, Reason: ReasonExamFirstPass, Ref: "exam-1", CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, &LedgerEntry{
			UserID: "u1", Points: 10, Reason: ReasonFirstAttemptBonus, Ref: "exam-1", CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("transact: %v", err)
	}

	total, err := store.PointsTotal(ctx, "u1")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 50 {
		t.Fatalf("total = %d, want 50", total)
	}
	recent, err := store.RecentLedger(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("want 2 ledger entries, got %d", len(recent))
	}
	for _, e := range recent {
		if e.ID == "" {
			t.Fatalf("entry id not generated: %+v", e)
		}
	}
}

func TestSQLTransactRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	boom := errors.New("boom")
	err := store.Transact(ctx, func(tx Tx) error {
		if err := tx.AppendLedger(ctx, &LedgerEntry{
			UserID: "u1", Points: 100, Reason: ReasonQuizPass, Ref: "m1", CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.PutCourseProgress(ctx, &CourseProgress{
			UserID: "u1", CourseID: "c1", ModuleID: "m1", WatchedPct: 99, LastAccessed: now,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("callback error not surfaced: %v", err)
	}

	total, _ := store.PointsTotal(ctx, "u1")
	if total != 0 {
		t.Fatalf("rolled-back award leaked: total=%d", total)
	}
	if _, err := store.GetCourseProgress(ctx, "u1", "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rolled-back write leaked: %v", err)
	}
}

func TestSQLTransactRetriesConflicts(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s/conflict_test.db?_pragma=busy_timeout(0)", t.TempDir())

	open := func() *sql.DB {
		dbh, err := sql.Open("sqlite", dsn)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { dbh.Close() })
		dbh.SetMaxOpenConns(1)
		return dbh
	}
	dbh := open()
	if err := db.EnsureSchema(ctx, dbh, db.DriverSQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	store := NewSQLStore(dbh, "sqlite")
	now := time.Now().UTC().Truncate(time.Second)

	// A second connection holds a write transaction open across every retry.
	blocker := open()
	btx, err := blocker.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("blocker begin: %v", err)
	}
	if _, err := btx.ExecContext(ctx,
		`INSERT INTO points_totals (user_id,total) VALUES ('blocker',1)`); err != nil {
		t.Fatalf("blocker write: %v", err)
	}

	err = store.Transact(ctx, func(tx Tx) error {
		return tx.AppendLedger(ctx, &LedgerEntry{
			UserID: "u1", Points: 40, Reason: ReasonExamFirstPass, Ref: "exam-1", CreatedAt: now,
		})
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("held lock should surface ErrConflict after retries, got %v", err)
	}

	// Once the conflicting writer finishes, the same transaction goes through.
	if err := btx.Rollback(); err != nil {
		t.Fatalf("blocker rollback: %v", err)
	}
	err = store.Transact(ctx, func(tx Tx) error {
		return tx.AppendLedger(ctx, &LedgerEntry{
			UserID: "u1", Points: 40, Reason: ReasonExamFirstPass, Ref: "exam-1", CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("transact after release: %v", err)
	}
	total, _ := store.PointsTotal(ctx, "u1")
	if total != 40 {
		t.Fatalf("total = %d, want 40", total)
	}
}

func TestSQLTransactRecoversWhenConflictClears(t *testing.T) {
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s/recover_test.db?_pragma=busy_timeout(0)", t.TempDir())

	open := func() *sql.DB {
		dbh, err := sql.Open("sqlite", dsn)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { dbh.Close() })
		dbh.SetMaxOpenConns(1)
		return dbh
	}
	dbh := open()
	if err := db.EnsureSchema(ctx, dbh, db.DriverSQLite); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	store := NewSQLStore(dbh, "sqlite")
	now := time.Now().UTC().Truncate(time.Second)

	blocker := open()
	btx, err := blocker.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("blocker begin: %v", err)
	}
	if _, err := btx.ExecContext(ctx,
		`INSERT INTO points_totals (user_id,total) VALUES ('blocker',1)`); err != nil {
		t.Fatalf("blocker write: %v", err)
	}
	// Release while the store is still inside its retry backoff, well before
	// the final attempt.
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = btx.Rollback()
	}()

	err = store.Transact(ctx, func(tx Tx) error {
		return tx.AppendLedger(ctx, &LedgerEntry{
			UserID: "u1", Points: 100, Reason: ReasonQuizPass, Ref: "m1", CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("retry should recover once the lock clears: %v", err)
	}
	total, _ := store.PointsTotal(ctx, "u1")
	if total != 100 {
		t.Fatalf("total = %d, want 100", total)
	}
}

func TestSQLPointsTotalMissingUser(t *testing.T) {
	store := openTestStore(t)
	total, err := store.PointsTotal(context.Background(), "nobody")
	if err != nil || total != 0 {
		t.Fatalf("missing user should read as zero: total=%d err=%v", total, err)
	}
}

// The whole facade also runs against the SQL store, not just the in-memory one.
func TestServiceAgainstSQLStore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock := newFakeClock()
	svc := NewService(store, DefaultConfig(), WithClock(clock.now))

	mustUpsertExam(t, svc, checkpointExam())
	if err := svc.TrackVideoProgress(ctx, "u1", "c1", "m1", 540, 600); err != nil {
		t.Fatalf("track: %v", err)
	}
	if res, err := svc.MarkVideoComplete(ctx, "u1", "c1"); err != nil || !res.Success {
		t.Fatalf("complete: res=%+v err=%v", res, err)
	}

	res, err := svc.SubmitExam(ctx, "u1", "m1", "l1", "c1", []int{0, 1, 2}, 300)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Passed || res.PointsAwarded != 50 {
		t.Fatalf("exam pass: %+v", res)
	}

	quiz, err := svc.SubmitQuiz(ctx, "u1", "m1", 75)
	if err != nil {
		t.Fatalf("quiz: %v", err)
	}
	if !quiz.Passed || quiz.PointsAwarded != 100 {
		t.Fatalf("quiz pass: %+v", quiz)
	}

	total, recent, err := svc.PointsSummary(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if total != 150 || len(recent) != 3 {
		t.Fatalf("summary total=%d entries=%d", total, len(recent))
	}
	enr, err := svc.GetModuleProgress(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("module progress: %v", err)
	}
	if enr == nil || enr.ProgressPct != 100 || !enr.Completed || !enr.SubmodulesUnlocked {
		t.Fatalf("module aggregate: %+v", enr)
	}
}
