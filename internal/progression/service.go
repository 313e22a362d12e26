package progression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/learnhall/learnhall-lms/internal/logger"
	"github.com/learnhall/learnhall-lms/internal/notify"
	"github.com/learnhall/learnhall-lms/internal/syncx"
)

// FeatureGates is a snapshot of the platform feature flags, taken at
// construction time. The engine never reads flag state mid-computation.
type FeatureGates struct {
	ExamsEnabled   bool
	QuizzesEnabled bool
}

// Config carries the product rules the engine applies.
type Config struct {
	CompletionThresholdPct int // watched% required to allow explicit completion
	DefaultPassingScore    int // used when a definition omits passing_score
	DefaultCooldownMin     int // used when a definition omits cooldown_minutes
	QuizPassingScore       int // fixed quiz threshold
	ExamBaseAward          int
	FirstAttemptBonus      int
	QuizAward              int
	Gates                  FeatureGates
}

func DefaultConfig() Config {
	return Config{
		CompletionThresholdPct: 80,
		DefaultPassingScore:    80,
		DefaultCooldownMin:     5,
		QuizPassingScore:       70,
		ExamBaseAward:          40,
		FirstAttemptBonus:      10,
		QuizAward:              100,
		Gates:                  FeatureGates{ExamsEnabled: true, QuizzesEnabled: true},
	}
}

// Service is the progression facade: it orders the store, the scoring and
// cooldown rules, the completion propagation, and the points ledger so the
// consistency invariants hold under concurrent, retry-prone calls.
//
// The watched percentage is derived by the caller from elapsed wall-clock
// time against a duration estimate, not from real media position. That
// approximation is a known limitation of the playback surface; here the
// value is only ever ratcheted upward so late heartbeats cannot regress it.
type Service struct {
	store  Store
	cfg    Config
	log    *logger.Logger
	pub    notify.Publisher
	events syncx.Sink
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(l *logger.Logger) Option     { return func(s *Service) { s.log = l } }
func WithNotifier(p notify.Publisher) Option { return func(s *Service) { s.pub = p } }
func WithEvents(sink syncx.Sink) Option      { return func(s *Service) { s.events = sink } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }

func NewService(store Store, cfg Config, opts ...Option) *Service {
	s := &Service{
		store: store,
		cfg:   cfg,
		log:   logger.Nop(),
		pub:   notify.Nop{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "progression")
	return s
}

// TrackVideoProgress records a playback heartbeat. The stored percentage is
// the max of the stored and reported values, capped at 99: only an explicit
// completion call can take a course to done. Crossing the completion
// threshold publishes a "completion eligible" signal without completing.
// Heartbeat writes are best-effort and non-transactional.
func (s *Service) TrackVideoProgress(ctx context.Context, userID, courseID, moduleID string, watchedSeconds, durationEstimateSec int) error {
	if userID == "" || courseID == "" {
		return fmt.Errorf("%w: user and course required", ErrInvalidArgument)
	}
	if durationEstimateSec <= 0 || watchedSeconds < 0 {
		return fmt.Errorf("%w: watched=%d duration=%d", ErrInvalidArgument, watchedSeconds, durationEstimateSec)
	}

	pct := 100 * watchedSeconds / durationEstimateSec
	if pct > 99 {
		pct = 99
	}

	now := s.now().UTC()
	prev, err := s.store.GetCourseProgress(ctx, userID, courseID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	cur := prev
	if cur == nil {
		cur = &CourseProgress{UserID: userID, CourseID: courseID, ModuleID: moduleID}
	}
	if moduleID != "" {
		cur.ModuleID = moduleID
	}

	oldPct := cur.WatchedPct
	if pct > cur.WatchedPct {
		cur.WatchedPct = pct
	}
	cur.LastAccessed = now
	if err := s.store.PutCourseProgress(ctx, cur); err != nil {
		return err
	}

	if cur.WatchedPct > oldPct {
		s.pub.Publish(ctx, notify.Event{Type: notify.TypeProgressUpdated, UserID: userID, CourseID: courseID, ModuleID: cur.ModuleID, At: now})
	}
	threshold := s.cfg.CompletionThresholdPct
	if oldPct < threshold && cur.WatchedPct >= threshold && !cur.Completed {
		s.log.Info("course eligible for completion", "user", userID, "course", courseID, "watched_pct", cur.WatchedPct)
		s.pub.Publish(ctx, notify.Event{Type: notify.TypeCompletionEligible, UserID: userID, CourseID: courseID, ModuleID: cur.ModuleID, At: now})
	}
	return nil
}

// MarkVideoComplete completes a course on explicit user confirmation,
// allowed once the watched percentage has reached the completion threshold.
// Completion is monotonic and idempotent; the module aggregate is recomputed
// afterward.
func (s *Service) MarkVideoComplete(ctx context.Context, userID, courseID string) (*CompletionResult, error) {
	cp, err := s.store.GetCourseProgress(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if cp.Completed {
		return &CompletionResult{Success: true, Message: "course already completed"}, nil
	}
	threshold := s.cfg.CompletionThresholdPct
	if cp.WatchedPct < threshold {
		return &CompletionResult{
			Success: false,
			Message: fmt.Sprintf("watch at least %d%% of the course before completing (currently %d%%)", threshold, cp.WatchedPct),
		}, nil
	}

	now := s.now().UTC()
	cp.Completed = true
	at := now
	cp.CompletedAt = &at
	cp.LastAccessed = now
	if err := s.store.PutCourseProgress(ctx, cp); err != nil {
		return nil, err
	}

	s.appendEvent(ctx, syncx.TypeCourseCompleted, userID+":"+courseID, map[string]any{"course_id": courseID})
	s.pub.Publish(ctx, notify.Event{Type: notify.TypeCourseCompleted, UserID: userID, CourseID: courseID, ModuleID: cp.ModuleID, At: now})
	s.log.Info("course completed", "user", userID, "course", courseID)

	if cp.ModuleID != "" {
		if err := s.propagateModule(ctx, s.store, userID, cp.ModuleID, now); err != nil {
			// The course write already committed; the aggregate catches up on
			// the next recompute.
			s.log.Warn("module recompute failed", "user", userID, "module", cp.ModuleID, "err", err)
		}
	}
	return &CompletionResult{Success: true, Message: "course completed"}, nil
}

func (s *Service) propagateModule(ctx context.Context, rec Records, userID, moduleID string, now time.Time) error {
	before, err := rec.GetEnrollment(ctx, userID, moduleID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	enr, err := recomputeEnrollment(ctx, rec, userID, moduleID, now)
	if err != nil {
		return err
	}
	if enr != nil && enr.Completed && (before == nil || !before.Completed) {
		s.appendEvent(ctx, syncx.TypeModuleCompleted, userID+":"+moduleID, map[string]any{"module_id": moduleID})
		s.pub.Publish(ctx, notify.Event{Type: notify.TypeModuleCompleted, UserID: userID, ModuleID: moduleID, At: now})
		s.log.Info("module completed", "user", userID, "module", moduleID)
	}
	return nil
}

// SubmitExam grades a scored exam attempt. The definition is resolved by
// course when courseID is set, otherwise by (module, lesson); both paths
// yield the same definition for a given course. The attempt-result write,
// the points award, and the dependent course completion commit in one
// transaction, so a first pass awards points exactly once no matter how
// often the call is retried.
func (s *Service) SubmitExam(ctx context.Context, userID, moduleID, lessonID, courseID string, answers []int, timeSpentSec int) (*SubmitExamResult, error) {
	if !s.cfg.Gates.ExamsEnabled {
		return nil, fmt.Errorf("%w: exams", ErrFeatureDisabled)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user required", ErrInvalidArgument)
	}

	ex, err := s.resolveExam(ctx, moduleID, lessonID, courseID)
	if err != nil {
		return nil, err
	}
	s.applyExamDefaults(ex)

	res, err := Grade(ex, answers)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var (
		awarded int
		updated *ExamResult
	)
	err = s.store.Transact(ctx, func(tx Tx) error {
		awarded = 0
		prev, err := tx.GetExamResult(ctx, ex.ID, userID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if errors.Is(err, ErrNotFound) {
			prev = nil
		}

		elig := CanAttempt(prev, now)
		if !elig.Allowed {
			if elig.Reason == ReasonBlockedAlreadyPassed {
				return fmt.Errorf("%w: exam %s", ErrAlreadyPassed, ex.ID)
			}
			return &CooldownError{RetryAt: *elig.RetryAt}
		}
		if attemptsExhausted(ex, prev) {
			return fmt.Errorf("%w: exam %s allows %d attempts", ErrAttemptsExhausted, ex.ID, ex.AllowedAttempts)
		}

		firstEver := prev == nil
		r := prev
		if r == nil {
			r = &ExamResult{ExamID: ex.ID, UserID: userID}
		}
		r.Attempts++
		r.LastScore = res.Score
		r.Answers = answers
		r.LastAttemptAt = now

		if res.Passed {
			r.Passed = true
			if r.PassedAt == nil {
				at := now
				r.PassedAt = &at
			}
			r.CanRetryAt = nil

			// First pass by construction: a stored pass is terminal above.
			awarded = s.cfg.ExamBaseAward
			if err := tx.AppendLedger(ctx, &LedgerEntry{
				UserID: userID, Points: s.cfg.ExamBaseAward,
				Reason: ReasonExamFirstPass, Ref: ex.ID, CreatedAt: now,
			}); err != nil {
				return err
			}
			if firstEver && s.cfg.FirstAttemptBonus > 0 {
				awarded += s.cfg.FirstAttemptBonus
				if err := tx.AppendLedger(ctx, &LedgerEntry{
					UserID: userID, Points: s.cfg.FirstAttemptBonus,
					Reason: ReasonFirstAttemptBonus, Ref: ex.ID, CreatedAt: now,
				}); err != nil {
					return err
				}
			}

			if err := s.completeCourseInTx(ctx, tx, ex, userID, moduleID, courseID, now); err != nil {
				return err
			}
		} else {
			retry := now.Add(time.Duration(ex.CooldownMinutes) * time.Minute)
			r.CanRetryAt = &retry
		}

		if err := tx.PutExamResult(ctx, r); err != nil {
			return err
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("exam submitted",
		"user", userID, "exam", ex.ID, "score", res.Score, "passed", res.Passed,
		"attempts", updated.Attempts, "points_awarded", awarded, "time_spent_sec", timeSpentSec)
	if res.Passed {
		s.appendEvent(ctx, syncx.TypeExamPassed, userID+":"+ex.ID, map[string]any{
			"exam_id": ex.ID, "score": res.Score, "time_spent_sec": timeSpentSec,
		})
		if awarded > 0 {
			s.appendEvent(ctx, syncx.TypePointsAwarded, userID+":"+ex.ID, map[string]any{
				"exam_id": ex.ID, "points": awarded,
			})
		}
		s.pub.Publish(ctx, notify.Event{Type: notify.TypeExamPassed, UserID: userID, ExamID: ex.ID, At: now})
	}

	return &SubmitExamResult{GradeResult: res, PointsAwarded: awarded, CanRetryAt: updated.CanRetryAt}, nil
}

// completeCourseInTx marks the exam's course complete and recomputes the
// module aggregate inside the award transaction.
func (s *Service) completeCourseInTx(ctx context.Context, tx Tx, ex *Exam, userID, moduleID, courseID string, now time.Time) error {
	course := courseID
	if course == "" {
		course = ex.CourseID
	}
	if course == "" {
		return nil
	}

	cp, err := tx.GetCourseProgress(ctx, userID, course)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if cp == nil || errors.Is(err, ErrNotFound) {
		cp = &CourseProgress{UserID: userID, CourseID: course, ModuleID: ex.ModuleID}
	}
	if cp.ModuleID == "" {
		if moduleID != "" {
			cp.ModuleID = moduleID
		} else {
			cp.ModuleID = ex.ModuleID
		}
	}
	if !cp.Completed {
		cp.Completed = true
		at := now
		cp.CompletedAt = &at
	}
	cp.LastAccessed = now
	if err := tx.PutCourseProgress(ctx, cp); err != nil {
		return err
	}
	if cp.ModuleID != "" {
		if _, err := recomputeEnrollment(ctx, tx, userID, cp.ModuleID, now); err != nil {
			return err
		}
	}
	return nil
}

// GradePractice scores a non-gated practice retake. It bypasses the
// eligibility check and writes nothing: no attempt record, no ledger entry,
// no completion change.
func (s *Service) GradePractice(ctx context.Context, moduleID, lessonID, courseID string, answers []int) (*GradeResult, error) {
	ex, err := s.resolveExam(ctx, moduleID, lessonID, courseID)
	if err != nil {
		return nil, err
	}
	s.applyExamDefaults(ex)
	res, err := Grade(ex, answers)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitQuiz records a module quiz score. The quiz is gated on the module's
// video content being completed, uses the fixed quiz threshold, and on the
// first pass unlocks the module's submodules and awards the quiz points in
// one transaction. The unlock is a separate gate from module completion.
func (s *Service) SubmitQuiz(ctx context.Context, userID, moduleID string, score int) (*QuizResult, error) {
	if !s.cfg.Gates.QuizzesEnabled {
		return nil, fmt.Errorf("%w: quizzes", ErrFeatureDisabled)
	}
	if userID == "" || moduleID == "" {
		return nil, fmt.Errorf("%w: user and module required", ErrInvalidArgument)
	}
	if score < 0 || score > 100 {
		return nil, fmt.Errorf("%w: score %d out of range", ErrInvalidArgument, score)
	}

	children, err := s.store.ListModuleCourseProgress(ctx, userID, moduleID)
	if err != nil {
		return nil, err
	}
	videoDone := false
	for _, c := range children {
		if c.Completed {
			videoDone = true
			break
		}
	}
	if !videoDone {
		return &QuizResult{Success: false, Message: "complete the module video before taking the quiz"}, nil
	}

	passed := score >= s.cfg.QuizPassingScore
	now := s.now().UTC()
	var (
		awarded  int
		unlocked bool
	)
	err = s.store.Transact(ctx, func(tx Tx) error {
		awarded = 0
		enr, err := tx.GetEnrollment(ctx, userID, moduleID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if enr == nil || errors.Is(err, ErrNotFound) {
			enr = &ModuleEnrollment{UserID: userID, ModuleID: moduleID}
		}

		if enr.QuizScore == nil || score > *enr.QuizScore {
			sc := score
			enr.QuizScore = &sc
		}
		if passed && !enr.SubmodulesUnlocked {
			enr.SubmodulesUnlocked = true
			awarded = s.cfg.QuizAward
			if err := tx.AppendLedger(ctx, &LedgerEntry{
				UserID: userID, Points: s.cfg.QuizAward,
				Reason: ReasonQuizPass, Ref: moduleID, CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		enr.LastAccessed = now
		unlocked = enr.SubmodulesUnlocked
		return tx.PutEnrollment(ctx, enr)
	})
	if err != nil {
		return nil, err
	}

	msg := "score below the quiz passing threshold"
	if passed {
		msg = "quiz passed"
		s.appendEvent(ctx, syncx.TypeQuizPassed, userID+":"+moduleID, map[string]any{"module_id": moduleID, "score": score})
		s.pub.Publish(ctx, notify.Event{Type: notify.TypeQuizPassed, UserID: userID, ModuleID: moduleID, At: now})
	}
	s.log.Info("quiz submitted", "user", userID, "module", moduleID, "score", score, "passed", passed, "points_awarded", awarded)

	return &QuizResult{Success: true, Passed: passed, Message: msg, PointsAwarded: awarded, SubmodulesUnlocked: unlocked}, nil
}

// GetCourseProgress returns nil without error when no record exists yet.
func (s *Service) GetCourseProgress(ctx context.Context, userID, courseID string) (*CourseProgress, error) {
	p, err := s.store.GetCourseProgress(ctx, userID, courseID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// GetModuleProgress returns nil without error when no enrollment exists yet.
func (s *Service) GetModuleProgress(ctx context.Context, userID, moduleID string) (*ModuleEnrollment, error) {
	e, err := s.store.GetEnrollment(ctx, userID, moduleID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// PointsSummary returns the running total plus the most recent awards.
func (s *Service) PointsSummary(ctx context.Context, userID string, limit int) (int, []*LedgerEntry, error) {
	total, err := s.store.PointsTotal(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	recent, err := s.store.RecentLedger(ctx, userID, limit)
	if err != nil {
		return 0, nil, err
	}
	return total, recent, nil
}

// UpsertExam validates and stores an exam definition (instructor path).
func (s *Service) UpsertExam(ctx context.Context, ex *Exam) error {
	if ex.ID == "" {
		return fmt.Errorf("%w: exam id required", ErrInvalidArgument)
	}
	s.applyExamDefaults(ex)
	if err := ValidateExam(ex); err != nil {
		return err
	}
	return s.store.PutExam(ctx, ex)
}

func (s *Service) resolveExam(ctx context.Context, moduleID, lessonID, courseID string) (*Exam, error) {
	if courseID != "" {
		return s.store.GetExamByCourse(ctx, courseID)
	}
	if moduleID != "" && lessonID != "" {
		return s.store.GetExamByLesson(ctx, moduleID, lessonID)
	}
	return nil, fmt.Errorf("%w: course or module+lesson required", ErrInvalidArgument)
}

func (s *Service) applyExamDefaults(ex *Exam) {
	if ex.PassingScore <= 0 {
		ex.PassingScore = s.cfg.DefaultPassingScore
	}
	if ex.CooldownMinutes <= 0 {
		ex.CooldownMinutes = s.cfg.DefaultCooldownMin
	}
	if ex.AllowedAttempts == 0 {
		ex.AllowedAttempts = -1
	}
}

func (s *Service) appendEvent(ctx context.Context, typ, key string, data map[string]any) {
	if s.events == nil {
		return
	}
	payload, _ := json.Marshal(data)
	if err := s.events.Append(ctx, syncx.Event{Type: typ, Key: key, DataJSON: string(payload)}); err != nil {
		s.log.Warn("event append failed", "type", typ, "key", key, "err", err)
	}
}
