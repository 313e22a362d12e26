package progression

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryStore keeps everything in maps. Transact clones the state, applies
// the callback to the clone, and swaps it in on success, so a failed
// callback leaves nothing behind. Used in offline mode and tests.
type memoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	progress    map[string]*CourseProgress   // userID|courseID
	enrollments map[string]*ModuleEnrollment // userID|moduleID
	exams       map[string]*Exam
	results     map[string]*ExamResult // examID|userID
	ledger      []*LedgerEntry
	totals      map[string]int
}

func NewInMemoryStore() Store {
	return &memoryStore{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		progress:    map[string]*CourseProgress{},
		enrollments: map[string]*ModuleEnrollment{},
		exams:       map[string]*Exam{},
		results:     map[string]*ExamResult{},
		totals:      map[string]int{},
	}
}

func memKey(a, b string) string { return a + "|" + b }

func (m *memoryStore) Transact(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&memTx{state: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

type memTx struct{ state *memState }

func (t *memTx) AppendLedger(_ context.Context, e *LedgerEntry) error {
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	*e = cp
	t.state.ledger = append(t.state.ledger, &cp)
	t.state.totals[cp.UserID] += cp.Points
	return nil
}

// Read/write ops delegate to the state snapshot; the non-transactional
// methods on memoryStore take the lock themselves.

func (t *memTx) GetCourseProgress(_ context.Context, userID, courseID string) (*CourseProgress, error) {
	return t.state.getCourseProgress(userID, courseID)
}
func (t *memTx) PutCourseProgress(_ context.Context, p *CourseProgress) error {
	return t.state.putCourseProgress(p)
}
func (t *memTx) ListModuleCourseProgress(_ context.Context, userID, moduleID string) ([]*CourseProgress, error) {
	return t.state.listModuleCourseProgress(userID, moduleID)
}
func (t *memTx) GetEnrollment(_ context.Context, userID, moduleID string) (*ModuleEnrollment, error) {
	return t.state.getEnrollment(userID, moduleID)
}
func (t *memTx) PutEnrollment(_ context.Context, e *ModuleEnrollment) error {
	return t.state.putEnrollment(e)
}
func (t *memTx) PutExam(_ context.Context, ex *Exam) error { return t.state.putExam(ex) }
func (t *memTx) GetExam(_ context.Context, id string) (*Exam, error) {
	return t.state.getExam(id)
}
func (t *memTx) GetExamByCourse(_ context.Context, courseID string) (*Exam, error) {
	return t.state.getExamByCourse(courseID)
}
func (t *memTx) GetExamByLesson(_ context.Context, moduleID, lessonID string) (*Exam, error) {
	return t.state.getExamByLesson(moduleID, lessonID)
}
func (t *memTx) GetExamResult(_ context.Context, examID, userID string) (*ExamResult, error) {
	return t.state.getExamResult(examID, userID)
}
func (t *memTx) PutExamResult(_ context.Context, r *ExamResult) error {
	return t.state.putExamResult(r)
}
func (t *memTx) PointsTotal(_ context.Context, userID string) (int, error) {
	return t.state.totals[userID], nil
}
func (t *memTx) RecentLedger(_ context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	return t.state.recentLedger(userID, limit)
}

func (m *memoryStore) GetCourseProgress(_ context.Context, userID, courseID string) (*CourseProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getCourseProgress(userID, courseID)
}

func (m *memoryStore) PutCourseProgress(_ context.Context, p *CourseProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.putCourseProgress(p)
}

func (m *memoryStore) ListModuleCourseProgress(_ context.Context, userID, moduleID string) ([]*CourseProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listModuleCourseProgress(userID, moduleID)
}

func (m *memoryStore) GetEnrollment(_ context.Context, userID, moduleID string) (*ModuleEnrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getEnrollment(userID, moduleID)
}

func (m *memoryStore) PutEnrollment(_ context.Context, e *ModuleEnrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.putEnrollment(e)
}

func (m *memoryStore) PutExam(_ context.Context, ex *Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.putExam(ex)
}

func (m *memoryStore) GetExam(_ context.Context, id string) (*Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getExam(id)
}

func (m *memoryStore) GetExamByCourse(_ context.Context, courseID string) (*Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getExamByCourse(courseID)
}

func (m *memoryStore) GetExamByLesson(_ context.Context, moduleID, lessonID string) (*Exam, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getExamByLesson(moduleID, lessonID)
}

func (m *memoryStore) GetExamResult(_ context.Context, examID, userID string) (*ExamResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getExamResult(examID, userID)
}

func (m *memoryStore) PutExamResult(_ context.Context, r *ExamResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.putExamResult(r)
}

func (m *memoryStore) PointsTotal(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.totals[userID], nil
}

func (m *memoryStore) RecentLedger(_ context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.recentLedger(userID, limit)
}

// ---- state ops ----

func (s *memState) getCourseProgress(userID, courseID string) (*CourseProgress, error) {
	p, ok := s.progress[memKey(userID, courseID)]
	if !ok {
		return nil, fmt.Errorf("%w: course progress %s/%s", ErrNotFound, userID, courseID)
	}
	cp := *p
	return &cp, nil
}

// putCourseProgress merges monotonically with any existing row, mirroring
// the SQL upsert: watched_pct and completed never regress, completed_at
// keeps its first value.
func (s *memState) putCourseProgress(p *CourseProgress) error {
	cp := *p
	if prev, ok := s.progress[memKey(p.UserID, p.CourseID)]; ok {
		if prev.WatchedPct > cp.WatchedPct {
			cp.WatchedPct = prev.WatchedPct
		}
		if prev.Completed {
			cp.Completed = true
		}
		if prev.CompletedAt != nil {
			cp.CompletedAt = prev.CompletedAt
		}
	}
	s.progress[memKey(p.UserID, p.CourseID)] = &cp
	return nil
}

func (s *memState) listModuleCourseProgress(userID, moduleID string) ([]*CourseProgress, error) {
	var out []*CourseProgress
	for _, p := range s.progress {
		if p.UserID == userID && p.ModuleID == moduleID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseID < out[j].CourseID })
	return out, nil
}

func (s *memState) getEnrollment(userID, moduleID string) (*ModuleEnrollment, error) {
	e, ok := s.enrollments[memKey(userID, moduleID)]
	if !ok {
		return nil, fmt.Errorf("%w: enrollment %s/%s", ErrNotFound, userID, moduleID)
	}
	cp := *e
	return &cp, nil
}

// putEnrollment applies the same monotonic merge as the SQL upsert:
// completed, submodules_unlocked and the best quiz score never regress.
func (s *memState) putEnrollment(e *ModuleEnrollment) error {
	cp := *e
	if prev, ok := s.enrollments[memKey(e.UserID, e.ModuleID)]; ok {
		if prev.Completed {
			cp.Completed = true
		}
		if prev.CompletedAt != nil {
			cp.CompletedAt = prev.CompletedAt
		}
		if prev.SubmodulesUnlocked {
			cp.SubmodulesUnlocked = true
		}
		if prev.QuizScore != nil && (cp.QuizScore == nil || *prev.QuizScore > *cp.QuizScore) {
			sc := *prev.QuizScore
			cp.QuizScore = &sc
		}
	}
	s.enrollments[memKey(e.UserID, e.ModuleID)] = &cp
	return nil
}

func (s *memState) putExam(ex *Exam) error {
	if ex.CreatedAt == 0 {
		ex.CreatedAt = time.Now().Unix()
	}
	cp := *ex
	s.exams[ex.ID] = &cp
	return nil
}

func (s *memState) getExam(id string) (*Exam, error) {
	ex, ok := s.exams[id]
	if !ok {
		return nil, fmt.Errorf("%w: exam %s", ErrNotFound, id)
	}
	cp := *ex
	return &cp, nil
}

func (s *memState) getExamByCourse(courseID string) (*Exam, error) {
	var best *Exam
	for _, ex := range s.exams {
		if ex.CourseID != courseID {
			continue
		}
		if best == nil || ex.CreatedAt > best.CreatedAt {
			best = ex
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: exam for course %s", ErrNotFound, courseID)
	}
	cp := *best
	return &cp, nil
}

func (s *memState) getExamByLesson(moduleID, lessonID string) (*Exam, error) {
	var best *Exam
	for _, ex := range s.exams {
		if ex.ModuleID != moduleID || ex.LessonID != lessonID {
			continue
		}
		if best == nil || ex.CreatedAt > best.CreatedAt {
			best = ex
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: exam for lesson %s/%s", ErrNotFound, moduleID, lessonID)
	}
	cp := *best
	return &cp, nil
}

func (s *memState) getExamResult(examID, userID string) (*ExamResult, error) {
	r, ok := s.results[memKey(examID, userID)]
	if !ok {
		return nil, fmt.Errorf("%w: exam result %s/%s", ErrNotFound, examID, userID)
	}
	cp := *r
	return &cp, nil
}

func (s *memState) putExamResult(r *ExamResult) error {
	cp := *r
	s.results[memKey(r.ExamID, r.UserID)] = &cp
	return nil
}

func (s *memState) recentLedger(userID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*LedgerEntry
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		if s.ledger[i].UserID == userID {
			cp := *s.ledger[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memState) clone() *memState {
	next := newMemState()
	for k, v := range s.progress {
		cp := *v
		next.progress[k] = &cp
	}
	for k, v := range s.enrollments {
		cp := *v
		next.enrollments[k] = &cp
	}
	for k, v := range s.exams {
		cp := *v
		next.exams[k] = &cp
	}
	for k, v := range s.results {
		cp := *v
		next.results[k] = &cp
	}
	next.ledger = append(next.ledger, s.ledger...)
	for k, v := range s.totals {
		next.totals[k] = v
	}
	return next
}
