package progression

import "context"

// Records is the record surface shared by the store and its transactional
// view. Absent records come back as ErrNotFound.
type Records interface {
	GetCourseProgress(ctx context.Context, userID, courseID string) (*CourseProgress, error)
	PutCourseProgress(ctx context.Context, p *CourseProgress) error
	ListModuleCourseProgress(ctx context.Context, userID, moduleID string) ([]*CourseProgress, error)

	GetEnrollment(ctx context.Context, userID, moduleID string) (*ModuleEnrollment, error)
	PutEnrollment(ctx context.Context, e *ModuleEnrollment) error

	PutExam(ctx context.Context, ex *Exam) error
	GetExam(ctx context.Context, id string) (*Exam, error)
	GetExamByCourse(ctx context.Context, courseID string) (*Exam, error)
	GetExamByLesson(ctx context.Context, moduleID, lessonID string) (*Exam, error)

	GetExamResult(ctx context.Context, examID, userID string) (*ExamResult, error)
	PutExamResult(ctx context.Context, r *ExamResult) error

	PointsTotal(ctx context.Context, userID string) (int, error)
	RecentLedger(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error)
}

// Tx is the view handed to Transact callbacks. AppendLedger writes the
// append-only award entry and bumps the running total in the same
// transaction.
type Tx interface {
	Records
	AppendLedger(ctx context.Context, e *LedgerEntry) error
}

// Store is the persistence collaborator. Transact runs fn atomically:
// either every write inside commits or none do. Implementations retry
// conflicting transactions a bounded number of times before surfacing
// ErrConflict.
type Store interface {
	Records
	Transact(ctx context.Context, fn func(tx Tx) error) error
}
