package progression

import "time"

// CourseProgress is one learner's consumption state for one course's video
// content. WatchedPct is stored as a monotonic max so out-of-order heartbeats
// from concurrent tabs cannot regress it.
type CourseProgress struct {
	UserID       string     `json:"user_id"`
	CourseID     string     `json:"course_id"`
	ModuleID     string     `json:"module_id,omitempty"`
	WatchedPct   int        `json:"watched_pct"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastAccessed time.Time  `json:"last_accessed"`
}

// ModuleEnrollment is the derived aggregate of a learner's standing within a
// module. ProgressPct is always recomputed from the child course rows and
// never authored directly. Completed and SubmodulesUnlocked only ever
// transition to true.
type ModuleEnrollment struct {
	UserID             string     `json:"user_id"`
	ModuleID           string     `json:"module_id"`
	ProgressPct        int        `json:"progress_pct"`
	Completed          bool       `json:"completed"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	QuizScore          *int       `json:"quiz_score,omitempty"`
	SubmodulesUnlocked bool       `json:"submodules_unlocked"`
	LastAccessed       time.Time  `json:"last_accessed"`
}

type Question struct {
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
}

// Exam is an immutable-per-version assessment definition. It can be resolved
// either by the course it gates or by its (module, lesson) placement; both
// paths must yield the same definition for a given course.
type Exam struct {
	ID              string     `json:"id"`
	CourseID        string     `json:"course_id,omitempty"`
	ModuleID        string     `json:"module_id,omitempty"`
	LessonID        string     `json:"lesson_id,omitempty"`
	Title           string     `json:"title"`
	Questions       []Question `json:"questions"`
	PassingScore    int        `json:"passing_score"`    // percentage
	CooldownMinutes int        `json:"cooldown_minutes"` // retry wait after a fail
	AllowedAttempts int        `json:"allowed_attempts"` // -1 = unlimited
	CreatedAt       int64      `json:"created_at,omitempty"`
}

// ExamResult is the single attempt-result record per (exam, user). Passed is
// monotonic; PassedAt is set on the first passing attempt and preserved
// across any later submissions.
type ExamResult struct {
	ExamID        string     `json:"exam_id"`
	UserID        string     `json:"user_id"`
	Attempts      int        `json:"attempts"`
	LastScore     int        `json:"last_score"`
	Passed        bool       `json:"passed"`
	PassedAt      *time.Time `json:"passed_at,omitempty"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	CanRetryAt    *time.Time `json:"can_retry_at,omitempty"`
	Answers       []int      `json:"answers,omitempty"` // most recent submission
}

// Ledger reason codes.
const (
	ReasonExamFirstPass     = "exam_first_pass"
	ReasonFirstAttemptBonus = "exam_first_attempt_bonus"
	ReasonQuizPass          = "quiz_pass"
)

// LedgerEntry is one append-only points award. Ref carries the exam or
// module the award belongs to.
type LedgerEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Points    int       `json:"points"`
	Reason    string    `json:"reason"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GradeResult is the outcome of grading one answer set against an exam.
type GradeResult struct {
	Score            int   `json:"score"`
	Passed           bool  `json:"passed"`
	CorrectCount     int   `json:"correct_count"`
	TotalQuestions   int   `json:"total_questions"`
	IncorrectIndices []int `json:"incorrect_indices"`
}

// SubmitExamResult is what the facade returns from a scored submission.
type SubmitExamResult struct {
	GradeResult
	PointsAwarded int        `json:"points_awarded"`
	CanRetryAt    *time.Time `json:"can_retry_at,omitempty"`
}

// CompletionResult reports the outcome of an explicit completion request.
// Not-yet-eligible is an expected condition, not an error.
type CompletionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// QuizResult reports the outcome of a module quiz submission.
type QuizResult struct {
	Success            bool   `json:"success"`
	Passed             bool   `json:"passed"`
	Message            string `json:"message"`
	PointsAwarded      int    `json:"points_awarded"`
	SubmodulesUnlocked bool   `json:"submodules_unlocked"`
}
