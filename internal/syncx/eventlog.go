package syncx

import (
	"context"
	"database/sql"
	"time"
)

// Progression event types appended for downstream sync consumers.
const (
	TypeCourseCompleted = "CourseCompleted"
	TypeModuleCompleted = "ModuleCompleted"
	TypeExamPassed      = "ExamPassed"
	TypeQuizPassed      = "QuizPassed"
	TypePointsAwarded   = "PointsAwarded"
)

type Event struct {
	Offset    int64
	SiteID    string
	Type      string
	Key       string // natural key, e.g. userID:courseID
	DataJSON  string
	CreatedAt int64
}

// Sink receives events after the owning write has committed. Appends are
// best-effort; consumers reconcile from the offset.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

type EventRepo struct{ db *sql.DB }

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

func (r *EventRepo) Append(ctx context.Context, e Event) error {
	if e.SiteID == "" {
		e.SiteID = "local"
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		e.SiteID, e.Type, e.Key, e.DataJSON, time.Now().Unix())
	return err
}

// ReadFrom returns up to limit events with offset greater than after,
// oldest first.
func (r *EventRepo) ReadFrom(ctx context.Context, after int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT "offset", site_id, typ, key, data, created_at FROM event_log
		 WHERE "offset" > $1 ORDER BY "offset" LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Offset, &e.SiteID, &e.Type, &e.Key, &e.DataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
