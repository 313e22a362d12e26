package progression

import (
	"context"
	"errors"
	"time"
)

// recomputeEnrollment rederives a module enrollment from its child course
// rows. Percentage is 100*completed/total; with no child rows nothing is
// written and the enrollment is returned exactly as read (nil when absent).
// The completed flag is monotonic: once a module is complete it stays
// complete even if a child row were to change, and CompletedAt is written
// only on the first transition.
func recomputeEnrollment(ctx context.Context, rec Records, userID, moduleID string, now time.Time) (*ModuleEnrollment, error) {
	children, err := rec.ListModuleCourseProgress(ctx, userID, moduleID)
	if err != nil {
		return nil, err
	}

	enr, err := rec.GetEnrollment(ctx, userID, moduleID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		enr = nil
	}

	total := len(children)
	if total == 0 {
		return enr, nil
	}
	if enr == nil {
		enr = &ModuleEnrollment{UserID: userID, ModuleID: moduleID}
	}

	completed := 0
	for _, c := range children {
		if c.Completed {
			completed++
		}
	}

	pct := 100 * completed / total
	enr.ProgressPct = pct
	if pct == 100 && !enr.Completed {
		enr.Completed = true
		at := now.UTC()
		enr.CompletedAt = &at
	}
	enr.LastAccessed = now.UTC()

	if err := rec.PutEnrollment(ctx, enr); err != nil {
		return nil, err
	}
	return enr, nil
}
