package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/learnhall/learnhall-lms/internal/logger"
)

// Event is a progress-change notification for UI observers. Publication is
// fire-and-forget: a lost notification is recovered on the next read, so
// failures are logged and swallowed.
type Event struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	CourseID string    `json:"course_id,omitempty"`
	ModuleID string    `json:"module_id,omitempty"`
	ExamID   string    `json:"exam_id,omitempty"`
	At       time.Time `json:"at"`
}

const (
	TypeProgressUpdated    = "progress_updated"
	TypeCompletionEligible = "completion_eligible"
	TypeCourseCompleted    = "course_completed"
	TypeModuleCompleted    = "module_completed"
	TypeExamPassed         = "exam_passed"
	TypeQuizPassed         = "quiz_passed"
)

type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards everything. Used when Redis is not configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

func NewRedisPublisher(redisURL, channel string, log *logger.Logger) (*RedisPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client, channel: channel, log: log.With("component", "notify")}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("marshal event", "type", e.Type, "err", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Warn("publish event", "type", e.Type, "err", err)
	}
}

func (p *RedisPublisher) Close() error { return p.client.Close() }
