package config

import (
	"os"
	"strconv"
	"strings"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string // sqlite|postgres|memory
	DBDSN    string

	RedisURL     string // empty disables change notifications
	EventChannel string

	AuthSecret string

	CORSOriginsOnline  []string
	CORSOriginsOffline []string

	// Engine tunables. Defaults mirror the course-delivery product rules.
	CompletionThresholdPct int // watched% required before a course may be completed
	DefaultPassingScore    int // exam passing score when the definition omits one
	DefaultCooldownMin     int // retry cooldown when the definition omits one
	QuizPassingScore       int // fixed quiz threshold, distinct from exams
	ExamBaseAward          int // points for first pass of an exam
	FirstAttemptBonus      int // extra points when the first pass is also the first attempt
	QuizAward              int // points for passing a module quiz

	ExamsEnabled   bool
	QuizzesEnabled bool
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		Mode:     mode,
		HTTPAddr: addr,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		RedisURL:     os.Getenv("REDIS_URL"),
		EventChannel: envOr("EVENT_CHANNEL", "learnhall.progress"),

		AuthSecret: envOr("AUTH_HMAC_SECRET", "supersecret-dev-key"),

		CORSOriginsOnline:  csvOr("CORS_ORIGINS_ONLINE", "https://app.learnhall.io"),
		CORSOriginsOffline: csvOr("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:3010"),

		CompletionThresholdPct: envInt("COMPLETION_THRESHOLD_PCT", 80),
		DefaultPassingScore:    envInt("DEFAULT_PASSING_SCORE", 80),
		DefaultCooldownMin:     envInt("DEFAULT_COOLDOWN_MIN", 5),
		QuizPassingScore:       envInt("QUIZ_PASSING_SCORE", 70),
		ExamBaseAward:          envInt("EXAM_BASE_AWARD", 40),
		FirstAttemptBonus:      envInt("FIRST_ATTEMPT_BONUS", 10),
		QuizAward:              envInt("QUIZ_AWARD", 100),

		ExamsEnabled:   envBool("ENABLE_EXAMS", true),
		QuizzesEnabled: envBool("ENABLE_QUIZZES", true),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
