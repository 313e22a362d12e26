package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.Mode != ModeOffline {
		t.Fatalf("default mode = %q", cfg.Mode)
	}
	if cfg.HTTPAddr != ":8080" || cfg.DBDriver != "sqlite" {
		t.Fatalf("defaults: addr=%q driver=%q", cfg.HTTPAddr, cfg.DBDriver)
	}
	if cfg.CompletionThresholdPct != 80 || cfg.QuizPassingScore != 70 {
		t.Fatalf("thresholds: %d / %d", cfg.CompletionThresholdPct, cfg.QuizPassingScore)
	}
	if cfg.ExamBaseAward != 40 || cfg.FirstAttemptBonus != 10 || cfg.QuizAward != 100 {
		t.Fatalf("awards: %d %d %d", cfg.ExamBaseAward, cfg.FirstAttemptBonus, cfg.QuizAward)
	}
	if !cfg.ExamsEnabled || !cfg.QuizzesEnabled {
		t.Fatalf("features default on: exams=%v quizzes=%v", cfg.ExamsEnabled, cfg.QuizzesEnabled)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MODE", "online")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("COMPLETION_THRESHOLD_PCT", "90")
	t.Setenv("ENABLE_QUIZZES", "false")
	t.Setenv("CORS_ORIGINS_ONLINE", "https://a.example, https://b.example")

	cfg := FromEnv()
	if cfg.Mode != ModeOnline || cfg.DBDriver != "postgres" {
		t.Fatalf("overrides: mode=%q driver=%q", cfg.Mode, cfg.DBDriver)
	}
	if cfg.CompletionThresholdPct != 90 {
		t.Fatalf("threshold override = %d", cfg.CompletionThresholdPct)
	}
	if cfg.QuizzesEnabled {
		t.Fatalf("ENABLE_QUIZZES=false not applied")
	}
	if len(cfg.CORSOriginsOnline) != 2 || cfg.CORSOriginsOnline[1] != "https://b.example" {
		t.Fatalf("csv parsing: %v", cfg.CORSOriginsOnline)
	}
}

func TestEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("QUIZ_PASSING_SCORE", "not-a-number")
	cfg := FromEnv()
	if cfg.QuizPassingScore != 70 {
		t.Fatalf("garbage int should fall back to default, got %d", cfg.QuizPassingScore)
	}
}
