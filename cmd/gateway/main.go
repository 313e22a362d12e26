package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	api "github.com/learnhall/learnhall-lms/internal/api/http"
	auth "github.com/learnhall/learnhall-lms/internal/auth/middleware"
	"github.com/learnhall/learnhall-lms/internal/config"
	"github.com/learnhall/learnhall-lms/internal/db"
	"github.com/learnhall/learnhall-lms/internal/logger"
	"github.com/learnhall/learnhall-lms/internal/notify"
	"github.com/learnhall/learnhall-lms/internal/progression"
	"github.com/learnhall/learnhall-lms/internal/rbac"
	"github.com/learnhall/learnhall-lms/internal/syncx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	log, err := logger.New(string(cfg.Mode))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// --- Store ---
	var (
		store  progression.Store
		opts   []progression.Option
		authDB *sql.DB
	)
	if cfg.DBDriver == "memory" {
		store = progression.NewInMemoryStore()
	} else {
		dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
		if err != nil {
			log.Fatal("db open failed", "err", err)
		}
		store = progression.NewSQLStore(dbh, cfg.DBDriver)
		opts = append(opts, progression.WithEvents(syncx.NewEventRepo(dbh)))
		authDB = dbh
	}

	// --- Change notifications (optional) ---
	if cfg.RedisURL != "" {
		pub, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.EventChannel, log)
		if err != nil {
			log.Fatal("redis connect failed", "err", err)
		}
		defer pub.Close()
		opts = append(opts, progression.WithNotifier(pub))
	}

	opts = append(opts, progression.WithLogger(log))
	svc := progression.NewService(store, progression.Config{
		CompletionThresholdPct: cfg.CompletionThresholdPct,
		DefaultPassingScore:    cfg.DefaultPassingScore,
		DefaultCooldownMin:     cfg.DefaultCooldownMin,
		QuizPassingScore:       cfg.QuizPassingScore,
		ExamBaseAward:          cfg.ExamBaseAward,
		FirstAttemptBonus:      cfg.FirstAttemptBonus,
		QuizAward:              cfg.QuizAward,
		Gates: progression.FeatureGates{
			ExamsEnabled:   cfg.ExamsEnabled,
			QuizzesEnabled: cfg.QuizzesEnabled,
		},
	}, opts...)

	authSvc := auth.NewAuthService(cfg.AuthSecret)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := cfg.CORSOriginsOffline
	if cfg.Mode == config.ModeOnline {
		origins = cfg.CORSOriginsOnline
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if authDB != nil {
		r.Post("/auth/login", auth.LoginHandler(authSvc, authDB))
	}

	// Protected API (JWT → role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))
		if authDB != nil {
			pr.Use(auth.AttachRoleFromDB(authDB, cfg.Mode == config.ModeOffline))
		}

		pr.With(rbac.Require("progress:track")).
			Post("/progress/track", api.TrackProgressHandler(svc))
		pr.With(rbac.Require("progress:complete")).
			Post("/progress/complete", api.MarkCompleteHandler(svc))

		pr.With(rbac.RequireOwnerOr("progress:view-all", api.RequestIsForSelf)).
			Get("/progress/courses/{courseID}", api.GetCourseProgressHandler(svc))
		pr.With(rbac.RequireOwnerOr("progress:view-all", api.RequestIsForSelf)).
			Get("/progress/modules/{moduleID}", api.GetModuleProgressHandler(svc))

		pr.With(rbac.Require("exam:submit")).
			Post("/exams/submit", api.SubmitExamHandler(svc))
		pr.With(rbac.Require("exam:practice")).
			Post("/exams/practice", api.PracticeExamHandler(svc))
		pr.With(rbac.Require("quiz:submit")).
			Post("/quizzes/submit", api.SubmitQuizHandler(svc))

		pr.With(rbac.Require("exam:create")).
			Put("/exams/{examID}", api.UpsertExamHandler(svc))

		pr.With(rbac.RequireOwnerOr("points:view-all", api.RequestIsForSelf)).
			Get("/points", api.PointsHandler(svc))
	})

	log.Info("gateway listening", "addr", cfg.HTTPAddr, "driver", cfg.DBDriver, "mode", cfg.Mode)
	if err := http.ListenAndServe(cfg.HTTPAddr, r); err != nil {
		log.Fatal("server stopped", "err", err)
	}
}
