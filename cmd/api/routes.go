package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/taskrelay/backend/internal/chat"
	"github.com/taskrelay/backend/internal/ci"
	"github.com/taskrelay/backend/internal/config"
	"github.com/taskrelay/backend/internal/handlers"
	"github.com/taskrelay/backend/internal/middleware"
	"github.com/taskrelay/backend/internal/oracle"
	"github.com/taskrelay/backend/internal/router"
	"github.com/taskrelay/backend/internal/services"
)

// candidateStore is what the registry handlers and the performance tracker need.
type candidateStore interface {
	handlers.CandidateStore
	services.CandidateLedger
}

// stores bundles the record stores selected by STORE_TYPE.
type stores struct {
	Tasks      services.TaskStore
	Candidates candidateStore
}

// app is the wired service graph.
type app struct {
	Lifecycle *services.Lifecycle
	Sweeper   *services.Sweeper
	Handler   http.Handler
}

// buildApp wires collaborators, the lifecycle and the HTTP routes.
func buildApp(env *config.Env, st stores, logger *slog.Logger) (*app, error) {
	validator, err := services.NewValidator()
	if err != nil {
		return nil, err
	}

	var notifier services.Notifier = &chat.LogNotifier{Logger: logger}
	if env.ChatAPIURL != "" {
		notifier = chat.NewClient(env.ChatAPIURL, env.ChatToken)
	} else {
		logger.Warn("CHAT_API_URL not set, notifications are only logged")
	}

	var oracleClient *oracle.Client
	if env.OracleURL != "" {
		oracleClient = oracle.NewClient(env.OracleURL, env.OracleAPIKey)
	}

	pool := services.NewCandidatePool(st.Candidates, env.CandidatePoolLimit, env.CandidateCacheTTL)
	var ranker services.Ranker
	switch env.Strategy {
	case "oracle":
		ranker = services.NewOracleRanker(oracleClient, validator, env.ShortlistSize)
	default:
		ranker = services.NewWeightedRanker(services.MatchWeights{
			Skill:          env.SkillWeight,
			Availability:   env.AvailabilityWeight,
			Performance:    env.PerformanceWeight,
			ReferenceHours: env.ReferenceHours,
			MinScore:       env.MinScore,
		}, env.ShortlistSize)
	}
	matcher := services.NewMatcher(pool, ranker)

	var scorer services.ScoringOracle
	if oracleClient != nil {
		scorer = oracleClient
	} else {
		logger.Warn("ORACLE_URL not set, document submissions cannot be verified")
	}
	verifier := services.NewVerifier(ci.NewGitHubProvider(env.GitHubAPIURL, env.GitHubToken), scorer, validator, env.PassThreshold)

	lifecycle := services.NewLifecycle(st.Tasks, matcher, verifier, notifier, services.LifecycleConfig{
		DefaultMaxRetries:   env.MaxRetries,
		ExternalTimeout:     env.ExternalTimeout,
		VerifyStaleAfter:    env.VerifyStaleAfter,
		ArchiveAfter:        env.ArchiveAfter(),
		FinalReminderWindow: env.FinalReminderWindow,
	}, logger)
	lifecycle.Completions = services.NewPerformanceTracker(st.Candidates, pool)
	sweeper := services.NewSweeper(lifecycle, lifecycle, env.SweepConcurrency, logger)

	auth := middleware.NewTokenAuth(env.JWTSecret, 24*time.Hour)
	handler := router.New(router.Handlers{
		Tasks:      &handlers.TaskHandler{Lifecycle: lifecycle, Logger: logger},
		Candidates: &handlers.CandidateHandler{Store: st.Candidates, Pool: pool, Logger: logger},
		CI:         &handlers.CIHandler{Lifecycle: lifecycle, Logger: logger},
	}, auth, logger)

	return &app{Lifecycle: lifecycle, Sweeper: sweeper, Handler: handler}, nil
}
