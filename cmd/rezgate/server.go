package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fairwaylabs/rezgate/agent"
	"github.com/fairwaylabs/rezgate/config"
	"github.com/fairwaylabs/rezgate/courses"
	"github.com/fairwaylabs/rezgate/dispatch"
	"github.com/fairwaylabs/rezgate/internal/metrics"
	"github.com/fairwaylabs/rezgate/ledger"
	"github.com/fairwaylabs/rezgate/llm"
	"github.com/fairwaylabs/rezgate/llm/providers/anthropic"
	"github.com/fairwaylabs/rezgate/llm/ratelimit"
	"github.com/fairwaylabs/rezgate/llm/retry"
	"github.com/fairwaylabs/rezgate/llm/tokenizer"
	"github.com/fairwaylabs/rezgate/types"
)

// Server owns the HTTP surface and the wired component graph. Everything
// is constructed here and injected; no package holds global state.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	redis    *redis.Client
	provider *anthropic.Provider
	spend    *ledger.SpendLedger
	loop     *agent.Loop

	httpServer *http.Server
}

// NewServer wires the full component graph from config.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	stage := cfg.StageValue()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	collector := metrics.NewCollector("rezgate", prometheus.DefaultRegisterer)

	provider := anthropic.New(anthropic.Config{
		APIKey:            cfg.LLM.Anthropic.APIKey,
		BaseURL:           cfg.LLM.Anthropic.BaseURL,
		Timeout:           cfg.LLM.Anthropic.Timeout,
		MaxAttempts:       cfg.LLM.Anthropic.MaxAttempts,
		BaseDelay:         cfg.LLM.Anthropic.BaseDelay,
		MaxDelay:          cfg.LLM.Anthropic.MaxDelay,
		RequestsPerSecond: cfg.LLM.Anthropic.RequestsPerSecond,
	}, logger)

	bucket := ratelimit.NewTokenBucket(cfg.LLM.RateLimit.RequestsPerMinute, logger)
	governor := llm.NewGovernor(provider, bucket, llm.GovernorConfig{
		AcquireTimeout: cfg.LLM.RateLimit.AcquireTimeout,
		RetryPolicy: &retry.Policy{
			MaxRetries: cfg.LLM.Retry.MaxRetries,
			BaseDelay:  cfg.LLM.Retry.BaseDelay,
			MaxDelay:   cfg.LLM.Retry.MaxDelay,
		},
	}, collector, logger)

	store := ledger.NewRedisRecordStore(rdb, logger)
	spend := ledger.NewSpendLedger(ledger.Config{
		Stage:           stage,
		DailyCapUSD:     cfg.Ledger.DailyCapUSD,
		InputCostPer1K:  cfg.Ledger.InputCostPer1K,
		OutputCostPer1K: cfg.Ledger.OutputCostPer1K,
	}, store, collector, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Stream: cfg.Dispatch.ActionStream,
		Source: "agent",
		Stage:  stage,
	}, rdb, collector, logger)

	poller := dispatch.NewPoller(dispatch.PollerConfig{
		Stream:           cfg.Dispatch.ResponseStream,
		Group:            cfg.Dispatch.Group,
		Consumer:         cfg.Dispatch.Consumer,
		BlockInterval:    cfg.Dispatch.BlockInterval,
		StaleClaimIdle:   cfg.Dispatch.StaleClaimIdle,
		MaxDeliveries:    cfg.Dispatch.MaxDeliveries,
		DeadLetterStream: cfg.Dispatch.DeadLetterStream,
	}, rdb, collector, logger)

	catalog, err := courses.Load(cfg.Agent.CoursesFile)
	if err != nil {
		return nil, fmt.Errorf("load course catalog: %w", err)
	}

	sessions := agent.NewRedisSessionStore(rdb, cfg.Agent.SessionTTL, logger)

	loop := agent.NewLoop(agent.LoopConfig{
		Model:         cfg.LLM.Anthropic.Model,
		MaxTokens:     cfg.LLM.Anthropic.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
		PollWindow:    cfg.Dispatch.PollWindow,
	}, governor, spend, dispatcher, poller, sessions, agent.NewToolset(catalog), tokenizer.NewEstimator(""), logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "server")),
		redis:    rdb,
		provider: provider,
		spend:    spend,
		loop:     loop,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", s.handleAgent)
	mux.HandleFunc("/agent/usage", s.handleUsage)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return s.redis.Close()
	})

	return g.Wait()
}

type agentRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// handleAgent runs one conversation turn.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "invalid request body").WithHTTPStatus(http.StatusBadRequest))
		return
	}
	if req.Message == "" {
		s.writeError(w, types.NewError(types.ErrInvalidRequest, "message is required").WithHTTPStatus(http.StatusBadRequest))
		return
	}

	result, err := s.loop.HandleTurn(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.logger.Error("turn failed", zap.Error(err))
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleUsage reports the day's spend from the ledger.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report, err := s.spend.Usage(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleHealthz checks the dependencies this process cannot run without.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if err := s.redis.Ping(ctx).Err(); err != nil {
		status["status"] = "degraded"
		status["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var apiErr *types.Error
	if errors.As(err, &apiErr) && apiErr.HTTPStatus != 0 {
		code = apiErr.HTTPStatus
	}
	if apiErr == nil {
		apiErr = types.NewError(types.ErrInternalError, "internal error")
	}
	s.writeJSON(w, code, apiErr)
}
