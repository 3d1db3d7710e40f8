// Package server exposes the orchestration daemon's HTTP API. Workers
// and reviewers report back through completion webhooks; operators use
// the same API to create runs, inspect the admission guard, and drain
// the escalation queue.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/karlmjogila/swarmops-sub006/internal/errors"
	"github.com/karlmjogila/swarmops-sub006/internal/escalation"
	"github.com/karlmjogila/swarmops-sub006/internal/logging"
	"github.com/karlmjogila/swarmops-sub006/internal/merge"
	"github.com/karlmjogila/swarmops-sub006/internal/review"
	"github.com/karlmjogila/swarmops-sub006/internal/runner"
	"github.com/karlmjogila/swarmops-sub006/internal/spawnguard"
	"github.com/karlmjogila/swarmops-sub006/internal/telemetry"
	"github.com/karlmjogila/swarmops-sub006/internal/workstate"
)

// resolverStepOrder is the sentinel step order conflict-resolution
// agents report with. It routes the webhook to the resolver path
// instead of the normal step path.
const resolverStepOrder = -1

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string
}

// Server wires the orchestration components behind an echo router.
type Server struct {
	echo        *echo.Echo
	runner      *runner.Runner
	reviews     *review.Chain
	merger      *merge.Merger
	guard       *spawnguard.Guard
	escalations *escalation.Store
	logger      *logging.Logger
	config      Config
}

// NewServer creates the HTTP server. All component references are
// required except the logger.
func NewServer(rn *runner.Runner, reviews *review.Chain, merger *merge.Merger, guard *spawnguard.Guard, escalations *escalation.Store, logger *logging.Logger, cfg Config) (*Server, error) {
	if rn == nil {
		return nil, errors.NewValidationError("runner is required")
	}
	if guard == nil {
		return nil, errors.NewValidationError("spawn guard is required")
	}
	if escalations == nil {
		return nil, errors.NewValidationError("escalation store is required")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 7430
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:        e,
		runner:      rn,
		reviews:     reviews,
		merger:      merger,
		guard:       guard,
		escalations: escalations,
		logger:      logger.WithComponent("server"),
		config:      cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.observe)

	s.registerRoutes()
	return s, nil
}

// observe logs every request and records the HTTP metrics.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		duration := time.Since(start)
		status := strconv.Itoa(c.Response().Status)
		path := c.Path()
		if path == "" {
			path = c.Request().URL.Path
		}

		telemetry.RequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
		telemetry.RequestDuration.WithLabelValues(c.Request().Method, path, status).Observe(duration.Seconds())

		s.logger.Info("http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration_ms", duration.Milliseconds(),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		return nil
	}
}

// auth rejects /api requests without the configured bearer token.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.AuthToken == "" {
			return next(c)
		}
		if c.Request().Header.Get("Authorization") != "Bearer "+s.config.AuthToken {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		}
		return next(c)
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1", s.auth)

	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/start", s.handleStartRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)

	v1.POST("/runs/:id/steps/complete", s.handleStepComplete)
	v1.POST("/runs/:id/phases/:phase/merge", s.handleMergePhase)
	v1.POST("/runs/:id/phases/:phase/review", s.handleTriggerReview)
	v1.POST("/runs/:id/phases/:phase/review/complete", s.handleReviewComplete)
	v1.POST("/runs/:id/phases/:phase/fix/complete", s.handleFixComplete)

	v1.GET("/spawn-guard", s.handleGuardState)
	v1.POST("/spawn-guard/reset", s.handleGuardReset)

	v1.GET("/escalations", s.handleListEscalations)
	v1.POST("/escalations", s.handleFileEscalation)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// CreateRunRequest is the body for POST /api/v1/runs.
type CreateRunRequest struct {
	RunID         string        `json:"run_id"`
	PipelineID    string        `json:"pipeline_id"`
	RepoDir       string        `json:"repo_dir"`
	BaseBranch    string        `json:"base_branch"`
	Steps         []runner.Step `json:"steps"`
	StopOnFailure bool          `json:"stop_on_failure"`
	// Start dispatches the first worker immediately.
	Start bool `json:"start"`
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	run, err := s.runner.CreateRun(req.RunID, req.PipelineID, req.RepoDir, req.BaseBranch, req.Steps, req.StopOnFailure)
	if err != nil {
		return s.domainError(err)
	}
	if req.Start {
		if _, err := s.runner.StartRun(c.Request().Context(), run.RunID); err != nil {
			return s.domainError(err)
		}
		run, err = s.runner.GetRun(run.RunID)
		if err != nil {
			return s.domainError(err)
		}
	}
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	return c.JSON(http.StatusOK, s.runner.ListRuns())
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.runner.GetRun(c.Param("id"))
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleStartRun(c echo.Context) error {
	step, err := s.runner.StartRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, step)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	run, err := s.runner.CancelRun(c.Param("id"))
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// StepCompleteRequest is the completion webhook body. A step order of -1
// marks a conflict-resolver completion rather than a pipeline step.
type StepCompleteRequest struct {
	StepOrder int    `json:"step_order"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleStepComplete(c echo.Context) error {
	var req StepCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	runID := c.Param("id")

	if req.StepOrder == resolverStepOrder {
		out, err := s.runner.OnResolverComplete(c.Request().Context(), runID, req.Success, req.Error)
		if err != nil {
			return s.domainError(err)
		}
		return c.JSON(http.StatusOK, out)
	}

	comp, err := s.runner.OnStepComplete(c.Request().Context(), runID, req.StepOrder, runner.StepResult{
		Success: req.Success,
		Output:  req.Output,
		Error:   req.Error,
	})
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, comp)
}

// MergePhaseRequest is the body for the phase-merge trigger.
type MergePhaseRequest struct {
	PhaseName      string `json:"phase_name,omitempty"`
	ProjectContext string `json:"project_context,omitempty"`
}

// TriggerReviewRequest starts a review chain for a merged phase.
type TriggerReviewRequest struct {
	PhaseName string `json:"phase_name,omitempty"`
}

func (s *Server) handleMergePhase(c echo.Context) error {
	if s.merger == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "merge is not configured")
	}
	phase, err := s.phaseParam(c)
	if err != nil {
		return err
	}
	var req MergePhaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.merger.MergePhaseWithReview(c.Request().Context(), c.Param("id"), phase, req.PhaseName, req.ProjectContext)
	if err != nil {
		// A capped-out conflict carries the escalation in the result.
		if errors.Is(err, errors.ErrMergeConflict) && res.EscalationID != "" {
			return c.JSON(http.StatusConflict, res)
		}
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ReviewCompleteRequest carries a reviewer's verdict.
type ReviewCompleteRequest struct {
	Decision        string `json:"decision"`
	FixInstructions string `json:"fix_instructions,omitempty"`
}

func (s *Server) handleTriggerReview(c echo.Context) error {
	if s.merger == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "merge is not configured")
	}
	phase, err := s.phaseParam(c)
	if err != nil {
		return err
	}
	var req TriggerReviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := s.merger.TriggerReview(c.Request().Context(), c.Param("id"), phase, req.PhaseName)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"session_key": session})
}

func (s *Server) handleReviewComplete(c echo.Context) error {
	if s.reviews == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "review is not configured")
	}
	phase, err := s.phaseParam(c)
	if err != nil {
		return err
	}
	var req ReviewCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	decision := review.Decision(req.Decision)
	switch decision {
	case review.DecisionApprove, review.DecisionFix, review.DecisionEscalate:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown decision %q", req.Decision))
	}

	out, err := s.reviews.RecordDecision(c.Request().Context(), c.Param("id"), phase, decision, req.FixInstructions)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// FixCompleteRequest reports how a fixer agent ended.
type FixCompleteRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleFixComplete(c echo.Context) error {
	if s.reviews == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "review is not configured")
	}
	phase, err := s.phaseParam(c)
	if err != nil {
		return err
	}
	var req FixCompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	out, err := s.reviews.OnFixerComplete(c.Request().Context(), c.Param("id"), phase, req.Success, req.Error)
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGuardState(c echo.Context) error {
	return c.JSON(http.StatusOK, s.guard.GetState())
}

func (s *Server) handleGuardReset(c echo.Context) error {
	s.guard.Reset()
	return c.JSON(http.StatusOK, s.guard.GetState())
}

func (s *Server) handleListEscalations(c echo.Context) error {
	if runID := c.QueryParam("run"); runID != "" {
		return c.JSON(http.StatusOK, s.escalations.ListByRun(runID))
	}
	return c.JSON(http.StatusOK, s.escalations.List())
}

// FileEscalationRequest is the body for POST /api/v1/escalations. Agents
// and operators use it to flag a problem the pipeline did not surface on
// its own.
type FileEscalationRequest struct {
	RunID       string `json:"run_id"`
	PipelineID  string `json:"pipeline_id"`
	StepOrder   int    `json:"step_order"`
	PhaseNumber int    `json:"phase_number"`
	RoleID      string `json:"role_id"`
	RoleName    string `json:"role_name"`
	Error       string `json:"error"`
	Severity    string `json:"severity"`
	ProjectDir  string `json:"project_dir"`
}

func (s *Server) handleFileEscalation(c echo.Context) error {
	var req FileEscalationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	rec, err := s.escalations.Create(escalation.CreateRequest{
		RunID:       req.RunID,
		PipelineID:  req.PipelineID,
		StepOrder:   req.StepOrder,
		PhaseNumber: req.PhaseNumber,
		RoleID:      req.RoleID,
		RoleName:    req.RoleName,
		Error:       req.Error,
		Severity:    escalation.Severity(req.Severity),
		ProjectDir:  req.ProjectDir,
	})
	if err != nil {
		return s.domainError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) phaseParam(c echo.Context) (int, error) {
	phase, err := strconv.Atoi(c.Param("phase"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "phase must be an integer")
	}
	return phase, nil
}

// domainError maps component errors onto HTTP status codes.
func (s *Server) domainError(err error) error {
	var status int
	switch {
	case errors.IsAdmissionRejection(err):
		status = http.StatusTooManyRequests
	case errors.Is(err, errors.ErrRunNotFound),
		errors.Is(err, errors.ErrStepNotFound),
		errors.Is(err, errors.ErrPhaseNotFound),
		errors.Is(err, errors.ErrNoResolver):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrDuplicateTask),
		errors.Is(err, errors.ErrTaskAlreadyCompleted),
		errors.Is(err, errors.ErrReviewClosed):
		status = http.StatusConflict
	default:
		var notFound *errors.NotFoundError
		var exists *errors.AlreadyExistsError
		var invalid *errors.ValidationError
		var transition *workstate.InvalidTransitionError
		switch {
		case errors.As(err, &notFound):
			status = http.StatusNotFound
		case errors.As(err, &exists):
			status = http.StatusConflict
		case errors.As(err, &invalid):
			status = http.StatusBadRequest
		case errors.As(err, &transition):
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err.Error())
	}
	return echo.NewHTTPError(status, err.Error())
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", "addr", addr)
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
