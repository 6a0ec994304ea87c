// Package service exposes the render worker over HTTP: one POST endpoint
// that loads a stored workflow, injects request parameters, dispatches the
// graph to the render engine, and streams the artifact back.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	daederrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/inject"
	"github.com/wehubfusion/Daedalus/pkg/mapping"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Dispatcher is the render engine surface the service depends on.
type Dispatcher interface {
	Run(ctx context.Context, workflowPath string) ([]byte, error)
	Health(ctx context.Context) error
}

// renderRequest is the POST body: a workflow name plus the flat argument set.
type renderRequest struct {
	Workflow string           `json:"workflow"`
	Args     inject.Arguments `json:"args"`
}

// Server wires the injection pipeline behind the HTTP API.
type Server struct {
	cfg       Config
	store     *workflow.Store
	loader    *mapping.Loader
	injector  *inject.Engine
	dispatch  Dispatcher
	publisher *events.Publisher
	blob      storage.BlobClient
	limiter   *concurrency.Limiter
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewServer builds the service. publisher and blob may be nil; the worker
// then runs without lifecycle events or artifact mirroring.
func NewServer(cfg Config, injector *inject.Engine, dispatch Dispatcher, publisher *events.Publisher, blob storage.BlobClient, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		store:     workflow.NewStore(cfg.WorkspaceRoot),
		loader:    mapping.NewLoader(cfg.WorkspaceRoot),
		injector:  injector,
		dispatch:  dispatch,
		publisher: publisher,
		blob:      blob,
		limiter:   concurrency.NewLimiter(cfg.MaxInputs),
		logger:    logger,
		tracer:    otel.Tracer("daedalus/service"),
	}
}

// Router assembles the gin engine with logging and recovery middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.accessLog(), gin.Recovery())
	r.POST("/", s.handleRender)
	r.GET("/healthz", s.handleHealth)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.dispatch.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRender(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "service.Render")
	defer span.End()

	var req renderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}
	if req.Workflow == "" {
		req.Workflow = s.cfg.DefaultWorkflow
	}

	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	span.SetAttributes(
		attribute.String("render.workflow", req.Workflow),
		attribute.String("render.request_id", requestID),
	)

	if err := s.limiter.Acquire(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker saturated"})
		return
	}
	defer s.limiter.Release()

	s.publisher.Accepted(requestID, req.Workflow)
	start := time.Now()

	artifact, warnings, err := s.render(ctx, requestID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.publisher.Failed(requestID, req.Workflow, err, time.Since(start))
		s.fail(c, requestID, req.Workflow, err)
		return
	}

	s.publisher.Completed(requestID, req.Workflow, len(warnings), time.Since(start))

	c.Header("X-Request-ID", requestID)
	if len(warnings) > 0 {
		reasons := make([]string, len(warnings))
		for i, w := range warnings {
			reasons[i] = w.String()
		}
		c.Header("X-Inject-Warnings", strings.Join(reasons, "; "))
	}
	c.Data(http.StatusOK, s.cfg.ArtifactContentType, artifact)
}

// render runs the full pipeline for one request: load, inject, stamp,
// dispatch, and optionally mirror the artifact to blob storage.
func (s *Server) render(ctx context.Context, requestID string, req renderRequest) ([]byte, []inject.Warning, error) {
	doc, err := s.store.Load(req.Workflow)
	if err != nil {
		return nil, nil, err
	}
	spec, err := s.loader.Load(req.Workflow)
	if err != nil {
		return nil, nil, err
	}

	injected, warnings, err := s.injector.Inject(ctx, doc, req.Args, spec)
	if err != nil {
		return nil, nil, err
	}

	// give the output artifact a unique id per client request
	injected.SetFieldByClass(engine.SaveNodeClass, graph.InputsGroup, "filename_prefix", requestID)

	workflowPath := filepath.Join(s.cfg.WorkDir, requestID+".json")
	encoded, err := injected.Encode()
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(workflowPath, encoded, 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to write workflow file: %w", err)
	}
	defer os.Remove(workflowPath)

	artifact, err := s.dispatch.Run(ctx, workflowPath)
	if err != nil {
		return nil, warnings, err
	}

	if s.cfg.UploadArtifacts && s.blob != nil {
		blobPath := fmt.Sprintf("renders/%s/%s", req.Workflow, requestID)
		if _, err := s.blob.Upload(ctx, blobPath, artifact, s.cfg.ArtifactContentType, map[string]string{
			"request_id": requestID,
			"workflow":   req.Workflow,
		}); err != nil {
			// mirroring is best-effort; the client still gets the artifact
			s.logger.Warn("Failed to mirror artifact to blob storage",
				zap.String("request_id", requestID),
				zap.Error(err))
		}
	}

	return artifact, warnings, nil
}

func (s *Server) fail(c *gin.Context, requestID, workflowName string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("workflow", workflowName)
			scope.SetTag("request_id", requestID)
			sentry.CaptureException(err)
		})
	}
	s.logger.Error("Render request failed",
		zap.String("request_id", requestID),
		zap.String("workflow", workflowName),
		zap.Int("status", status),
		zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error(), "request_id": requestID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, daederrors.ErrWorkflowNotFound),
		errors.Is(err, daederrors.ErrAssetNotFound):
		return http.StatusNotFound
	case errors.Is(err, daederrors.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, daederrors.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, daederrors.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
