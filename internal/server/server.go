// Package server exposes inspection, planning and fusion of one loaded model
// over HTTP.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/smelt/internal/awq"
	"github.com/samcharles93/smelt/internal/fuse"
	"github.com/samcharles93/smelt/internal/fused"
	"github.com/samcharles93/smelt/internal/logger"
	"github.com/samcharles93/smelt/internal/metrics"
	"github.com/samcharles93/smelt/internal/model"
	"github.com/samcharles93/smelt/internal/tensor"
)

type Config struct {
	Model   *model.CausalLM
	Fuser   *fuse.Fuser
	Metrics *metrics.Metrics
	Logger  logger.Logger
	// OutputDir is where POST /v1/fuse writes the fused checkpoint when the
	// request asks for it. Empty disables writing.
	OutputDir string
}

// Server serialises access to its model; fusion holds the lock for the whole
// pass.
type Server struct {
	mu      sync.Mutex
	lm      *model.CausalLM
	fuser   *fuse.Fuser
	metrics *metrics.Metrics
	log     logger.Logger
	outDir  string
}

func New(cfg Config) *Server {
	s := &Server{
		lm:      cfg.Model,
		fuser:   cfg.Fuser,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		outDir:  cfg.OutputDir,
	}
	if s.fuser == nil {
		s.fuser = fuse.New(fuse.Options{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.GET("/v1/plan/:layer", s.handlePlan)
	e.POST("/v1/fuse", s.handleFuse)
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
}

type FuseRequest struct {
	// Write stores the fused checkpoint under the server's output dir.
	Write bool `json:"write"`
	// DType converts matrices on write (f32, f16, bf16).
	DType string `json:"dtype,omitempty"`
}

type FuseResponse struct {
	RunID     string `json:"run_id"`
	Blocks    int    `json:"blocks"`
	OutputDir string `json:"output_dir,omitempty"`
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, awq.Inspect(s.lm))
}

func (s *Server) handlePlan(c *echo.Context) error {
	idx, err := strconv.Atoi(c.Param("layer"))
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("invalid layer index %q", c.Param("layer")))
	}

	s.mu.Lock()
	plan, err := awq.PlanLayer(s.lm, idx)
	s.mu.Unlock()
	switch {
	case err == nil:
		for _, g := range plan.Groups {
			s.metrics.PlannedGroup(g.InputKey)
		}
		return c.JSON(http.StatusOK, plan)
	case errors.Is(err, awq.ErrLayerRange):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, awq.ErrNoDecoder):
		return writeError(c, http.StatusConflict, "conflict_error", err.Error())
	default:
		return writeError(c, http.StatusUnprocessableEntity, "unprocessable_error", err.Error())
	}
}

func (s *Server) handleFuse(c *echo.Context) error {
	req, err := decodeJSON[FuseRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	var dtype tensor.DType
	if req.DType != "" {
		if dtype, err = tensor.ParseDType(req.DType); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}
	if req.Write && s.outDir == "" {
		return writeBadRequest(c, "server has no output directory configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fuser.Apply(c.Request().Context(), s.lm); err != nil {
		s.log.Warn("fusion failed", "error", err)
		return writeFuseError(c, err)
	}
	fm := s.lm.Body.(*fused.Model)
	resp := FuseResponse{RunID: fm.RunID, Blocks: len(fm.Blocks)}

	if req.Write {
		err := fused.WriteCheckpoint(s.outDir, fm, fused.WriteOptions{
			Arch:   s.lm.Arch,
			Config: s.lm.Config,
			LMHead: s.lm.LMHead,
			DType:  dtype,
		})
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		resp.OutputDir = s.outDir
	}
	s.log.Info("model fused", "run_id", fm.RunID, "blocks", len(fm.Blocks))
	return c.JSON(http.StatusOK, resp)
}

func writeFuseError(c *echo.Context, err error) error {
	var (
		shapeErr   *fuse.ShapeError
		missingErr *fuse.MissingModuleError
		deviceErr  *fuse.DeviceMismatchError
		layerErr   *fuse.UnsupportedLayerError
	)
	switch {
	case errors.Is(err, fuse.ErrAlreadyFused):
		return writeError(c, http.StatusConflict, "conflict_error", err.Error())
	case errors.As(err, &shapeErr), errors.As(err, &missingErr),
		errors.As(err, &deviceErr), errors.As(err, &layerErr):
		return writeError(c, http.StatusUnprocessableEntity, "unprocessable_error", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}

type responseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": responseError{Message: msg, Type: errType},
	})
}

// decodeJSON decodes one JSON value; an empty body yields the zero value.
func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	body, err := io.ReadAll(r)
	if err != nil {
		return v, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}
