// Package server exposes a trained model over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/born-ml/flowvae/internal/checkpoint"
	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/vae"
)

// MaxBatch bounds the number of images in one request.
const MaxBatch = 256

// Server serves sampling, reconstruction and encoding requests for a model.
type Server[B tensor.Backend] struct {
	// mu serializes model access; the model and its noise are not safe for
	// concurrent use.
	mu    sync.Mutex
	model *vae.Model[B]
	info  checkpoint.Info

	logger *slog.Logger
}

// New returns a server for model. A nil logger uses slog.Default.
func New[B tensor.Backend](model *vae.Model[B], info checkpoint.Info, logger *slog.Logger) *Server[B] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server[B]{model: model, info: info, logger: logger}
}

// Routes returns the HTTP handler.
func (s *Server[B]) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "flowvae is running") })
	r.HEAD("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/health", s.HealthHandler)
	r.GET("/api/model", s.ModelHandler)
	r.POST("/api/sample", s.SampleHandler)
	r.POST("/api/reconstruct", s.ReconstructHandler)
	r.POST("/api/encode", s.EncodeHandler)
	return r
}

// Serve serves on ln until ctx is canceled, then shuts down gracefully.
func (s *Server[B]) Serve(ctx context.Context, ln net.Listener) error {
	srvr := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srvr.Serve(ln)
	}()
	s.logger.Info("listening", "addr", ln.Addr().String(), "run_id", s.info.RunID)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srvr.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server[B]) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)

		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(c.Request.Context(), level, "request",
			"id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server[B]) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server[B]) ModelHandler(c *gin.Context) {
	cfg := s.model.Config()
	resp := ModelResponse{
		RunID:            s.info.RunID,
		Epoch:            s.info.Epoch,
		InputDim:         cfg.InputDim,
		LatentDim:        cfg.LatentDim,
		Likelihood:       string(cfg.Likelihood),
		Parameterization: string(cfg.Parameterization),
		BitsPerDim:       s.info.BitsPerDim,
	}
	if flows := s.model.Flows(); flows != nil {
		for _, k := range flows.Kinds() {
			resp.Flow = append(resp.Flow, string(k))
		}
	}
	for _, p := range s.model.Parameters() {
		resp.Parameters += p.Tensor().Shape().NumElements()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server[B]) SampleHandler(c *gin.Context) {
	var req SampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Count <= 0 || req.Count > MaxBatch {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and 256"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	noise := s.model.Noise()
	if req.Seed != nil {
		noise = vae.NewNoise(*req.Seed)
	}
	images, err := s.model.Sample(req.Count, noise)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ImagesResponse{Images: dataset.Rows(images)})
}

func (s *Server[B]) ReconstructHandler(c *gin.Context) {
	x, ok := s.bindImages(c)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	images, err := s.model.Reconstruct(x)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ImagesResponse{Images: dataset.Rows(images)})
}

// EncodeHandler returns the posterior parameters and, in flow mode, the
// posterior mean pushed through the flow.
func (s *Server[B]) EncodeHandler(c *gin.Context) {
	x, ok := s.bindImages(c)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mu, sigma, err := s.model.Encode(x)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := EncodeResponse{Mu: dataset.Rows(mu), Sigma: dataset.Rows(sigma)}
	if s.model.HasFlow() {
		zk, err := s.model.Transform(mu)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Z = dataset.Rows(zk)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server[B]) bindImages(c *gin.Context) (*tensor.Tensor[float32, B], bool) {
	var req ImagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	switch {
	case len(req.Images) == 0:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "images are required"})
		return nil, false
	case len(req.Images) > MaxBatch:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "too many images"})
		return nil, false
	}

	x, err := dataset.FromRows(req.Images, s.model.Backend())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return x, true
}
