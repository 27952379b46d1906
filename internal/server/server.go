// Package server exposes the scoring model over HTTP: health, single-image
// scoring in three encodings, and Prometheus metrics.
package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielpatrickdp/face-scorer/internal/infer"
	"github.com/danielpatrickdp/face-scorer/internal/score"
)

// #region metrics
var (
	scoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "face_scorer_requests_total",
		Help: "Scoring requests by route and outcome.",
	}, []string{"route", "outcome"})

	scoreDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "face_scorer_score_duration_seconds",
		Help:    "End-to-end scoring latency, decode through denormalize.",
		Buckets: prometheus.DefBuckets,
	})
)

// #endregion metrics

// #region server
// maxImageBytes bounds request bodies; a 224px pipeline never needs more.
const maxImageBytes = 20 << 20

// Server wires the inference context into a gin router.
type Server struct {
	ctx    *infer.Context
	engine *gin.Engine
}

// ScoreResponse is the scoring reply shape shared by every route.
type ScoreResponse struct {
	Scores       score.Record `json:"scores"`
	ModelVersion string       `json:"modelVersion"`
}

// New builds the router. CORS is wide open: the service sits behind an
// ingress that handles auth.
func New(ctx *infer.Context) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	s := &Server{ctx: ctx, engine: engine}

	engine.GET("/health", s.health)
	engine.POST("/score", s.scoreUpload)
	engine.POST("/score/base64", s.scoreBase64)
	engine.POST("/score/pair", s.scorePair)
	engine.POST("/score/pair-bytes", s.scorePairBytes)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Router returns the underlying handler, for http.Server and tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// #endregion server

// #region handlers
func (s *Server) health(c *gin.Context) {
	if !s.ctx.Ready() {
		// Try a lazy load so the first probe after training flips healthy.
		if err := s.ctx.Load(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"error":  "model not loaded",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"modelVersion": s.ctx.Version(),
	})
}

// scoreUpload accepts either a multipart file field "image" or the raw image
// bytes as the request body.
func (s *Server) scoreUpload(c *gin.Context) {
	data, err := imageFromRequest(c, "image")
	if err != nil {
		s.fail(c, "score", &infer.BadInputError{Err: err})
		return
	}
	s.respond(c, "score", data)
}

// scoreBase64 accepts a form field "data_url" holding either a bare base64
// payload or a full data URL.
func (s *Server) scoreBase64(c *gin.Context) {
	payload := c.PostForm("data_url")
	if payload == "" {
		s.fail(c, "score_base64", &infer.BadInputError{Err: errors.New("missing data_url field")})
		return
	}
	data, err := decodeDataURL(payload)
	if err != nil {
		s.fail(c, "score_base64", &infer.BadInputError{Err: err})
		return
	}
	s.respond(c, "score_base64", data)
}

// scorePair accepts multipart "frontal" and "side" files. Only the frontal
// image feeds the model; the side image is accepted for API compatibility
// and ignored.
func (s *Server) scorePair(c *gin.Context) {
	data, err := multipartFile(c, "frontal")
	if err != nil {
		s.fail(c, "score_pair", &infer.BadInputError{Err: err})
		return
	}
	s.respond(c, "score_pair", data)
}

// scorePairBytes is the base64 twin of scorePair: form fields "front" and
// "side", side ignored.
func (s *Server) scorePairBytes(c *gin.Context) {
	payload := c.PostForm("front")
	if payload == "" {
		s.fail(c, "score_pair_bytes", &infer.BadInputError{Err: errors.New("missing front field")})
		return
	}
	data, err := decodeDataURL(payload)
	if err != nil {
		s.fail(c, "score_pair_bytes", &infer.BadInputError{Err: err})
		return
	}
	s.respond(c, "score_pair_bytes", data)
}

func (s *Server) respond(c *gin.Context, route string, imageBytes []byte) {
	start := time.Now()
	rec, version, err := s.ctx.Score(imageBytes)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	scoreDuration.Observe(time.Since(start).Seconds())
	scoreRequests.WithLabelValues(route, "ok").Inc()
	c.JSON(http.StatusOK, ScoreResponse{Scores: rec, ModelVersion: version})
}

func (s *Server) fail(c *gin.Context, route string, err error) {
	var badInput *infer.BadInputError
	switch {
	case errors.As(err, &badInput):
		scoreRequests.WithLabelValues(route, "bad_input").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": badInput.Error()})
	case errors.Is(err, infer.ErrModelUnavailable):
		scoreRequests.WithLabelValues(route, "unavailable").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model unavailable"})
	default:
		scoreRequests.WithLabelValues(route, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// #endregion handlers

// #region request-parsing
// imageFromRequest reads a multipart file field, falling back to the raw
// request body so curl --data-binary uploads work too.
func imageFromRequest(c *gin.Context, field string) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return multipartFile(c, field)
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty request body")
	}
	return data, nil
}

func multipartFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing file field %q: %w", field, err)
	}
	if fh.Size > maxImageBytes {
		return nil, fmt.Errorf("file %q exceeds %d bytes", field, maxImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// decodeDataURL accepts "data:image/...;base64,AAAA" or a bare base64 string.
func decodeDataURL(payload string) ([]byte, error) {
	if strings.HasPrefix(payload, "data:") {
		i := strings.IndexByte(payload, ',')
		if i < 0 {
			return nil, errors.New("malformed data URL")
		}
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image payload")
	}
	return data, nil
}

// #endregion request-parsing
