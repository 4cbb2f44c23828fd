package server

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/brettboylen/keyword-insight/models"
	"github.com/brettboylen/keyword-insight/utils"
)

const (
	youtubeKeyHeader = "X-YouTube-Key"
	geminiKeyHeader  = "X-Gemini-Key"
)

// Searcher runs the keyword search pipeline
type Searcher interface {
	Search(ctx context.Context, keyword, apiKey string, filters models.SearchFilters) (*models.SearchOutcome, error)
}

// KeyVerifier checks whether a credential is accepted upstream
type KeyVerifier interface {
	Verify(ctx context.Context, apiKey string) bool
}

// Writer produces AI-generated narratives
type Writer interface {
	KeyVerifier
	Strategy(ctx context.Context, apiKey, keyword string, m models.AnalysisMetrics) iter.Seq2[string, error]
	Script(ctx context.Context, apiKey, brief string) (string, error)
	VideoScript(ctx context.Context, apiKey string, v models.Video) (string, error)
}

// RunStore records completed searches and quota spend
type RunStore interface {
	SaveRun(run *models.Run) error
	GetRecentRuns(limit int) ([]models.Run, error)
	GetTotalRuns() (int, error)
	AddQuotaUsage(keyHash string, day time.Time, units int) error
	GetQuotaUsage(keyHash string, day time.Time) (int, error)
}

// Options configures a Server
type Options struct {
	// fallbacks used when a request carries no key header
	YouTubeKey string
	GeminiKey  string

	MaxRequestsPerMinute int // per client IP, 0 disables the limiter
	CacheSize            int
	CacheTTL             time.Duration
}

// SearchResult is the response of a search request
type SearchResult struct {
	Keyword    string                 `json:"keyword"`
	Videos     []models.Video         `json:"videos"`
	Metrics    models.AnalysisMetrics `json:"metrics"`
	Pages      int                    `json:"pages"`
	QuotaUnits int                    `json:"quota_units"`
	Cached     bool                   `json:"cached"`
}

// Server is the HTTP API in front of the search pipeline and the text model
type Server struct {
	echo     *echo.Echo
	searcher Searcher
	youtube  KeyVerifier
	writer   Writer
	store    RunStore
	cache    *utils.SearchCache[*SearchResult]
	group    singleflight.Group
	opts     Options
	log      *logrus.Logger
	now      func() time.Time
}

// requestValidator adapts go-playground/validator to echo
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

// New creates the server and registers its routes
func New(searcher Searcher, youtube KeyVerifier, writer Writer, store RunStore, opts Options, log *logrus.Logger) (*Server, error) {
	cache, err := utils.NewSearchCache[*SearchResult](opts.CacheSize, opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create search cache: %w", err)
	}

	s := &Server{
		echo:     echo.New(),
		searcher: searcher,
		youtube:  youtube,
		writer:   writer,
		store:    store,
		cache:    cache,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Validator = &requestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("Request failed")
				return nil
			}
			entry.Debug("Request handled")
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	if opts.MaxRequestsPerMinute > 0 {
		s.echo.Use(middleware.RateLimiterWithConfig(rateLimiterConfig(opts.MaxRequestsPerMinute)))
	}

	s.routes()
	return s, nil
}

func rateLimiterConfig(maxRequestsPerMinute int) middleware.RateLimiterConfig {
	limited := func(c echo.Context) error {
		return c.JSON(http.StatusTooManyRequests, errorBody("Rate limit exceeded, please try again later"))
	}

	return middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/healthz"
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(maxRequestsPerMinute) / 60.0),
				Burst:     max(1, maxRequestsPerMinute/10),
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return limited(c)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return limited(c)
		},
	}
}

func (s *Server) routes() {
	s.echo.POST("/api/search", s.handleSearch)
	s.echo.POST("/api/verify/youtube", s.handleVerify(s.youtube))
	s.echo.POST("/api/verify/gemini", s.handleVerify(s.writer))
	s.echo.POST("/api/strategy", s.handleStrategy)
	s.echo.POST("/api/script", s.handleScript)
	s.echo.POST("/api/script/video", s.handleVideoScript)
	s.echo.GET("/api/runs", s.handleRuns)
	s.echo.GET("/api/quota", s.handleQuota)

	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
}

// ServeHTTP lets the server be mounted or tested without a listener
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves on port until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, port int) {
	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		s.log.WithField("port", port).Info("Starting API server")
		if err := s.echo.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Fatal("API server failed")
		}
	}()

	<-ctx.Done()
	s.log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("API server shutdown failed")
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
