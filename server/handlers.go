package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/keyword-insight/api"
	"github.com/brettboylen/keyword-insight/models"
	"github.com/brettboylen/keyword-insight/stats"
	"github.com/brettboylen/keyword-insight/utils"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100

	// default YouTube Data API allocation per project and day
	dailyQuotaUnits = 10_000
)

// YouTube quota resets at midnight Pacific time
var quotaZone = func() *time.Location {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return time.UTC
	}
	return loc
}()

type searchRequest struct {
	Keyword string               `json:"keyword" validate:"required,max=200"`
	Filters models.SearchFilters `json:"filters"`
}

type verifyRequest struct {
	APIKey string `json:"api_key"`
}

type strategyRequest struct {
	Keyword string                 `json:"keyword" validate:"required,max=200"`
	Metrics models.AnalysisMetrics `json:"metrics"`
}

type scriptRequest struct {
	Prompt string `json:"prompt" validate:"required,max=20000"`
}

type videoScriptRequest struct {
	Video models.Video `json:"video"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	apiKey := keyFrom(c, youtubeKeyHeader, s.opts.YouTubeKey)
	if apiKey == "" {
		return c.JSON(http.StatusBadRequest, errorBody("A YouTube API key is required"))
	}

	filters := req.Filters.WithDefaults()
	cacheKey := searchCacheKey(req.Keyword, apiKey, filters)

	if cached, ok := s.cache.Get(cacheKey); ok {
		result := *cached
		result.Keyword = req.Keyword
		result.Cached = true
		return c.JSON(http.StatusOK, &result)
	}

	// the pipeline outlives a single caller once other requests share it
	ctx := context.WithoutCancel(c.Request().Context())
	v, err, shared := s.group.Do(cacheKey, func() (any, error) {
		return s.runSearch(ctx, req.Keyword, apiKey, filters, cacheKey)
	})
	if err != nil {
		if errors.Is(err, api.ErrQuotaExceeded) {
			return c.JSON(http.StatusTooManyRequests, errorBody(
				"YouTube API quota exceeded. Try a different API key or wait for the daily quota to reset."))
		}
		return c.JSON(http.StatusBadGateway, errorBody(fmt.Sprintf("Search failed: %v", err)))
	}

	result := *v.(*SearchResult)
	result.Keyword = req.Keyword
	if shared {
		s.log.WithField("keyword", req.Keyword).Debug("Search result shared with a concurrent request")
	}
	return c.JSON(http.StatusOK, &result)
}

// runSearch runs the pipeline once and records the outcome
func (s *Server) runSearch(ctx context.Context, keyword, apiKey string, filters models.SearchFilters, cacheKey string) (*SearchResult, error) {
	keyHash := utils.HashKey(apiKey)

	outcome, err := s.searcher.Search(ctx, keyword, apiKey, filters)
	if err != nil {
		status := models.RunStatusError
		if errors.Is(err, api.ErrQuotaExceeded) {
			status = models.RunStatusQuota
		}
		s.recordRun(&models.Run{
			Keyword:    keyword,
			QuotaUnits: stats.SpentUnits(err),
			Status:     status,
		}, keyHash)
		return nil, err
	}

	metrics := stats.CalculateMetrics(outcome.Videos)
	result := &SearchResult{
		Keyword:    keyword,
		Videos:     outcome.Videos,
		Metrics:    metrics,
		Pages:      outcome.Pages,
		QuotaUnits: outcome.QuotaUnits,
	}
	s.cache.Set(cacheKey, result)

	s.recordRun(&models.Run{
		Keyword:         keyword,
		VideoCount:      len(outcome.Videos),
		Pages:           outcome.Pages,
		QuotaUnits:      outcome.QuotaUnits,
		MarketSizeLevel: metrics.MarketSizeLevel,
		DifficultyScore: metrics.DifficultyScore,
		DifficultyLevel: metrics.DifficultyLevel,
		Status:          models.RunStatusOK,
	}, keyHash)

	return result, nil
}

// recordRun writes the ledger entries for a run. Ledger failures never fail the request.
func (s *Server) recordRun(run *models.Run, keyHash string) {
	run.CreatedAt = s.now().UTC()
	if err := s.store.SaveRun(run); err != nil {
		s.log.WithError(err).WithField("keyword", run.Keyword).Error("Failed to save run")
	}
	if err := s.store.AddQuotaUsage(keyHash, s.now().In(quotaZone), run.QuotaUnits); err != nil {
		s.log.WithError(err).Error("Failed to record quota usage")
	}

	s.log.WithFields(logrus.Fields{
		"keyword":     run.Keyword,
		"status":      run.Status,
		"videos":      run.VideoCount,
		"quota_units": run.QuotaUnits,
	}).Info("Search run recorded")
}

func (s *Server) handleVerify(verifier KeyVerifier) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req verifyRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
		}
		valid := verifier.Verify(c.Request().Context(), req.APIKey)
		return c.JSON(http.StatusOK, map[string]bool{"valid": valid})
	}
}

func (s *Server) handleStrategy(c echo.Context) error {
	var req strategyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	apiKey := keyFrom(c, geminiKeyHeader, s.opts.GeminiKey)
	if apiKey == "" {
		return c.JSON(http.StatusBadRequest, errorBody("A Gemini API key is required"))
	}

	resp := c.Response()
	started := false
	for text, err := range s.writer.Strategy(c.Request().Context(), apiKey, req.Keyword, req.Metrics) {
		if err != nil {
			if !started {
				return s.generationError(c, err)
			}
			// headers are gone; the client sees a truncated body
			s.log.WithError(err).WithField("keyword", req.Keyword).Error("Strategy stream interrupted")
			return nil
		}
		if !started {
			resp.Header().Set(echo.HeaderContentType, echo.MIMETextPlainCharsetUTF8)
			resp.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := resp.Write([]byte(text)); err != nil {
			return nil
		}
		resp.Flush()
	}

	if !started {
		return c.String(http.StatusOK, "")
	}
	return nil
}

func (s *Server) handleScript(c echo.Context) error {
	var req scriptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	apiKey := keyFrom(c, geminiKeyHeader, s.opts.GeminiKey)
	if apiKey == "" {
		return c.JSON(http.StatusBadRequest, errorBody("A Gemini API key is required"))
	}

	script, err := s.writer.Script(c.Request().Context(), apiKey, req.Prompt)
	if err != nil {
		return s.generationError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"script": script})
}

func (s *Server) handleVideoScript(c echo.Context) error {
	var req videoScriptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("Invalid request body"))
	}
	if strings.TrimSpace(req.Video.Title) == "" {
		return c.JSON(http.StatusBadRequest, errorBody("video.title is required"))
	}

	apiKey := keyFrom(c, geminiKeyHeader, s.opts.GeminiKey)
	if apiKey == "" {
		return c.JSON(http.StatusBadRequest, errorBody("A Gemini API key is required"))
	}

	script, err := s.writer.VideoScript(c.Request().Context(), apiKey, req.Video)
	if err != nil {
		return s.generationError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"script": script})
}

func (s *Server) handleRuns(c echo.Context) error {
	limit := defaultRunsLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			return c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("limit must be between 1 and %d", maxRunsLimit)))
		}
		limit = n
	}

	runs, err := s.store.GetRecentRuns(limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to load runs")
		return c.JSON(http.StatusInternalServerError, errorBody("Failed to load runs"))
	}
	total, err := s.store.GetTotalRuns()
	if err != nil {
		s.log.WithError(err).Error("Failed to count runs")
		return c.JSON(http.StatusInternalServerError, errorBody("Failed to load runs"))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"runs":  runs,
		"total": total,
	})
}

func (s *Server) handleQuota(c echo.Context) error {
	apiKey := keyFrom(c, youtubeKeyHeader, s.opts.YouTubeKey)
	if apiKey == "" {
		return c.JSON(http.StatusBadRequest, errorBody("A YouTube API key is required"))
	}

	day := s.now().In(quotaZone)
	used, err := s.store.GetQuotaUsage(utils.HashKey(apiKey), day)
	if err != nil {
		s.log.WithError(err).Error("Failed to load quota usage")
		return c.JSON(http.StatusInternalServerError, errorBody("Failed to load quota usage"))
	}

	return c.JSON(http.StatusOK, map[string]any{
		"day":         day.Format("2006-01-02"),
		"units_used":  used,
		"daily_limit": dailyQuotaUnits,
		"remaining":   max(0, dailyQuotaUnits-used),
	})
}

func (s *Server) generationError(c echo.Context, err error) error {
	if errors.Is(err, api.ErrQuotaExceeded) {
		return c.JSON(http.StatusTooManyRequests, errorBody(
			"Gemini quota exceeded on every configured model. Try a different API key or wait."))
	}
	s.log.WithError(err).Error("Text generation failed")
	return c.JSON(http.StatusBadGateway, errorBody(fmt.Sprintf("Generation failed: %v", err)))
}

// keyFrom returns the trimmed header value, or fallback when the header is empty
func keyFrom(c echo.Context, header, fallback string) string {
	if key := strings.TrimSpace(c.Request().Header.Get(header)); key != "" {
		return key
	}
	return strings.TrimSpace(fallback)
}

// searchCacheKey identifies a search by key, keyword and the effective filters
func searchCacheKey(keyword, apiKey string, filters models.SearchFilters) string {
	raw, _ := json.Marshal(filters)
	return utils.HashKey(apiKey) + "|" + strings.ToLower(keyword) + "|" + string(raw)
}
