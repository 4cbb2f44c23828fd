package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/keyword-insight/api"
	"github.com/brettboylen/keyword-insight/models"
	"github.com/brettboylen/keyword-insight/utils"
)

// VideoSource is the upstream video platform as seen by the collector
type VideoSource interface {
	Search(ctx context.Context, apiKey string, q api.SearchQuery) (*api.SearchPage, error)
	Videos(ctx context.Context, apiKey string, ids []string) ([]api.VideoDetail, error)
	Channels(ctx context.Context, apiKey string, ids []string) ([]api.ChannelDetail, error)
	TopComments(ctx context.Context, apiKey, videoID string, limit int) ([]string, error)
}

// Limits bounds the quota one search run may spend.
// The defaults are tunable, not load-bearing.
type Limits struct {
	MaxLoops         int // search pages per run
	BatchSize        int // ids per videos/channels request, at most api.MaxPageSize
	CommentPrefix    int // how many leading results get comments
	CommentsPerVideo int
}

// DefaultLimits returns the limits used when nothing is configured
func DefaultLimits() Limits {
	return Limits{
		MaxLoops:         5,
		BatchSize:        api.MaxPageSize,
		CommentPrefix:    15,
		CommentsPerVideo: 5,
	}
}

// Collector runs keyword searches and enriches the results
type Collector struct {
	source VideoSource
	limits Limits
	log    *logrus.Logger
	now    func() time.Time
}

// run is the state of a single Search call. It is never shared between calls.
type run struct {
	keyword   string
	apiKey    string
	filters   models.SearchFilters
	videos    []models.Video
	accepted  map[string]struct{}
	pageToken string
	pages     int
	units     int
}

// RunError is a failed search run. It reports the quota already spent
// and unwraps to the cause.
type RunError struct {
	Pages int
	Units int
	Err   error
}

func (e *RunError) Error() string {
	return e.Err.Error()
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// SpentUnits returns the quota units a failed run consumed, 0 when unknown
func SpentUnits(err error) int {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Units
	}
	return 0
}

func (r *run) fail(err error) error {
	return &RunError{Pages: r.pages, Units: r.units, Err: err}
}

// NewCollector creates a new collector
func NewCollector(source VideoSource, limits Limits, log *logrus.Logger) *Collector {
	defaults := DefaultLimits()
	if limits.MaxLoops <= 0 {
		limits.MaxLoops = defaults.MaxLoops
	}
	if limits.BatchSize <= 0 || limits.BatchSize > api.MaxPageSize {
		limits.BatchSize = defaults.BatchSize
	}
	if limits.CommentPrefix < 0 {
		limits.CommentPrefix = 0
	}
	if limits.CommentsPerVideo <= 0 {
		limits.CommentsPerVideo = defaults.CommentsPerVideo
	}

	return &Collector{
		source: source,
		limits: limits,
		log:    log,
		now:    time.Now,
	}
}

// Search pages through the search results for keyword until filters.MaxResults
// videos pass the client-side filters, the page budget is spent, or the results
// run out.
//
// A quota rejection aborts the run with an error wrapping api.ErrQuotaExceeded.
// Any other failure of the first search page fails the run; a failure on a
// later page ends it early with the videos collected so far. Failed runs
// return a *RunError carrying the units spent before the failure.
func (c *Collector) Search(ctx context.Context, keyword, apiKey string, filters models.SearchFilters) (*models.SearchOutcome, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, fmt.Errorf("keyword must not be empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("youtube api key is required")
	}

	r := &run{
		keyword:  keyword,
		apiKey:   apiKey,
		filters:  filters.WithDefaults(),
		accepted: make(map[string]struct{}),
	}
	r.videos = make([]models.Video, 0, r.filters.MaxResults)

	c.log.WithFields(logrus.Fields{
		"keyword":      keyword,
		"max_results":  r.filters.MaxResults,
		"post_filters": r.filters.HasPostFilters(),
	}).Info("Starting keyword search")

	for len(r.videos) < r.filters.MaxResults && r.pages < c.limits.MaxLoops {
		r.pages++

		page, err := c.source.Search(ctx, apiKey, c.searchQuery(r))
		r.units += api.CostSearch
		if err != nil {
			if errors.Is(err, api.ErrQuotaExceeded) {
				c.log.WithError(err).WithField("keyword", keyword).Warn("Search aborted: quota exceeded")
				return nil, r.fail(fmt.Errorf("search %q: %w", keyword, err))
			}
			if r.pages == 1 {
				return nil, r.fail(fmt.Errorf("search request failed: %w", err))
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"keyword":  keyword,
				"page":     r.pages,
				"returned": len(r.videos),
			}).Warn("Search page failed, returning partial results")
			break
		}

		r.pageToken = page.NextPageToken
		if len(page.Hits) == 0 {
			break
		}

		ids := r.newVideoIDs(page.Hits)
		if len(ids) == 0 {
			if r.pageToken == "" {
				break
			}
			continue
		}

		details, err := fanOut(ctx, c, r, ids, api.CostVideos, "videos", c.source.Videos)
		if err != nil {
			return nil, r.fail(err)
		}

		channels, err := fanOut(ctx, c, r, channelIDs(details), api.CostChannels, "channels", c.source.Channels)
		if err != nil {
			return nil, r.fail(err)
		}

		subscribers := make(map[string]int64, len(channels))
		for _, ch := range channels {
			subscribers[ch.ID] = ch.SubscriberCount
		}

		accepted := c.accept(r, details, subscribers)

		c.log.WithFields(logrus.Fields{
			"keyword":   keyword,
			"page":      r.pages,
			"hits":      len(page.Hits),
			"resolved":  len(details),
			"accepted":  accepted,
			"collected": len(r.videos),
			"has_next":  r.pageToken != "",
		}).Debug("Processed search page")

		if r.pageToken == "" {
			break
		}
	}

	c.backfillComments(ctx, r)

	c.log.WithFields(logrus.Fields{
		"keyword":     keyword,
		"videos":      len(r.videos),
		"pages":       r.pages,
		"quota_units": r.units,
	}).Info("Keyword search finished")

	return &models.SearchOutcome{
		Videos:     r.videos,
		Pages:      r.pages,
		QuotaUnits: r.units,
	}, nil
}

func (c *Collector) searchQuery(r *run) api.SearchQuery {
	return api.SearchQuery{
		Keyword:         r.keyword,
		Order:           string(r.filters.Order),
		VideoDuration:   string(r.filters.VideoDuration),
		PublishedAfter:  r.filters.PublishedAfter,
		PublishedBefore: r.filters.PublishedBefore,
		PageSize:        api.MaxPageSize,
		PageToken:       r.pageToken,
	}
}

// newVideoIDs returns hit ids not yet accepted, without repeats
func (r *run) newVideoIDs(hits []api.SearchHit) []string {
	seen := make(map[string]struct{}, len(hits))
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		if _, ok := r.accepted[hit.VideoID]; ok {
			continue
		}
		if _, ok := seen[hit.VideoID]; ok {
			continue
		}
		seen[hit.VideoID] = struct{}{}
		ids = append(ids, hit.VideoID)
	}
	return ids
}

// channelIDs returns the distinct owners of details in first-seen order
func channelIDs(details []api.VideoDetail) []string {
	seen := make(map[string]struct{}, len(details))
	ids := make([]string, 0, len(details))
	for _, d := range details {
		if d.ChannelID == "" {
			continue
		}
		if _, ok := seen[d.ChannelID]; ok {
			continue
		}
		seen[d.ChannelID] = struct{}{}
		ids = append(ids, d.ChannelID)
	}
	return ids
}

// fanOut fetches ids in batches, all batches at once, and returns the
// results in batch order. A failed batch is skipped, except for quota
// rejections which fail the whole call.
func fanOut[T any](
	ctx context.Context,
	c *Collector,
	r *run,
	ids []string,
	cost int,
	resource string,
	fetch func(ctx context.Context, apiKey string, ids []string) ([]T, error),
) ([]T, error) {
	batches := utils.Chunk(ids, c.limits.BatchSize)
	if len(batches) == 0 {
		return nil, nil
	}
	r.units += cost * len(batches)

	results := make([][]T, len(batches))
	errs := make([]error, len(batches))

	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch []string) {
			defer wg.Done()
			results[i], errs[i] = fetch(ctx, r.apiKey, batch)
		}(i, batch)
	}
	wg.Wait()

	var out []T
	for i, err := range errs {
		if err != nil {
			if errors.Is(err, api.ErrQuotaExceeded) {
				c.log.WithError(err).WithField("resource", resource).Warn("Search aborted: quota exceeded")
				return nil, fmt.Errorf("fetch %s for %q: %w", resource, r.keyword, err)
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"resource": resource,
				"batch":    i,
				"ids":      len(batches[i]),
			}).Warn("Batch request failed, skipping batch")
			continue
		}
		out = append(out, results[i]...)
	}
	return out, nil
}

// accept enriches details and appends those passing the filters.
// It returns how many were accepted.
func (c *Collector) accept(r *run, details []api.VideoDetail, subscribers map[string]int64) int {
	now := c.now()
	accepted := 0
	for _, d := range details {
		if len(r.videos) >= r.filters.MaxResults {
			break
		}
		if _, dup := r.accepted[d.ID]; dup {
			continue
		}

		video := enrich(d, subscribers[d.ChannelID], now)
		if !passesFilters(r.filters, &video) {
			continue
		}

		r.videos = append(r.videos, video)
		r.accepted[d.ID] = struct{}{}
		accepted++
	}
	return accepted
}

// enrich maps an upstream record onto a Video and computes its derived metrics
func enrich(d api.VideoDetail, subscriberCount int64, now time.Time) models.Video {
	video := models.Video{
		ID:              d.ID,
		Title:           d.Title,
		Description:     d.Description,
		ChannelID:       d.ChannelID,
		ChannelTitle:    d.ChannelTitle,
		Tags:            d.Tags,
		PublishedAt:     d.PublishedAt,
		Thumbnails:      d.Thumbnails,
		ViewCount:       d.ViewCount,
		LikeCount:       d.LikeCount,
		CommentCount:    d.CommentCount,
		Duration:        d.Duration,
		DurationSeconds: utils.DurationSeconds(d.Duration),
		SubscriberCount: subscriberCount,
	}

	// at least one hour, so just-published videos don't explode the rate
	hours := math.Max(1, now.Sub(d.PublishedAt).Hours())
	video.ViewsPerHour = float64(d.ViewCount) / hours

	views := float64(d.ViewCount)
	likes := float64(d.LikeCount)
	subs := float64(subscriberCount)
	if views > 0 {
		video.LikeToViewRatio = likes / views * 100
	}
	if subs > 0 {
		video.LikeToSubRatio = likes / subs * 100
		video.ViewToSubRatio = views / subs * 100
	}

	return video
}

// passesFilters applies every active threshold. Zero thresholds are inactive.
func passesFilters(f models.SearchFilters, v *models.Video) bool {
	if f.MinViews > 0 && v.ViewCount < f.MinViews {
		return false
	}
	if f.MaxViews > 0 && v.ViewCount > f.MaxViews {
		return false
	}
	if f.MinSubscribers > 0 && v.SubscriberCount < f.MinSubscribers {
		return false
	}
	if f.MaxSubscribers > 0 && v.SubscriberCount > f.MaxSubscribers {
		return false
	}
	if f.MinViewToSubRatio > 0 && v.ViewToSubRatio < f.MinViewToSubRatio {
		return false
	}
	if f.MinViewsPerHour > 0 && v.ViewsPerHour < f.MinViewsPerHour {
		return false
	}
	return true
}

// backfillComments attaches top comments to the leading videos.
// A failed request leaves that video with an empty, non-nil list.
func (c *Collector) backfillComments(ctx context.Context, r *run) {
	n := min(len(r.videos), c.limits.CommentPrefix)
	if n == 0 {
		return
	}
	r.units += api.CostComments * n

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			video := &r.videos[i]

			comments, err := c.source.TopComments(ctx, r.apiKey, video.ID, c.limits.CommentsPerVideo)
			if err != nil {
				// commentsDisabled is common
				c.log.WithError(err).WithField("video_id", video.ID).Debug("Failed to fetch comments")
				comments = nil
			}
			if comments == nil {
				comments = []string{}
			}
			video.Comments = comments
		}(i)
	}
	wg.Wait()
}
