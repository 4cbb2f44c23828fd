package models

import (
	"time"
)

// SortOrder is the server-side ordering of search hits
type SortOrder string

const (
	OrderRelevance SortOrder = "relevance"
	OrderDate      SortOrder = "date"
	OrderViewCount SortOrder = "viewCount"
	OrderRating    SortOrder = "rating"
)

// DurationBucket is the server-side video length filter
type DurationBucket string

const (
	DurationAny    DurationBucket = "any"
	DurationShort  DurationBucket = "short"
	DurationMedium DurationBucket = "medium"
	DurationLong   DurationBucket = "long"
)

const DefaultMaxResults = 30

// SearchFilters configures one search run.
// Zero thresholds mean "no constraint", never "exactly zero".
type SearchFilters struct {
	Order           SortOrder      `json:"order" validate:"omitempty,oneof=relevance date viewCount rating"`
	VideoDuration   DurationBucket `json:"video_duration" validate:"omitempty,oneof=any short medium long"`
	PublishedAfter  *time.Time     `json:"published_after,omitempty"`
	PublishedBefore *time.Time     `json:"published_before,omitempty"`
	MaxResults      int            `json:"max_results" validate:"gte=0,lte=500"`

	MinViews          int64   `json:"min_views" validate:"gte=0"`
	MaxViews          int64   `json:"max_views" validate:"gte=0"`
	MinSubscribers    int64   `json:"min_subscribers" validate:"gte=0"`
	MaxSubscribers    int64   `json:"max_subscribers" validate:"gte=0"`
	MinViewToSubRatio float64 `json:"min_view_to_sub_ratio" validate:"gte=0"`
	MinViewsPerHour   float64 `json:"min_views_per_hour" validate:"gte=0"`
}

// DefaultFilters returns the filters a fresh search starts with
func DefaultFilters() SearchFilters {
	return SearchFilters{
		Order:         OrderRelevance,
		VideoDuration: DurationAny,
		MaxResults:    DefaultMaxResults,
	}
}

// WithDefaults fills in the enum and result-count fields left empty
func (f SearchFilters) WithDefaults() SearchFilters {
	if f.Order == "" {
		f.Order = OrderRelevance
	}
	if f.VideoDuration == "" {
		f.VideoDuration = DurationAny
	}
	if f.MaxResults <= 0 {
		f.MaxResults = DefaultMaxResults
	}
	return f
}

// HasPostFilters reports whether any client-side threshold is active.
// Active thresholds cost extra quota because rejected hits trigger more pages.
func (f SearchFilters) HasPostFilters() bool {
	return f.MinViews > 0 ||
		f.MaxViews > 0 ||
		f.MinSubscribers > 0 ||
		f.MaxSubscribers > 0 ||
		f.MinViewToSubRatio > 0 ||
		f.MinViewsPerHour > 0
}

// Video is an enriched search result.
// Counters are a point-in-time snapshot taken when the run fetched them.
type Video struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	ChannelID    string            `json:"channel_id"`
	ChannelTitle string            `json:"channel_title"`
	Tags         []string          `json:"tags"`
	PublishedAt  time.Time         `json:"published_at"`
	Thumbnails   map[string]string `json:"thumbnails"`

	ViewCount       int64  `json:"view_count"`
	LikeCount       int64  `json:"like_count"`
	CommentCount    int64  `json:"comment_count"`
	Duration        string `json:"duration"`
	DurationSeconds int    `json:"duration_seconds"`
	SubscriberCount int64  `json:"subscriber_count"`

	ViewsPerHour    float64 `json:"views_per_hour"`
	LikeToViewRatio float64 `json:"like_to_view_ratio"`
	LikeToSubRatio  float64 `json:"like_to_sub_ratio"`
	ViewToSubRatio  float64 `json:"view_to_sub_ratio"`

	// nil: comments were never requested. Empty: requested, none found.
	Comments []string `json:"comments"`
}

// SearchOutcome is the result of one pipeline run
type SearchOutcome struct {
	Videos     []Video `json:"videos"`
	Pages      int     `json:"pages"`
	QuotaUnits int     `json:"quota_units"`
}

// MarketSize buckets the average view count of a keyword
type MarketSize string

const (
	MarketTiny   MarketSize = "Tiny"
	MarketSmall  MarketSize = "Small"
	MarketMedium MarketSize = "Medium"
	MarketLarge  MarketSize = "Large"
	MarketHuge   MarketSize = "Huge"
	MarketMega   MarketSize = "Mega"
)

// DifficultyLevel buckets the difficulty score
type DifficultyLevel string

const (
	DifficultyEasy    DifficultyLevel = "Easy"
	DifficultyMedium  DifficultyLevel = "Medium"
	DifficultyHard    DifficultyLevel = "Hard"
	DifficultyExtreme DifficultyLevel = "Extreme"
)

// AnalysisMetrics summarizes a set of videos
type AnalysisMetrics struct {
	AnalyzedVideoCount int             `json:"analyzed_video_count"`
	UniqueChannelCount int             `json:"unique_channel_count"`
	AvgViews           float64         `json:"avg_views"`
	AvgLikes           float64         `json:"avg_likes"`
	AvgComments        float64         `json:"avg_comments"`
	AvgSubscribers     float64         `json:"avg_subscribers"`
	AvgViewsPerHour    float64         `json:"avg_views_per_hour"`
	AvgLikeToViewRatio float64         `json:"avg_like_to_view_ratio"`
	AvgLikeToSubRatio  float64         `json:"avg_like_to_sub_ratio"`
	EngagementRate     float64         `json:"engagement_rate"`
	MarketSizeLevel    MarketSize      `json:"market_size_level"`
	DifficultyScore    int             `json:"difficulty_score"`
	DifficultyLevel    DifficultyLevel `json:"difficulty_level"`
	TopTags            []string        `json:"top_tags"`
}

// Run is one completed search as recorded in the ledger
type Run struct {
	ID              int64           `json:"id"`
	Keyword         string          `json:"keyword"`
	VideoCount      int             `json:"video_count"`
	Pages           int             `json:"pages"`
	QuotaUnits      int             `json:"quota_units"`
	MarketSizeLevel MarketSize      `json:"market_size_level"`
	DifficultyScore int             `json:"difficulty_score"`
	DifficultyLevel DifficultyLevel `json:"difficulty_level"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

const (
	RunStatusOK    = "ok"
	RunStatusQuota = "quota_exceeded"
	RunStatusError = "error"
)
