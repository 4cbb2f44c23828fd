package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// MaxPageSize is the largest page the search endpoint returns,
	// and the largest id batch the videos/channels endpoints accept.
	MaxPageSize = 50

	youtubeService = "youtube"
)

// Quota units charged per request by the YouTube Data API
const (
	CostSearch   = 100
	CostVideos   = 1
	CostChannels = 1
	CostComments = 1
)

// YouTubeAPI is a YouTube Data API v3 client.
// The credential is passed per call since every user brings their own key.
type YouTubeAPI struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Logger
}

// SearchQuery holds the parameters pushed to the search endpoint
type SearchQuery struct {
	Keyword         string
	Order           string
	VideoDuration   string
	PublishedAfter  *time.Time
	PublishedBefore *time.Time
	PageSize        int
	PageToken       string
}

// SearchHit is one lightweight result of the search endpoint
type SearchHit struct {
	VideoID   string
	ChannelID string
	Title     string
}

// SearchPage is one page of search hits
type SearchPage struct {
	Hits          []SearchHit
	NextPageToken string
}

// VideoDetail is the full record of one video from the videos endpoint
type VideoDetail struct {
	ID           string
	Title        string
	Description  string
	ChannelID    string
	ChannelTitle string
	Tags         []string
	PublishedAt  time.Time
	Thumbnails   map[string]string
	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	Duration     string
}

// ChannelDetail is the owner record from the channels endpoint
type ChannelDetail struct {
	ID              string
	SubscriberCount int64
}

// wire formats; counters arrive as decimal strings
type searchResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			ChannelID string `json:"channelId"`
			Title     string `json:"title"`
		} `json:"snippet"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			PublishedAt  time.Time `json:"publishedAt"`
			ChannelID    string    `json:"channelId"`
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			ChannelTitle string    `json:"channelTitle"`
			Tags         []string  `json:"tags"`
			Thumbnails   map[string]struct {
				URL string `json:"url"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type channelsResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			SubscriberCount string `json:"subscriberCount"`
		} `json:"statistics"`
	} `json:"items"`
}

type commentThreadsResponse struct {
	Items []struct {
		Snippet struct {
			TopLevelComment struct {
				Snippet struct {
					TextOriginal string `json:"textOriginal"`
				} `json:"snippet"`
			} `json:"topLevelComment"`
		} `json:"snippet"`
	} `json:"items"`
}

// NewYouTubeAPI creates a new YouTube Data API client
func NewYouTubeAPI(baseURL string, maxRequestsPerMinute int, timeout time.Duration, log *logrus.Logger) *YouTubeAPI {
	if maxRequestsPerMinute <= 0 {
		maxRequestsPerMinute = 600
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	// fan-out tiers dispatch up to a handful of batches at once, so allow a small burst
	perSecond := float64(maxRequestsPerMinute) / 60.0
	limiter := rate.NewLimiter(rate.Limit(perSecond), 10)

	return &YouTubeAPI{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        log,
	}
}

// Verify reports whether apiKey is accepted, using the cheapest read the API offers
func (y *YouTubeAPI) Verify(ctx context.Context, apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false
	}

	params := url.Values{}
	params.Set("part", "id")
	params.Set("chart", "mostPopular")
	params.Set("maxResults", "1")

	var discard json.RawMessage
	if err := y.get(ctx, "videos", params, apiKey, &discard); err != nil {
		y.log.WithError(err).Debug("YouTube key verification failed")
		return false
	}
	return true
}

// Search fetches one page of video hits for a keyword
func (y *YouTubeAPI) Search(ctx context.Context, apiKey string, q SearchQuery) (*SearchPage, error) {
	pageSize := q.PageSize
	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("q", q.Keyword)
	params.Set("maxResults", strconv.Itoa(pageSize))
	if q.Order != "" {
		params.Set("order", q.Order)
	}
	if q.VideoDuration != "" && q.VideoDuration != "any" {
		params.Set("videoDuration", q.VideoDuration)
	}
	if q.PublishedAfter != nil {
		params.Set("publishedAfter", q.PublishedAfter.UTC().Format(time.RFC3339))
	}
	if q.PublishedBefore != nil {
		params.Set("publishedBefore", q.PublishedBefore.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}

	var resp searchResponse
	if err := y.get(ctx, "search", params, apiKey, &resp); err != nil {
		return nil, err
	}

	page := &SearchPage{
		Hits:          make([]SearchHit, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
	}
	for _, item := range resp.Items {
		if item.ID.VideoID == "" {
			continue
		}
		page.Hits = append(page.Hits, SearchHit{
			VideoID:   item.ID.VideoID,
			ChannelID: item.Snippet.ChannelID,
			Title:     item.Snippet.Title,
		})
	}

	y.log.WithFields(logrus.Fields{
		"keyword":    q.Keyword,
		"page_token": q.PageToken,
		"next_token": page.NextPageToken,
		"hits":       len(page.Hits),
	}).Debug("Fetched search page")

	return page, nil
}

// Videos resolves full details for up to MaxPageSize video ids
func (y *YouTubeAPI) Videos(ctx context.Context, apiKey string, ids []string) ([]VideoDetail, error) {
	if len(ids) > MaxPageSize {
		return nil, fmt.Errorf("too many video ids: %d > %d", len(ids), MaxPageSize)
	}

	params := url.Values{}
	params.Set("part", "snippet,statistics,contentDetails")
	params.Set("id", strings.Join(ids, ","))

	var resp videosResponse
	if err := y.get(ctx, "videos", params, apiKey, &resp); err != nil {
		return nil, err
	}

	videos := make([]VideoDetail, 0, len(resp.Items))
	for _, item := range resp.Items {
		thumbs := make(map[string]string, len(item.Snippet.Thumbnails))
		for size, thumb := range item.Snippet.Thumbnails {
			thumbs[size] = thumb.URL
		}

		videos = append(videos, VideoDetail{
			ID:           item.ID,
			Title:        item.Snippet.Title,
			Description:  item.Snippet.Description,
			ChannelID:    item.Snippet.ChannelID,
			ChannelTitle: item.Snippet.ChannelTitle,
			Tags:         item.Snippet.Tags,
			PublishedAt:  item.Snippet.PublishedAt,
			Thumbnails:   thumbs,
			ViewCount:    parseCount(item.Statistics.ViewCount),
			LikeCount:    parseCount(item.Statistics.LikeCount),
			CommentCount: parseCount(item.Statistics.CommentCount),
			Duration:     item.ContentDetails.Duration,
		})
	}

	return videos, nil
}

// Channels resolves subscriber counts for up to MaxPageSize channel ids
func (y *YouTubeAPI) Channels(ctx context.Context, apiKey string, ids []string) ([]ChannelDetail, error) {
	if len(ids) > MaxPageSize {
		return nil, fmt.Errorf("too many channel ids: %d > %d", len(ids), MaxPageSize)
	}

	params := url.Values{}
	params.Set("part", "statistics")
	params.Set("id", strings.Join(ids, ","))

	var resp channelsResponse
	if err := y.get(ctx, "channels", params, apiKey, &resp); err != nil {
		return nil, err
	}

	channels := make([]ChannelDetail, 0, len(resp.Items))
	for _, item := range resp.Items {
		channels = append(channels, ChannelDetail{
			ID:              item.ID,
			SubscriberCount: parseCount(item.Statistics.SubscriberCount),
		})
	}

	return channels, nil
}

// TopComments returns the text of up to limit top-level comments, most relevant first
func (y *YouTubeAPI) TopComments(ctx context.Context, apiKey, videoID string, limit int) ([]string, error) {
	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("videoId", videoID)
	params.Set("maxResults", strconv.Itoa(limit))
	params.Set("order", "relevance")

	var resp commentThreadsResponse
	if err := y.get(ctx, "commentThreads", params, apiKey, &resp); err != nil {
		return nil, err
	}

	comments := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		comments = append(comments, item.Snippet.TopLevelComment.Snippet.TextOriginal)
	}
	return comments, nil
}

// get performs a paced GET against resource and decodes the JSON body into target
func (y *YouTubeAPI) get(ctx context.Context, resource string, params url.Values, apiKey string, target any) error {
	if err := y.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s?%s", y.baseURL, resource, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Goog-Api-Key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := parseAPIError(youtubeService, resp.StatusCode, body)
		y.log.WithFields(logrus.Fields{
			"resource":    resource,
			"status_code": resp.StatusCode,
			"reason":      apiErr.Reason,
		}).Warn("YouTube API error response")
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", resource, err)
	}
	return nil
}

// parseCount reads a decimal counter; hidden or malformed counters read as 0
func parseCount(value string) int64 {
	if value == "" {
		return 0
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
