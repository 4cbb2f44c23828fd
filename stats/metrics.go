package stats

import (
	"cmp"
	"math"
	"slices"
	"strings"

	"github.com/brettboylen/keyword-insight/models"
)

// TopTagLimit caps AnalysisMetrics.TopTags
const TopTagLimit = 15

// market size breakpoints on average views, ascending. A value equal to a
// breakpoint stays in the lower tier.
var marketTiers = []struct {
	above float64
	size  models.MarketSize
}{
	{2_000_000, models.MarketMega},
	{1_000_000, models.MarketHuge},
	{500_000, models.MarketLarge},
	{100_000, models.MarketMedium},
	{10_000, models.MarketSmall},
}

type tagCount struct {
	tag   string
	count int
}

// CalculateMetrics summarizes a finished result set.
// An empty set yields the zero baseline: Tiny market, Easy difficulty, score 0.
func CalculateMetrics(videos []models.Video) models.AnalysisMetrics {
	if len(videos) == 0 {
		return models.AnalysisMetrics{
			MarketSizeLevel: models.MarketTiny,
			DifficultyLevel: models.DifficultyEasy,
			TopTags:         []string{},
		}
	}

	var (
		totalViews, totalLikes, totalComments float64
		totalVPH, totalLikeToView             float64
		totalSubs, totalLikeToSub             float64
		withSubs                              int
	)
	channels := make(map[string]struct{})
	tagIndex := make(map[string]int)
	var tags []tagCount

	for _, v := range videos {
		totalViews += float64(v.ViewCount)
		totalLikes += float64(v.LikeCount)
		totalComments += float64(v.CommentCount)
		totalVPH += v.ViewsPerHour
		totalLikeToView += v.LikeToViewRatio
		channels[v.ChannelID] = struct{}{}

		// unresolved channels would drag the subscriber average down
		if v.SubscriberCount > 0 {
			totalSubs += float64(v.SubscriberCount)
			totalLikeToSub += v.LikeToSubRatio
			withSubs++
		}

		for _, tag := range v.Tags {
			t := strings.ToLower(tag)
			if i, ok := tagIndex[t]; ok {
				tags[i].count++
				continue
			}
			tagIndex[t] = len(tags)
			tags = append(tags, tagCount{tag: t, count: 1})
		}
	}

	n := float64(len(videos))
	m := models.AnalysisMetrics{
		AnalyzedVideoCount: len(videos),
		UniqueChannelCount: len(channels),
		AvgViews:           totalViews / n,
		AvgLikes:           totalLikes / n,
		AvgComments:        totalComments / n,
		AvgViewsPerHour:    totalVPH / n,
		AvgLikeToViewRatio: totalLikeToView / n,
		TopTags:            topTags(tags, TopTagLimit),
	}
	if withSubs > 0 {
		m.AvgSubscribers = totalSubs / float64(withSubs)
		m.AvgLikeToSubRatio = totalLikeToSub / float64(withSubs)
	}
	if m.AvgViews > 0 {
		m.EngagementRate = (m.AvgLikes + m.AvgComments) / m.AvgViews * 100
	}

	m.MarketSizeLevel = MarketSizeFor(m.AvgViews)
	m.DifficultyScore = DifficultyScore(m.AvgViews, m.AvgSubscribers)
	m.DifficultyLevel = DifficultyLevelFor(m.DifficultyScore)

	return m
}

// MarketSizeFor buckets an average view count
func MarketSizeFor(avgViews float64) models.MarketSize {
	for _, tier := range marketTiers {
		if avgViews > tier.above {
			return tier.size
		}
	}
	return models.MarketTiny
}

// DifficultyScore rates how hard it is to rank for a keyword, in [1, 99].
//
// Channel power maps log10 of the average subscriber count from 3 (1k) to 7
// (10M) onto 0..100. Keywords where videos outperform their channel's
// subscriber base are easier, so a high views/subscribers ratio lowers the
// score and a very low one raises it.
func DifficultyScore(avgViews, avgSubscribers float64) int {
	power := (math.Log10(math.Max(avgSubscribers, 1000)) - 3) / 4 * 100
	power = clamp(power, 0, 100)

	ratio := 1.0
	if avgSubscribers > 0 {
		ratio = avgViews / avgSubscribers
	}

	var modifier float64
	switch {
	case ratio > 10:
		modifier = -30
	case ratio > 5:
		modifier = -20
	case ratio > 2:
		modifier = -10
	case ratio > 1:
		modifier = -5
	case ratio < 0.3:
		modifier = 10
	}

	score := math.Round(power + modifier)
	if math.IsNaN(score) {
		return 1
	}
	return int(clamp(score, 1, 99))
}

// DifficultyLevelFor buckets a difficulty score
func DifficultyLevelFor(score int) models.DifficultyLevel {
	switch {
	case score >= 80:
		return models.DifficultyExtreme
	case score >= 60:
		return models.DifficultyHard
	case score >= 35:
		return models.DifficultyMedium
	default:
		return models.DifficultyEasy
	}
}

// topTags returns the limit most frequent tags. Equal counts keep first-seen order.
func topTags(tags []tagCount, limit int) []string {
	slices.SortStableFunc(tags, func(a, b tagCount) int {
		return cmp.Compare(b.count, a.count)
	})

	out := make([]string, 0, min(len(tags), limit))
	for _, t := range tags[:min(len(tags), limit)] {
		out = append(out, t.tag)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
