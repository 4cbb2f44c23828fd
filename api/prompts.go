package api

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/brettboylen/keyword-insight/models"
	"github.com/brettboylen/keyword-insight/utils"
)

const scriptWriterInstruction = `You are the head writer behind several channels that grew past a million subscribers.
Write a script that keeps viewers watching until the end.

Required structure:
1. [Title / thumbnail ideas]: three click-worthy options aiming for a CTR above 10%.
2. [Intro]: a strong hook within the first 15 seconds.
3. [Body]: step-by-step beats designed for retention, with editing notes.
4. [Outro]: a clear call to action.

Keep a friendly but authoritative spoken tone.`

// strategyPrompt asks for a keyword strategy grounded in the computed metrics
func strategyPrompt(keyword string, m models.AnalysisMetrics) string {
	tags := "none"
	if len(m.TopTags) > 0 {
		tags = strings.Join(m.TopTags, ", ")
	}

	return fmt.Sprintf(`You are a YouTube growth consultant with deep knowledge of the recommendation algorithm, SEO and monetization.

Using the analysis below, write an in-depth keyword analysis and content strategy for %q.

[Analysis]
- Keyword: %q
- Videos analyzed: %d from %d channels
- Market size (average views): %.0f (tier: %s)
- Average subscribers of ranking channels: %.0f
- Engagement rate: %.2f%%
- Difficulty: %d/99 (%s)
- Top tags: %s

[Cover every section]
1. Keyword expansion: 5 related keywords, 5 similar-intent keywords, 3-5 long-tail keywords with low competition.
2. Content formats: estimate the share of formats among ranking videos (how-to, review, comparison, story, vlog, news, experiment) as percentages.
3. Market potential: is this keyword a good traffic source right now, and should a new channel enter directly or through a niche?
4. Differentiated topics: 2-3 concrete angles competitors are missing, with structure tips.
5. Thumbnail and title: design elements and title patterns that raise CTR.

Tone: professional, analytical and actionable.`,
		keyword, keyword,
		m.AnalyzedVideoCount, m.UniqueChannelCount,
		m.AvgViews, m.MarketSizeLevel,
		m.AvgSubscribers,
		m.EngagementRate,
		m.DifficultyScore, m.DifficultyLevel,
		tags,
	)
}

// videoScriptPrompt asks for a plausible full script reconstructed from metadata
func videoScriptPrompt(v models.Video) string {
	return fmt.Sprintf(`You reconstruct video scripts. Based on the metadata below, write the full script this video most likely followed.

[Video]
- Title: %s
- Length: %s
- Channel: %s
- Description: %s

[Output format]
00:00 [Opening]: greeting and hook
...
[Body]: topic development with timestamps
...
[Closing]: wrap-up and subscribe request`,
		v.Title, utils.FormatDuration(v.Duration), v.ChannelTitle, v.Description)
}

// Strategy streams a keyword strategy narrative for the finished metrics
func (g *GeminiAPI) Strategy(ctx context.Context, apiKey, keyword string, m models.AnalysisMetrics) iter.Seq2[string, error] {
	return g.Stream(ctx, apiKey, GenerateRequest{Prompt: strategyPrompt(keyword, m)})
}

// Script writes a retention-focused script from a free-form brief
func (g *GeminiAPI) Script(ctx context.Context, apiKey, brief string) (string, error) {
	if strings.TrimSpace(brief) == "" {
		return "", fmt.Errorf("script brief must not be empty")
	}
	return g.Generate(ctx, apiKey, GenerateRequest{
		Prompt:            brief,
		SystemInstruction: scriptWriterInstruction,
	})
}

// VideoScript reconstructs a script for an existing video
func (g *GeminiAPI) VideoScript(ctx context.Context, apiKey string, v models.Video) (string, error) {
	return g.Generate(ctx, apiKey, GenerateRequest{Prompt: videoScriptPrompt(v)})
}
