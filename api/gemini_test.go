package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/keyword-insight/models"
)

const quotaBody = `{"error": {"code": 429, "message": "Resource has been exhausted", "status": "RESOURCE_EXHAUSTED"}}`

// fakeGemini records which models were called and answers per model
type fakeGemini struct {
	mu      sync.Mutex
	calls   []string
	bodies  []geminiRequest
	respond func(w http.ResponseWriter, model, method string)
}

func (f *fakeGemini) handler(w http.ResponseWriter, r *http.Request) {
	// path: /models/{model}:{method}
	name := strings.TrimPrefix(r.URL.Path, "/models/")
	model, method, _ := strings.Cut(name, ":")

	var body geminiRequest
	raw, _ := io.ReadAll(r.Body)
	json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	f.respond(w, model, method)
}

func newTestGemini(t *testing.T, models []string, fake *fakeGemini) *GeminiAPI {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	return NewGeminiAPI(srv.URL, models, 5*time.Second, quietLogger())
}

func textResponse(text string) string {
	return fmt.Sprintf(`{"candidates": [{"content": {"parts": [{"text": %q}]}, "finishReason": "STOP"}]}`, text)
}

func TestGeminiGenerate(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		assert.Equal(t, "generateContent", method)
		w.Write([]byte(textResponse("hello from " + model)))
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	text, err := client.Generate(context.Background(), "key", GenerateRequest{
		Prompt:            "say hi",
		SystemInstruction: "be brief",
		MaxOutputTokens:   10,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from pro", text)

	require.Len(t, fake.bodies, 1)
	body := fake.bodies[0]
	assert.Equal(t, "say hi", body.Contents[0].Parts[0].Text)
	require.NotNil(t, body.SystemInstruction)
	assert.Equal(t, "be brief", body.SystemInstruction.Parts[0].Text)
	require.NotNil(t, body.GenerationConfig)
	assert.Equal(t, 10, body.GenerationConfig.MaxOutputTokens)
}

func TestGeminiGenerateFallsBackOnQuota(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		if model == "pro" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(quotaBody))
			return
		}
		w.Write([]byte(textResponse("from " + model)))
	}}
	client := newTestGemini(t, []string{"pro", "flash", "lite"}, fake)

	text, err := client.Generate(context.Background(), "key", GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "from flash", text)
	assert.Equal(t, []string{"pro", "flash"}, fake.calls)
}

func TestGeminiGenerateStopsOnOtherErrors(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"code": 400, "message": "API key not valid", "status": "INVALID_ARGUMENT"}}`))
	}}
	client := newTestGemini(t, []string{"pro", "flash"}, fake)

	_, err := client.Generate(context.Background(), "key", GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "API key not valid")
	assert.Equal(t, []string{"pro"}, fake.calls)
}

func TestGeminiGenerateAllModelsOutOfQuota(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(quotaBody))
	}}
	client := newTestGemini(t, []string{"pro", "flash"}, fake)

	_, err := client.Generate(context.Background(), "key", GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, []string{"pro", "flash"}, fake.calls)
}

func TestGeminiGenerateEmpty(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		w.Write([]byte(`{"candidates": []}`))
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	_, err := client.Generate(context.Background(), "key", GenerateRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGeminiGenerateRequiresKey(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		t.Error("no request expected")
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	_, err := client.Generate(context.Background(), "  ", GenerateRequest{Prompt: "x"})
	assert.Error(t, err)
}

func sseResponse(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\r\n\r\n", textResponse(c))
	}
}

func TestGeminiStream(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		assert.Equal(t, "streamGenerateContent", method)
		sseResponse(w, "Hello", ", ", "world")
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	var parts []string
	for text, err := range client.Stream(context.Background(), "key", GenerateRequest{Prompt: "x"}) {
		require.NoError(t, err)
		parts = append(parts, text)
	}
	assert.Equal(t, []string{"Hello", ", ", "world"}, parts)
}

func TestGeminiStreamOutlivesRequestTimeout(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		sseResponse(w, "first")
		w.(http.Flusher).Flush()
		time.Sleep(250 * time.Millisecond)
		sseResponse(w, "second")
	}}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	client := NewGeminiAPI(srv.URL, []string{"pro"}, 100*time.Millisecond, quietLogger())

	var parts []string
	for text, err := range client.Stream(context.Background(), "key", GenerateRequest{Prompt: "x"}) {
		require.NoError(t, err)
		parts = append(parts, text)
	}
	assert.Equal(t, []string{"first", "second"}, parts)
}

func TestGeminiStreamHonorsContextDeadline(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		sseResponse(w, "first")
		w.(http.Flusher).Flush()
		time.Sleep(500 * time.Millisecond)
		sseResponse(w, "second")
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	var parts []string
	var streamErr error
	for text, err := range client.Stream(ctx, "key", GenerateRequest{Prompt: "x"}) {
		if err != nil {
			streamErr = err
			break
		}
		parts = append(parts, text)
	}
	assert.Equal(t, []string{"first"}, parts)
	assert.Error(t, streamErr)
}

func TestGeminiStreamFallsBackBeforeFirstChunk(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		if model == "pro" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(quotaBody))
			return
		}
		sseResponse(w, "from "+model)
	}}
	client := newTestGemini(t, []string{"pro", "flash"}, fake)

	var parts []string
	for text, err := range client.Stream(context.Background(), "key", GenerateRequest{Prompt: "x"}) {
		require.NoError(t, err)
		parts = append(parts, text)
	}
	assert.Equal(t, []string{"from flash"}, parts)
}

func TestGeminiStreamEarlyBreak(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		sseResponse(w, "a", "b", "c")
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	var parts []string
	for text, err := range client.Stream(context.Background(), "key", GenerateRequest{Prompt: "x"}) {
		require.NoError(t, err)
		parts = append(parts, text)
		break
	}
	assert.Equal(t, []string{"a"}, parts)
}

func TestGeminiStreamError(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"code": 500, "message": "internal"}}`))
	}}
	client := newTestGemini(t, []string{"pro", "flash"}, fake)

	var errs []error
	for _, err := range client.Stream(context.Background(), "key", GenerateRequest{Prompt: "x"}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.Error(t, errs[0])
	assert.Equal(t, []string{"pro"}, fake.calls)
}

func TestGeminiVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		if r.Header.Get("x-goog-api-key") != "good" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"models": [{"name": "models/pro"}]}`))
	}))
	defer srv.Close()

	client := NewGeminiAPI(srv.URL, []string{"pro"}, time.Second, quietLogger())
	ctx := context.Background()
	assert.True(t, client.Verify(ctx, "good"))
	assert.False(t, client.Verify(ctx, "bad"))
	assert.False(t, client.Verify(ctx, ""))
}

func TestStrategyPromptCarriesMetrics(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		sseResponse(w, "plan")
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	metrics := models.AnalysisMetrics{
		AnalyzedVideoCount: 12,
		AvgViews:           250000,
		MarketSizeLevel:    models.MarketMedium,
		DifficultyScore:    42,
		DifficultyLevel:    models.DifficultyMedium,
		TopTags:            []string{"golang", "tutorial"},
	}
	for _, err := range client.Strategy(context.Background(), "key", "learn go", metrics) {
		require.NoError(t, err)
	}

	require.Len(t, fake.bodies, 1)
	prompt := fake.bodies[0].Contents[0].Parts[0].Text
	assert.Contains(t, prompt, `"learn go"`)
	assert.Contains(t, prompt, "250000 (tier: Medium)")
	assert.Contains(t, prompt, "42/99 (Medium)")
	assert.Contains(t, prompt, "golang, tutorial")
}

func TestScriptUsesSystemInstruction(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		w.Write([]byte(textResponse("script")))
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	text, err := client.Script(context.Background(), "key", "a video about sourdough")
	require.NoError(t, err)
	assert.Equal(t, "script", text)
	require.NotNil(t, fake.bodies[0].SystemInstruction)
	assert.Contains(t, fake.bodies[0].SystemInstruction.Parts[0].Text, "call to action")

	_, err = client.Script(context.Background(), "key", "   ")
	assert.Error(t, err)
}

func TestVideoScriptPrompt(t *testing.T) {
	fake := &fakeGemini{respond: func(w http.ResponseWriter, model, method string) {
		w.Write([]byte(textResponse("00:00 [Opening]")))
	}}
	client := newTestGemini(t, []string{"pro"}, fake)

	_, err := client.VideoScript(context.Background(), "key", models.Video{
		Title:        "Sourdough in 10 minutes",
		Duration:     "PT1H2M3S",
		ChannelTitle: "Bread Lab",
	})
	require.NoError(t, err)

	prompt := fake.bodies[0].Contents[0].Parts[0].Text
	assert.Contains(t, prompt, "Sourdough in 10 minutes")
	assert.Contains(t, prompt, "1:02:03")
	assert.Contains(t, prompt, "Bread Lab")
}
