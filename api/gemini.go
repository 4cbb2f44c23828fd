package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const geminiService = "gemini"

// ErrEmptyResponse is returned when a model answers without any text
var ErrEmptyResponse = errors.New("gemini returned no content")

// GeminiAPI is a client for the Gemini generateContent REST API.
// Models are tried in order; a model is skipped only when it reports quota exhaustion.
type GeminiAPI struct {
	baseURL    string
	models     []string
	httpClient *http.Client
	// no overall timeout; a stream may run longer than any single response
	streamClient *http.Client
	log          *logrus.Logger
}

// GenerateRequest is one prompt for the text model
type GenerateRequest struct {
	Prompt            string
	SystemInstruction string
	MaxOutputTokens   int
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// text joins every part of the first candidate
func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// NewGeminiAPI creates a new Gemini client
func NewGeminiAPI(baseURL string, models []string, timeout time.Duration, log *logrus.Logger) *GeminiAPI {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &GeminiAPI{
		baseURL:      strings.TrimRight(baseURL, "/"),
		models:       models,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{Transport: transport},
		log:          log,
	}
}

// Verify reports whether apiKey can list models. Listing costs no generation quota.
func (g *GeminiAPI) Verify(ctx context.Context, apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/models?pageSize=1", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.WithError(err).Debug("Gemini key verification failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.log.WithField("status_code", resp.StatusCode).Debug("Gemini key rejected")
		return false
	}
	return true
}

// Generate returns the complete answer for one request
func (g *GeminiAPI) Generate(ctx context.Context, apiKey string, req GenerateRequest) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", fmt.Errorf("gemini api key is required")
	}

	return TryInOrder(ctx, g.models, func(ctx context.Context, model string) (string, error) {
		resp, err := g.post(ctx, g.httpClient, apiKey, model, "generateContent", req)
		if err != nil {
			g.logFallback(model, err)
			return "", err
		}
		defer resp.Body.Close()

		var result geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return "", fmt.Errorf("failed to decode gemini response: %w", err)
		}

		text := result.text()
		if text == "" {
			return "", ErrEmptyResponse
		}
		return text, nil
	})
}

// Stream yields the answer as it is generated. The sequence is single-use:
// it opens the stream on first iteration and ends after the last fragment or
// the first error. Model fallback only applies while the stream is being opened.
func (g *GeminiAPI) Stream(ctx context.Context, apiKey string, req GenerateRequest) iter.Seq2[string, error] {
	key := strings.TrimSpace(apiKey)
	return func(yield func(string, error) bool) {
		if key == "" {
			yield("", fmt.Errorf("gemini api key is required"))
			return
		}

		resp, err := TryInOrder(ctx, g.models, func(ctx context.Context, model string) (*http.Response, error) {
			resp, err := g.post(ctx, g.streamClient, key, model, "streamGenerateContent?alt=sse", req)
			if err != nil {
				g.logFallback(model, err)
			}
			return resp, err
		})
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}

			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("failed to decode gemini stream chunk: %w", err))
				return
			}
			if text := chunk.text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("gemini stream interrupted: %w", err))
		}
	}
}

// post sends req to one model through client. The caller owns the returned body.
func (g *GeminiAPI) post(ctx context.Context, client *http.Client, apiKey, model, method string, req GenerateRequest) (*http.Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	if req.MaxOutputTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxOutputTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:%s", g.baseURL, model, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post request to gemini failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, parseAPIError(geminiService, resp.StatusCode, errBody)
	}

	return resp, nil
}

func (g *GeminiAPI) logFallback(model string, err error) {
	entry := g.log.WithError(err).WithField("model", model)
	if Classify(err) == OutcomeQuota {
		entry.Warn("Gemini model out of quota, trying next model")
		return
	}
	entry.Error("Gemini request failed")
}
