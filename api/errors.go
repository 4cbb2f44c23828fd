package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrQuotaExceeded marks a quota or rate-limit rejection from an upstream API.
// Retrying with the same credential inside the same window cannot succeed.
var ErrQuotaExceeded = errors.New("api quota exceeded")

// quota and rate-limit reasons reported by Google APIs
var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// APIError is a non-2xx response from an upstream API
type APIError struct {
	Service    string
	StatusCode int
	Status     string // e.g. RESOURCE_EXHAUSTED
	Reason     string // e.g. quotaExceeded
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s request failed with status %d (%s): %s", e.Service, e.StatusCode, e.Reason, msg)
	}
	return fmt.Sprintf("%s request failed with status %d: %s", e.Service, e.StatusCode, msg)
}

// Is lets errors.Is(err, ErrQuotaExceeded) match quota responses
func (e *APIError) Is(target error) bool {
	return target == ErrQuotaExceeded && e.isQuota()
}

func (e *APIError) isQuota() bool {
	return quotaReasons[e.Reason] ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.Status == "RESOURCE_EXHAUSTED"
}

// googleErrorBody is the error envelope shared by Google REST APIs
type googleErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

// parseAPIError builds an APIError from a failed response body
func parseAPIError(service string, statusCode int, body []byte) *APIError {
	apiErr := &APIError{Service: service, StatusCode: statusCode}

	var envelope googleErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		apiErr.Message = string(body)
		return apiErr
	}

	apiErr.Message = envelope.Error.Message
	apiErr.Status = envelope.Error.Status
	if len(envelope.Error.Errors) > 0 {
		apiErr.Reason = envelope.Error.Errors[0].Reason
	}
	return apiErr
}

// Outcome is how a caller should treat the result of an upstream call
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeQuota: fatal for the credential, but another backend may still work
	OutcomeQuota
	// OutcomeFailure: anything else
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeQuota:
		return "quota"
	default:
		return "failure"
	}
}

// Classify maps an upstream error onto an Outcome
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrQuotaExceeded):
		return OutcomeQuota
	default:
		return OutcomeFailure
	}
}

// TryInOrder calls fn for each candidate in turn. It moves on to the next
// candidate only when the previous one failed with OutcomeQuota; any other
// failure is returned immediately. When every candidate is exhausted the
// last quota error is returned.
func TryInOrder[C, R any](ctx context.Context, candidates []C, fn func(context.Context, C) (R, error)) (R, error) {
	var zero R
	if len(candidates) == 0 {
		return zero, errors.New("no candidates to try")
	}

	var lastErr error
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx, candidate)
		if Classify(err) != OutcomeQuota {
			return result, err
		}
		lastErr = err
	}

	return zero, lastErr
}
