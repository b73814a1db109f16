package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies a failed generation call.
type FailureKind string

const (
	KindRateLimited   FailureKind = "rate_limited"
	KindModelNotFound FailureKind = "model_not_found"
	KindOther         FailureKind = "other"
)

// RetryAfterSeconds is the delay suggested to users after a rate limit.
const RetryAfterSeconds = 60

// StatusError carries the HTTP status a provider answered with. Providers
// build it from their SDK's structured error so classification never has to
// inspect message text.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Classify maps a provider error to a FailureKind.
func Classify(err error) FailureKind {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return KindOther
	}
	switch statusErr.Code {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusNotFound:
		return KindModelNotFound
	default:
		return KindOther
	}
}

// GenerationError is the failure of one user turn.
type GenerationError struct {
	Kind  FailureKind
	Model string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate with %s (%s): %v", e.Model, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// UserMessage is the text shown in the chat error banner.
func (e *GenerationError) UserMessage() string {
	switch e.Kind {
	case KindRateLimited:
		return fmt.Sprintf("요청이 너무 많습니다. 약 %d초 후 다시 시도해주세요.", RetryAfterSeconds)
	case KindModelNotFound:
		return "모델을 찾을 수 없습니다. 모델 이름과 API 키 설정을 확인해주세요."
	default:
		return fmt.Sprintf("오류가 발생했습니다: %v", e.Err)
	}
}
