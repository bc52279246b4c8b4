package chat

import (
	"errors"
	"fmt"
	"time"
)

// PostClass classifies a failed chat call for the retry policy.
type PostClass int

const (
	// PostTransient covers network hiccups and 5xx responses; retried with
	// backoff.
	PostTransient PostClass = iota

	// PostRateLimited means the platform asked us to slow down; retried
	// after the server-indicated delay.
	PostRateLimited

	// PostPermanent covers auth rejections and invalid requests; never
	// retried, fails the stream.
	PostPermanent
)

func (c PostClass) String() string {
	switch c {
	case PostTransient:
		return "transient"
	case PostRateLimited:
		return "rate_limited"
	case PostPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("PostClass(%d)", int(c))
	}
}

// PostError is the classified failure of a chat call. RetryAfter is only
// meaningful for [PostRateLimited].
type PostError struct {
	Class      PostClass
	RetryAfter time.Duration
	Err        error
}

func (e *PostError) Error() string {
	return fmt.Sprintf("chat: %s: %v", e.Class, e.Err)
}

func (e *PostError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable post failure.
func Transient(err error) *PostError {
	return &PostError{Class: PostTransient, Err: err}
}

// RateLimited wraps err with the delay the platform asked for.
func RateLimited(err error, after time.Duration) *PostError {
	return &PostError{Class: PostRateLimited, RetryAfter: after, Err: err}
}

// Permanent wraps err as a non-retryable post failure.
func Permanent(err error) *PostError {
	return &PostError{Class: PostPermanent, Err: err}
}

// IsPermanent reports whether err carries a [PostPermanent] classification.
func IsPermanent(err error) bool {
	var pe *PostError
	return errors.As(err, &pe) && pe.Class == PostPermanent
}
