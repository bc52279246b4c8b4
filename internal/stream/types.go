// Package stream owns the lifecycle of live transcription streams: the state
// machine, the per-stream pipeline from audio to posted sentences, and the
// registry that enforces one active stream per user.
package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/kmizuno/streamscribe/internal/chat"
)

// State is a stream's lifecycle phase.
type State int

const (
	// StatePending covers setup: thread opened, media not yet flowing.
	StatePending State = iota

	// StateRunning means audio is being transcribed and posted.
	StateRunning

	// StateStopping is the drain phase after a stop request.
	StateStopping

	// StateStopped is the clean terminal state.
	StateStopped

	// StateFailed is the terminal state after an unrecoverable error.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Info is an immutable snapshot of one stream, safe to hand to callers.
type Info struct {
	ID        string
	TeamID    string
	UserID    string
	Thread    chat.Thread
	URL       string
	Title     string
	State     State
	Language  string
	StartedAt time.Time
	EndedAt   time.Time

	// Sentences is how many sentences have been posted.
	Sentences uint64

	// Dropped is how many segments backpressure discarded.
	Dropped uint64

	// Reason holds the failure summary for FAILED streams and the forward
	// link target for retried ones.
	Reason string
}

// NewID derives a stream identity from its coordinates. The start time is
// part of the hash so a retry of the same thread gets a fresh identity.
func NewID(teamID, userID, threadID string, startedAt time.Time) string {
	sum := sha256.Sum256([]byte(teamID + "|" + userID + "|" + threadID + "|" +
		strconv.FormatInt(startedAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:8])
}

// IntegrityError marks a request that would violate a lifecycle invariant,
// such as starting a second stream while one is active.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return "stream: " + e.Msg }

// CommandError marks a request the user can correct, with a message suitable
// for showing them directly.
type CommandError struct {
	Msg string
}

func (e *CommandError) Error() string { return e.Msg }
