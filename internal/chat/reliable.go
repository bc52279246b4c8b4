package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/kmizuno/streamscribe/internal/resilience"
)

// Compile-time interface check.
var _ Client = (*Reliable)(nil)

// Reliable decorates a [Client] with the posting policy: classified errors
// are retried with bounded exponential backoff and full jitter, rate limits
// honour the server-indicated delay, and calls into a single thread are
// serialised so sentences land in submission order even when several
// goroutines share the client.
type Reliable struct {
	raw     Client
	backoff resilience.BackoffConfig

	mu      sync.Mutex
	threads map[string]*sync.Mutex
}

// NewReliable wraps raw with [resilience.DefaultBackoff].
func NewReliable(raw Client) *Reliable {
	return &Reliable{
		raw:     raw,
		backoff: resilience.DefaultBackoff,
		threads: make(map[string]*sync.Mutex),
	}
}

// threadLock returns the serialisation lock for one thread, creating it on
// first use. Locks are never removed; threads are few and short-lived
// relative to the process.
func (r *Reliable) threadLock(th Thread) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.threads[th.ID()]
	if !ok {
		l = &sync.Mutex{}
		r.threads[th.ID()] = l
	}
	return l
}

// retry maps the [PostError] taxonomy onto the resilience wrappers and runs
// fn under the policy.
func (r *Reliable) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, r.backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var pe *PostError
		if errors.As(err, &pe) {
			switch pe.Class {
			case PostPermanent:
				return resilience.Permanent{Err: err}
			case PostRateLimited:
				return resilience.RetryAfter{Err: err, Delay: pe.RetryAfter}
			}
		}
		return err
	})
}

func (r *Reliable) OpenThread(ctx context.Context, channel string, h Header) (Thread, error) {
	var th Thread
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		th, err = r.raw.OpenThread(ctx, channel, h)
		return err
	})
	return th, err
}

func (r *Reliable) PostInThread(ctx context.Context, th Thread, text string) (string, error) {
	lock := r.threadLock(th)
	lock.Lock()
	defer lock.Unlock()

	var ts string
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		ts, err = r.raw.PostInThread(ctx, th, text)
		return err
	})
	return ts, err
}

func (r *Reliable) EditHeader(ctx context.Context, th Thread, h Header) error {
	return r.retry(ctx, func(ctx context.Context) error {
		return r.raw.EditHeader(ctx, th, h)
	})
}

func (r *Reliable) ResolveChannel(ctx context.Context, name string) (string, error) {
	var id string
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = r.raw.ResolveChannel(ctx, name)
		return err
	})
	return id, err
}

func (r *Reliable) Permalink(ctx context.Context, th Thread) (string, error) {
	var link string
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		link, err = r.raw.Permalink(ctx, th)
		return err
	})
	return link, err
}

func (r *Reliable) SendDM(ctx context.Context, userID, text string) error {
	return r.retry(ctx, func(ctx context.Context) error {
		return r.raw.SendDM(ctx, userID, text)
	})
}

func (r *Reliable) WhoAmI(ctx context.Context) (Identity, error) {
	var id Identity
	err := r.retry(ctx, func(ctx context.Context) error {
		var err error
		id, err = r.raw.WhoAmI(ctx)
		return err
	})
	return id, err
}
