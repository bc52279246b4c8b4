// Package mock provides an in-memory [chat.Client] for tests. Behaviour is
// overridable per call through function fields; by default every call
// succeeds and is recorded in order.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/kmizuno/streamscribe/internal/chat"
)

// Compile-time interface check.
var _ chat.Client = (*Client)(nil)

// Client is a scripted chat backend. The zero value is ready to use.
type Client struct {
	// Override hooks. When nil, the default recording behaviour applies.
	OpenThreadFunc     func(ctx context.Context, channel string, h chat.Header) (chat.Thread, error)
	PostInThreadFunc   func(ctx context.Context, th chat.Thread, text string) (string, error)
	EditHeaderFunc     func(ctx context.Context, th chat.Thread, h chat.Header) error
	ResolveChannelFunc func(ctx context.Context, name string) (string, error)
	PermalinkFunc      func(ctx context.Context, th chat.Thread) (string, error)
	SendDMFunc         func(ctx context.Context, userID, text string) error
	WhoAmIFunc         func(ctx context.Context) (chat.Identity, error)

	// Identity returned by the default WhoAmI.
	Identity chat.Identity

	mu      sync.Mutex
	seq     int
	posts   map[string][]string // thread ID → texts in arrival order
	headers map[string]chat.Header
	edits   map[string]int
	dms     map[string][]string
}

func (c *Client) nextTS() string {
	c.seq++
	return fmt.Sprintf("1700000000.%06d", c.seq)
}

func (c *Client) OpenThread(ctx context.Context, channel string, h chat.Header) (chat.Thread, error) {
	if c.OpenThreadFunc != nil {
		return c.OpenThreadFunc(ctx, channel, h)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	th := chat.Thread{Channel: channel, RootTS: c.nextTS()}
	if c.headers == nil {
		c.headers = make(map[string]chat.Header)
	}
	c.headers[th.ID()] = h
	return th, nil
}

func (c *Client) PostInThread(ctx context.Context, th chat.Thread, text string) (string, error) {
	if c.PostInThreadFunc != nil {
		return c.PostInThreadFunc(ctx, th, text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.posts == nil {
		c.posts = make(map[string][]string)
	}
	c.posts[th.ID()] = append(c.posts[th.ID()], text)
	return c.nextTS(), nil
}

func (c *Client) EditHeader(ctx context.Context, th chat.Thread, h chat.Header) error {
	if c.EditHeaderFunc != nil {
		return c.EditHeaderFunc(ctx, th, h)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headers == nil {
		c.headers = make(map[string]chat.Header)
	}
	if c.edits == nil {
		c.edits = make(map[string]int)
	}
	c.headers[th.ID()] = h
	c.edits[th.ID()]++
	return nil
}

func (c *Client) ResolveChannel(ctx context.Context, name string) (string, error) {
	if c.ResolveChannelFunc != nil {
		return c.ResolveChannelFunc(ctx, name)
	}
	return "C" + name, nil
}

func (c *Client) Permalink(ctx context.Context, th chat.Thread) (string, error) {
	if c.PermalinkFunc != nil {
		return c.PermalinkFunc(ctx, th)
	}
	return "https://chat.example.com/archives/" + th.Channel + "/p" + th.RootTS, nil
}

func (c *Client) SendDM(ctx context.Context, userID, text string) error {
	if c.SendDMFunc != nil {
		return c.SendDMFunc(ctx, userID, text)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dms == nil {
		c.dms = make(map[string][]string)
	}
	c.dms[userID] = append(c.dms[userID], text)
	return nil
}

func (c *Client) WhoAmI(ctx context.Context) (chat.Identity, error) {
	if c.WhoAmIFunc != nil {
		return c.WhoAmIFunc(ctx)
	}
	return c.Identity, nil
}

// Posts returns the texts posted into th, in arrival order.
func (c *Client) Posts(th chat.Thread) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.posts[th.ID()]...)
}

// Header returns the current header content of th.
func (c *Client) Header(th chat.Thread) chat.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[th.ID()]
}

// Edits returns how many times th's header was edited after creation.
func (c *Client) Edits(th chat.Thread) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.edits[th.ID()]
}

// DMs returns the direct messages sent to userID.
func (c *Client) DMs(userID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.dms[userID]...)
}
