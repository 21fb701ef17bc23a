// Package llmtest provides a deterministic scripted llm.Client for tests.
// Responses are consumed from per-route scripts (matched by prompt
// substring) with a sequential fallback, so parallel fan-out tests stay
// deterministic even when call order is not.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gradeos/gradeos/pkg/llm"
)

// ScriptEntry is one scripted response.
type ScriptEntry struct {
	Text  string    // response text
	Usage llm.Usage // reported token usage (optional)
	Err   error     // returned instead of a response when set

	// BlockUntilCancelled makes Complete block until ctx is cancelled,
	// then return a CANCELLED-kind error. OnBlock (if set) is notified
	// when the blocking path is entered.
	BlockUntilCancelled bool
	OnBlock             chan<- struct{}
}

// ScriptedClient implements llm.Client with dual dispatch: routed scripts
// matched by prompt substring, then a sequential fallback.
type ScriptedClient struct {
	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     []route
	captured   []*llm.Request
}

type route struct {
	match   string
	entries []ScriptEntry
	index   int
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// AddSequential appends an entry consumed in order by non-routed calls.
func (c *ScriptedClient) AddSequential(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddText is shorthand for a plain-text sequential entry.
func (c *ScriptedClient) AddText(text string) {
	c.AddSequential(ScriptEntry{Text: text, Usage: llm.Usage{InputTokens: 100, OutputTokens: 50}})
}

// AddRouted appends an entry consumed by calls whose prompt or system text
// contains match. Routes are checked in registration order.
func (c *ScriptedClient) AddRouted(match string, entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.routes {
		if c.routes[i].match == match {
			c.routes[i].entries = append(c.routes[i].entries, entry)
			return
		}
	}
	c.routes = append(c.routes, route{match: match, entries: []ScriptEntry{entry}})
}

// Complete implements llm.Client.
func (c *ScriptedClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if entry.Err != nil {
		return nil, entry.Err
	}
	return &llm.Response{
		Text:  entry.Text,
		Model: "scripted",
		Usage: entry.Usage,
	}, nil
}

// Close implements llm.Client.
func (c *ScriptedClient) Close() error { return nil }

// CapturedRequests returns every request seen, in call order.
func (c *ScriptedClient) CapturedRequests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// CallCount returns the number of Complete invocations.
func (c *ScriptedClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.captured)
}

func (c *ScriptedClient) nextEntry(req *llm.Request) (ScriptEntry, error) {
	haystack := req.System + "\n" + req.Prompt
	for i := range c.routes {
		r := &c.routes[i]
		if strings.Contains(haystack, r.match) && r.index < len(r.entries) {
			entry := r.entries[r.index]
			r.index++
			return entry, nil
		}
	}
	if c.seqIndex < len(c.sequential) {
		entry := c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}
	return ScriptEntry{}, fmt.Errorf("scripted client exhausted after %d calls", len(c.captured))
}
