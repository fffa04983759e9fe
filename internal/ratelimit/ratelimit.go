// Package ratelimit implements per-credential fixed-window request and token
// counters. Each window spans one wall-clock minute (UTC).
package ratelimit

import (
	"sync"
	"time"
)

// Window is the request and token count observed in one minute.
type Window struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
}

// counter holds the current window for a single credential.
type counter struct {
	mu     sync.Mutex
	start  time.Time // minute the window covers
	window Window
}

func (c *counter) roll(now time.Time) {
	m := now.UTC().Truncate(time.Minute)
	if !m.Equal(c.start) {
		c.start = m
		c.window = Window{}
	}
}

// Windows manages per-credential minute counters.
type Windows struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

// NewWindows creates an empty counter registry.
func NewWindows() *Windows {
	return &Windows{counters: make(map[string]*counter)}
}

func (w *Windows) get(key string) *counter {
	w.mu.RLock()
	c, ok := w.counters[key]
	w.mu.RUnlock()
	if ok {
		return c
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// Double-check after acquiring write lock.
	if c, ok := w.counters[key]; ok {
		return c
	}
	c = &counter{}
	w.counters[key] = c
	return c
}

// Add records requests and tokens in the minute containing now and returns
// the updated window.
func (w *Windows) Add(key string, requests, tokens int64, now time.Time) Window {
	c := w.get(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	c.window.Requests += requests
	c.window.Tokens += tokens
	return c.window
}

// Current returns the window for the minute containing now without mutating it.
func (w *Windows) Current(key string, now time.Time) Window {
	w.mu.RLock()
	c, ok := w.counters[key]
	w.mu.RUnlock()
	if !ok {
		return Window{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.start.Equal(now.UTC().Truncate(time.Minute)) {
		return Window{}
	}
	return c.window
}

// Reset drops the counter for key.
func (w *Windows) Reset(key string) {
	w.mu.Lock()
	delete(w.counters, key)
	w.mu.Unlock()
}

// Len returns the number of tracked credentials.
func (w *Windows) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.counters)
}

// EvictStale removes counters whose window started before cutoff.
func (w *Windows) EvictStale(cutoff time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	evicted := 0
	for k, c := range w.counters {
		c.mu.Lock()
		stale := c.start.Before(cutoff)
		c.mu.Unlock()
		if stale {
			delete(w.counters, k)
			evicted++
		}
	}
	return evicted
}
