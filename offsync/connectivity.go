// Copyright 2026 MedFlow Clinic
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectivityProvider reports whether the backend is reachable. It is
// injected into the offline wrapper and the sync engine so tests can
// simulate offline deterministically instead of reading a process-wide
// flag.
type ConnectivityProvider interface {
	Online() bool
}

// StaticConnectivity is a switchable provider used in tests and by apps
// that track connectivity themselves.
type StaticConnectivity struct {
	online int32
}

// NewStaticConnectivity returns a provider with the given initial state.
func NewStaticConnectivity(online bool) *StaticConnectivity {
	c := &StaticConnectivity{}
	c.Set(online)
	return c
}

func (c *StaticConnectivity) Online() bool {
	return atomic.LoadInt32(&c.online) == 1
}

// Set flips the reported state.
func (c *StaticConnectivity) Set(online bool) {
	var v int32
	if online {
		v = 1
	}
	atomic.StoreInt32(&c.online, v)
}

// ProbeConnectivity reports reachability by probing the backend health
// endpoint, caching the result for a short TTL so status reads stay
// cheap.
type ProbeConnectivity struct {
	URL    string
	HTTP   *http.Client
	TTL    time.Duration
	Clock  Clock
	mu     sync.Mutex
	last   time.Time
	online bool
}

// NewProbeConnectivity probes healthURL with a 3s request timeout and a
// 5s result cache.
func NewProbeConnectivity(healthURL string) *ProbeConnectivity {
	return &ProbeConnectivity{
		URL:   healthURL,
		HTTP:  &http.Client{Timeout: 3 * time.Second},
		TTL:   5 * time.Second,
		Clock: SystemClock{},
	}
}

func (c *ProbeConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.Clock.Now()
	if !c.last.IsZero() && now.Sub(c.last) < c.TTL {
		return c.online
	}
	c.last = now
	c.online = c.probe()
	return c.online
}

func (c *ProbeConnectivity) probe() bool {
	req, err := http.NewRequest(http.MethodHead, c.URL, nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
