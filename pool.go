// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package s7

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool keeps several sessions to one PLC so that independent callers can
// run requests in parallel. Each session still carries one request at a time.
//
// A weighted semaphore bounds the number of sessions checked out at once.
// Returned sessions are parked on an idle stack and handed out most recently
// used first, so rarely needed sessions age out through the health check.
type Pool struct {
	addr string
	opts *poolOptions
	dial func() (*Client, error)

	slots *semaphore.Weighted
	done  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup

	mu      sync.Mutex
	idle    []*idleSession
	live    int
	closed  bool
	metrics *PoolMetrics
}

type idleSession struct {
	client *Client
	since  time.Time
}

// PoolMetrics counts pool activity.
type PoolMetrics struct {
	Gets     Counter
	Puts     Counter
	Hits     Counter
	Misses   Counter
	Timeouts Counter
	Created  Counter
	Closed   Counter
	Evicted  Counter
}

// NewPool returns a pool for the PLC at addr. No session is opened until
// the first Get.
func NewPool(addr string, opts ...PoolOption) (*Pool, error) {
	if addr == "" {
		return nil, errors.New("s7: pool address cannot be empty")
	}

	options := defaultPoolOptions()
	for _, opt := range opts {
		opt(options)
	}
	options.size = max(options.size, 1)

	// Reject bad client options here rather than on the first dial.
	probe, err := NewClient(addr, options.clientOpts...)
	if err != nil {
		return nil, err
	}
	probe.Close()

	done, stop := context.WithCancel(context.Background())
	p := &Pool{
		addr:    addr,
		opts:    options,
		slots:   semaphore.NewWeighted(int64(options.size)),
		done:    done,
		stop:    stop,
		metrics: &PoolMetrics{},
	}
	p.dial = func() (*Client, error) {
		return NewClient(addr, options.clientOpts...)
	}

	if options.healthCheckFreq > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	return p, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fresh reports whether a parked session may be handed out again.
func (p *Pool) fresh(s *idleSession, now time.Time) bool {
	if !s.client.IsConnected() {
		return false
	}
	return p.opts.maxIdleTime == 0 || now.Sub(s.since) <= p.opts.maxIdleTime
}

// Get returns a ready client, reusing a parked session when one is
// available and dialing otherwise. When every slot is checked out Get
// waits for a Put, for ctx to end or for the pool to close.
func (p *Pool) Get(ctx context.Context) (*Client, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	p.metrics.Gets.Add(1)

	if !p.slots.TryAcquire(1) {
		wait, cancel := context.WithCancel(ctx)
		unhook := context.AfterFunc(p.done, cancel)
		err := p.slots.Acquire(wait, 1)
		unhook()
		cancel()
		switch {
		case err == nil:
		case p.done.Err() != nil && ctx.Err() == nil:
			return nil, ErrPoolClosed
		default:
			p.metrics.Timeouts.Add(1)
			return nil, errors.Join(ErrPoolExhausted, err)
		}
	}

	client, err := p.checkout(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	return client, nil
}

// checkout runs with a slot held.
func (p *Pool) checkout(ctx context.Context) (*Client, error) {
	now := time.Now()
	var stale []*Client

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.fresh(s, now) {
			p.mu.Unlock()
			p.closeAll(stale)
			p.metrics.Hits.Add(1)
			return s.client, nil
		}
		p.live--
		stale = append(stale, s.client)
	}
	p.live++
	p.mu.Unlock()

	p.closeAll(stale)
	p.metrics.Misses.Add(1)

	client, err := p.dial()
	if err == nil {
		err = client.Connect(ctx)
		if err != nil {
			client.Close()
		}
	}
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, err
	}
	p.metrics.Created.Add(1)
	return client, nil
}

func (p *Pool) closeAll(clients []*Client) {
	for _, c := range clients {
		c.Close()
		p.metrics.Closed.Add(1)
	}
}

// Put returns a client obtained from Get. Sessions that are no longer
// ready, or that come back after Close, are closed instead of parked.
func (p *Pool) Put(client *Client) {
	if client == nil {
		return
	}
	p.metrics.Puts.Add(1)

	p.mu.Lock()
	if p.closed || !client.IsConnected() {
		p.live--
		p.mu.Unlock()
		p.closeAll([]*Client{client})
	} else {
		p.idle = append(p.idle, &idleSession{client: client, since: time.Now()})
		p.mu.Unlock()
	}
	p.slots.Release(1)
}

// discard closes a checked-out client and frees its slot.
func (p *Pool) discard(client *Client) error {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	err := client.Close()
	p.metrics.Closed.Add(1)
	p.slots.Release(1)
	return err
}

// Do runs fn with a pooled client. The client goes back to the pool
// afterwards unless fn failed with a connection error, in which case the
// session is dropped. PLC return codes keep the session.
func (p *Pool) Do(ctx context.Context, fn func(*Client) error) error {
	client, err := p.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(client)
	if IsConnectionError(err) {
		p.discard(client)
		return err
	}
	p.Put(client)
	return err
}

// Close closes every parked session and makes further Gets fail with
// ErrPoolClosed. Checked-out clients are closed when they are Put back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()

	for _, s := range idle {
		p.closeAll([]*Client{s.client})
	}
	return nil
}

// PoolStats is a snapshot of the pool state.
type PoolStats struct {
	Size      int
	Created   int // sessions currently open, parked or checked out
	Available int // sessions parked
	Gets      int64
	Puts      int64
	Hits      int64
	Misses    int64
	Timeouts  int64
	Evicted   int64
}

// Stats returns the current pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	live, idle := p.live, len(p.idle)
	p.mu.Unlock()

	return PoolStats{
		Size:      p.opts.size,
		Created:   live,
		Available: idle,
		Gets:      p.metrics.Gets.Value(),
		Puts:      p.metrics.Puts.Value(),
		Hits:      p.metrics.Hits.Value(),
		Misses:    p.metrics.Misses.Value(),
		Timeouts:  p.metrics.Timeouts.Value(),
		Evicted:   p.metrics.Evicted.Value(),
	}
}

// Metrics returns the pool counters.
func (p *Pool) Metrics() *PoolMetrics {
	return p.metrics
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.healthCheckFreq)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.evict(now)
		case <-p.done.Done():
			return
		}
	}
}

// evict closes parked sessions that went idle for too long or lost their
// connection.
func (p *Pool) evict(now time.Time) {
	var stale []*Client

	p.mu.Lock()
	kept := p.idle[:0]
	for _, s := range p.idle {
		if p.fresh(s, now) {
			kept = append(kept, s)
			continue
		}
		stale = append(stale, s.client)
	}
	clear(p.idle[len(kept):])
	p.idle = kept
	p.live -= len(stale)
	p.mu.Unlock()

	p.metrics.Evicted.Add(int64(len(stale)))
	p.closeAll(stale)
}

// PooledClient is a Client whose Close hands it back to its pool.
type PooledClient struct {
	*Client
	pool *Pool
	once sync.Once
}

// GetPooled is Get wrapped in a PooledClient.
func (p *Pool) GetPooled(ctx context.Context) (*PooledClient, error) {
	client, err := p.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &PooledClient{Client: client, pool: p}, nil
}

// Close returns the client to the pool. Only the first of Close and
// Discard has an effect.
func (pc *PooledClient) Close() error {
	pc.once.Do(func() { pc.pool.Put(pc.Client) })
	return nil
}

// Discard closes the session instead of returning it.
func (pc *PooledClient) Discard() error {
	var err error
	pc.once.Do(func() { err = pc.pool.discard(pc.Client) })
	return err
}
