package main

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	outboxPath = "/_openherd/outbox"
	inboxPath  = "/_openherd/inbox"

	maxConcurrentProbes = 8
)

type PeerStatus struct {
	Failures int        `json:"failures"`
	LastOK   *time.Time `json:"lastOk,omitempty"`
}

// PeerSet tracks the nodes this node has synced with. A peer is forgotten
// after maxFailures consecutive failed probes.
type PeerSet struct {
	maxFailures int
	onChange    func(count int)

	mu    sync.Mutex
	peers map[string]*PeerStatus
}

func NewPeerSet(maxFailures int) *PeerSet {
	return &PeerSet{maxFailures: maxFailures, peers: make(map[string]*PeerStatus)}
}

// Addresses returns the known peer base URLs, sorted.
func (s *PeerSet) Addresses() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.peers))
	for addr := range s.peers {
		out = append(out, addr)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *PeerSet) Status(addr string) (PeerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[addr]
	if !ok {
		return PeerStatus{}, false
	}
	return *p, true
}

// MarkOK records a successful exchange, adding the peer if it is new.
func (s *PeerSet) MarkOK(addr string, at time.Time) {
	s.mu.Lock()
	p, ok := s.peers[addr]
	if !ok {
		p = &PeerStatus{}
		s.peers[addr] = p
	}
	p.Failures = 0
	p.LastOK = &at
	count := len(s.peers)
	s.mu.Unlock()
	if !ok && s.onChange != nil {
		s.onChange(count)
	}
}

// MarkFailure counts a failed probe and reports whether the peer was dropped.
// Unknown peers are ignored.
func (s *PeerSet) MarkFailure(addr string) bool {
	s.mu.Lock()
	p, ok := s.peers[addr]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p.Failures++
	dropped := p.Failures >= s.maxFailures
	if dropped {
		delete(s.peers, addr)
	}
	count := len(s.peers)
	s.mu.Unlock()
	if dropped && s.onChange != nil {
		s.onChange(count)
	}
	return dropped
}

// normalizePeer trims the trailing slashes peers are commonly written with.
func normalizePeer(base string) string {
	return strings.TrimRight(base, "/")
}

// MonitorPeers probes every peer's outbox each interval until ctx is done.
func (n *Node) MonitorPeers(ctx context.Context, interval time.Duration) {
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.probePeers(ctx)
			t.Reset(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) probePeers(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, addr := range n.peers.Addresses() {
		g.Go(func() error {
			if n.client.probe(gctx, addr) {
				n.peers.MarkOK(addr, n.now())
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			if n.peers.MarkFailure(addr) {
				n.log.Info("dropped unreachable peer", zap.String("peer", addr))
			} else {
				n.log.Debug("peer probe failed", zap.String("peer", addr))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// probe makes a single outbox request; retries are the monitor's job.
func (c *peerClient) probe(ctx context.Context, base string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalizePeer(base)+outboxPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
