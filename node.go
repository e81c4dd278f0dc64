package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/sessions"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const validationCacheSize = 50_000

// Node is the running state of one openherd-cow instance.
type Node struct {
	cfg       *Config
	log       *zap.Logger
	store     *Store
	validator *Validator
	labels    *LabelBook
	peers     *PeerSet
	client    *peerClient
	sessions  *sessions.CookieStore
	limits    *limiterTable
	metrics   *metrics
	now       func() time.Time

	mu    sync.RWMutex
	posts map[string]Envelope
}

func NewNode(cfg *Config, store *Store, log *zap.Logger, reg prometheus.Registerer) (*Node, error) {
	validator, err := NewValidator(validationCacheSize)
	if err != nil {
		return nil, err
	}
	limits, err := newLimiterTable(cfg.Moderation.ReportsPerMinute, cfg.Moderation.ReportBurst)
	if err != nil {
		return nil, err
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		log:       log,
		store:     store,
		validator: validator,
		labels:    NewLabelBook(cfg.Storage.LabelsPath),
		peers:     NewPeerSet(cfg.Peers.MaxFailures),
		client:    newPeerClient(&cfg.Peers, log),
		sessions:  newAdminSessions(cfg.Admin.SessionSecret, cfg.Server.TLSEnabled()),
		limits:    limits,
		metrics:   m,
		now:       time.Now,
		posts:     make(map[string]Envelope),
	}
	n.peers.onChange = func(count int) { m.peers.Set(float64(count)) }
	return n, nil
}

// LoadPosts fills the in-memory outbox from the store.
func (n *Node) LoadPosts(ctx context.Context) error {
	envs, dropped, err := n.store.LoadEnvelopes(ctx)
	if err != nil {
		return fmt.Errorf("load posts: %w", err)
	}
	if dropped > 0 {
		n.log.Warn("dropped undecodable stored posts", zap.Int("count", dropped))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, env := range envs {
		n.posts[env.ID] = env
	}
	n.log.Info("loaded posts", zap.Int("count", len(envs)))
	return nil
}

// Outbox returns every known envelope ordered by id.
func (n *Node) Outbox() []Envelope {
	n.mu.RLock()
	out := make([]Envelope, 0, len(n.posts))
	for _, env := range n.posts {
		out = append(out, env)
	}
	n.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ImportEnvelopes stores every valid envelope and returns how many were kept.
// The error collects one entry per rejected envelope; a failed write to the
// store is logged but the envelope is still served from memory.
func (n *Node) ImportEnvelopes(ctx context.Context, envs []Envelope) (int, error) {
	var errs *multierror.Error
	imported := 0
	for i := range envs {
		env := envs[i]
		if _, err := n.validator.Validate(&env); err != nil {
			n.metrics.rejected.Inc()
			errs = multierror.Append(errs, fmt.Errorf("post %s: %w", env.ID, err))
			continue
		}
		if err := n.store.PutEnvelope(ctx, &env); err != nil {
			n.log.Error("store post", zap.String("id", env.ID), zap.Error(err))
		}
		n.mu.Lock()
		n.posts[env.ID] = env
		n.mu.Unlock()
		n.metrics.imported.Inc()
		imported++
	}
	return imported, errs.ErrorOrNil()
}
