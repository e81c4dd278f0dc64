package main

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const limiterTableSize = 4096

// limiterTable hands out one token bucket per reporter, evicting the least
// recently seen reporters once full.
type limiterTable struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
}

func newLimiterTable(perMinute float64, burst int) (*limiterTable, error) {
	cache, err := lru.New[string, *rate.Limiter](limiterTableSize)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &limiterTable{limit: limit, burst: burst, cache: cache}, nil
}

func (t *limiterTable) Allow(key string) bool {
	l, ok := t.cache.Get(key)
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		if prev, found, _ := t.cache.PeekOrAdd(key, l); found {
			l = prev
		}
	}
	return l.Allow()
}

// reporterIP prefers proxy headers, then the connection's address.
func reporterIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// FileReports stores every report with a non-blank reason and returns how
// many were kept.
func (n *Node) FileReports(ctx context.Context, reports []ModerationReport, reporter string) (int, error) {
	kept := 0
	for i := range reports {
		r := reports[i]
		if strings.TrimSpace(r.Reason) == "" {
			continue
		}
		r.ID = uuid.NewString()
		r.ReportedAt = n.now().UTC()
		r.ReporterIP = reporter
		if err := n.store.AddReport(ctx, &r); err != nil {
			return kept, err
		}
		n.metrics.reports.Inc()
		kept++
	}
	return kept, nil
}

// ResolveReport applies label (if any) to the reported post and closes the report.
func (n *Node) ResolveReport(ctx context.Context, id string, label *string) error {
	return n.store.AcceptReport(ctx, id, label)
}

// DeleteLabel drops a definition and unlabels every post that carried it.
func (n *Node) DeleteLabel(ctx context.Context, label string) error {
	if err := n.store.RemoveLabelFromPosts(ctx, label); err != nil {
		return err
	}
	return n.labels.Remove(label)
}
