package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bluesky-social/indigo/util/ssrf"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const maxOutboxBytes = 64 << 20

// peerClient talks to other nodes' outbox and inbox.
type peerClient struct {
	http         *retryablehttp.Client
	maxPushPosts int
}

// retryLogger adapts zap to retryablehttp's leveled logger.
type retryLogger struct{ s *zap.SugaredLogger }

func (l retryLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }

func newPeerClient(cfg *PeersConfig, log *zap.Logger) *peerClient {
	c := retryablehttp.NewClient()
	c.RetryMax = cfg.SyncRetries
	c.RetryWaitMin = 250 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = retryLogger{log.Named("peer").Sugar()}
	c.HTTPClient.Timeout = cfg.SyncTimeout
	if cfg.PublicOnly {
		c.HTTPClient.Transport = ssrf.PublicOnlyTransport()
	}
	// hand non-2xx responses back to the caller instead of an error
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &peerClient{http: c, maxPushPosts: cfg.MaxPushPosts}
}

func (c *peerClient) fetchOutbox(ctx context.Context, base string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, base+outboxPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", acceptEnvelopes)
	return c.http.Do(req)
}

func (c *peerClient) pushInbox(ctx context.Context, base string, envs []Envelope) (*http.Response, error) {
	body, err := json.Marshal(envs)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+inboxPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeJSON)
	return c.http.Do(req)
}

// parsePeerAddress accepts absolute http(s) URLs and returns them without a
// trailing slash.
func parsePeerAddress(address string) (string, bool) {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return normalizePeer(u.String()), true
}

func syncFailure(format string, args ...interface{}) SyncResponse {
	return SyncResponse{OK: false, Message: fmt.Sprintf(format, args...)}
}

// Sync pulls the peer's outbox, pushes ours to its inbox and on success adds
// it to the peer set. Failures are reported in the response, never as errors.
func (n *Node) Sync(ctx context.Context, address string) SyncResponse {
	base, ok := parsePeerAddress(address)
	if !ok {
		return n.syncResult(syncFailure("Invalid URL format"))
	}
	log := n.log.With(zap.String("peer", base))

	resp, err := n.client.fetchOutbox(ctx, base)
	if err != nil {
		return n.syncResult(syncFailure("Failed to fetch remote outbox: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return n.syncResult(syncFailure("Remote outbox returned status %s", resp.Status))
	}
	incoming, err := decodeEnvelopes(resp.Header.Get("Content-Type"), io.LimitReader(resp.Body, maxOutboxBytes))
	resp.Body.Close()
	if err != nil {
		return n.syncResult(syncFailure("Failed to parse remote outbox: %v", err))
	}

	imported, err := n.ImportEnvelopes(ctx, incoming)
	if err != nil {
		log.Debug("rejected remote posts", zap.Error(err))
	}
	log.Info("pulled remote outbox", zap.Int("received", len(incoming)), zap.Int("imported", imported))

	outgoing := n.Outbox()
	if limit := n.client.maxPushPosts; limit > 0 && len(outgoing) > limit {
		outgoing = outgoing[:limit]
	}
	resp, err = n.client.pushInbox(ctx, base, outgoing)
	if err != nil {
		return n.syncResult(syncFailure("Failed to push to remote inbox: %v", err))
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return n.syncResult(syncFailure("Remote inbox returned status %s", resp.Status))
	}

	n.peers.MarkOK(base, n.now())
	return n.syncResult(SyncResponse{OK: true, Message: "Sync complete"})
}

func (n *Node) syncResult(r SyncResponse) SyncResponse {
	result := "ok"
	if !r.OK {
		result = "failed"
		n.log.Info("sync failed", zap.String("reason", r.Message))
	}
	n.metrics.syncs.WithLabelValues(result).Inc()
	return r
}
