package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang/geo/s2"
)

const (
	voteUp   = "upvote"
	voteDown = "downvote"

	karmaCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	earthRadiusKm     = 6371.0
)

var (
	ErrCodeExpired       = errors.New("karma code expired")
	ErrCodeInUse         = errors.New("karma code already used")
	ErrDirectionMismatch = errors.New("karma code is bound to the other direction")
	ErrOutsideRegion     = errors.New("post is outside the karma code's region")
	ErrInvalidVoteType   = errors.New("vote type must be upvote or downvote")
)

// newKarmaCode returns a random code shaped like ABCDE-12345.
func newKarmaCode() (string, error) {
	var b strings.Builder
	alphabetLen := big.NewInt(int64(len(karmaCodeAlphabet)))
	for i := 0; i < 10; i++ {
		if i == 5 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		b.WriteByte(karmaCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func voteDelta(direction string) int {
	if direction == voteDown {
		return -1
	}
	return 1
}

// claim binds kc to post in the given direction.
func (kc *KarmaCode) claim(post *Post, direction string, now time.Time) error {
	if kc.Expires.Before(now) {
		return ErrCodeExpired
	}
	if kc.CurrentPost != nil {
		return ErrCodeInUse
	}
	if kc.VoteType != nil && *kc.VoteType != direction {
		return ErrDirectionMismatch
	}
	if kc.Region != nil && !kc.Region.Contains(post.Latitude, post.Longitude) {
		return ErrOutsideRegion
	}
	postID := post.ID
	used := direction
	kc.CurrentPost = &postID
	kc.UsedDirection = &used
	if kc.VoteType == nil {
		// the first use fixes the direction for the code's lifetime
		vt := direction
		kc.VoteType = &vt
	}
	return nil
}

// release unbinds kc and returns the post and the delta that undoes its vote.
func (kc *KarmaCode) release() (postID string, delta int) {
	if kc.CurrentPost != nil {
		direction := voteUp
		switch {
		case kc.UsedDirection != nil:
			direction = *kc.UsedDirection
		case kc.VoteType != nil:
			direction = *kc.VoteType
		}
		postID, delta = *kc.CurrentPost, -voteDelta(direction)
	}
	kc.CurrentPost = nil
	kc.UsedDirection = nil
	return postID, delta
}

// Contains reports whether the point lies within the region's great-circle radius.
func (g *GeoRegion) Contains(lat, lon float64) bool {
	return distanceKm(g.Lat, g.Lon, lat, lon) <= g.RadiusKm
}

func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	angle := s2.LatLngFromDegrees(lat1, lon1).Distance(s2.LatLngFromDegrees(lat2, lon2))
	return angle.Radians() * earthRadiusKm
}

// Vote spends code on post.
func (n *Node) Vote(ctx context.Context, code string, post *Post, direction string) error {
	err := n.store.UpdateKarmaCode(ctx, code, func(kc *KarmaCode) (string, int, error) {
		if err := kc.claim(post, direction, n.now()); err != nil {
			return "", 0, err
		}
		return post.ID, voteDelta(direction), nil
	})
	if err == nil {
		n.metrics.votes.WithLabelValues(direction).Inc()
	}
	return err
}

// RevokeVote takes back whatever vote code cast and frees it for reuse.
func (n *Node) RevokeVote(ctx context.Context, code string) error {
	return n.store.UpdateKarmaCode(ctx, code, func(kc *KarmaCode) (string, int, error) {
		postID, delta := kc.release()
		return postID, delta, nil
	})
}

// MintKarmaCodes creates req.Count codes (at least one, at most limit).
func (n *Node) MintKarmaCodes(ctx context.Context, req *KarmaGenerateRequest, limit int) ([]KarmaCode, error) {
	if req.VoteType != nil && *req.VoteType != voteUp && *req.VoteType != voteDown {
		return nil, ErrInvalidVoteType
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	if limit > 0 && count > limit {
		count = limit
	}

	created := make([]KarmaCode, 0, count)
	for len(created) < count {
		code, err := newKarmaCode()
		if err != nil {
			return nil, fmt.Errorf("generate karma code: %w", err)
		}
		if _, err := n.store.KarmaCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		kc := KarmaCode{
			Code:     code,
			Issuer:   req.Issuer,
			VoteType: req.VoteType,
			Expires:  req.Expires,
			Region:   req.Region,
		}
		if err := n.store.PutKarmaCode(ctx, &kc); err != nil {
			return nil, err
		}
		created = append(created, kc)
	}
	return created, nil
}
