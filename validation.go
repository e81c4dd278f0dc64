package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	armoredSignatureHeader = "-----BEGIN PGP SIGNATURE-----"
	armoredPublicKeyHeader = "-----BEGIN PGP PUBLIC KEY BLOCK-----"

	futureDateTolerance = 5 * time.Minute
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrIDMismatch       = errors.New("post ID does not match key fingerprint")
)

// PostDataError reports a well-signed envelope whose post content is unusable.
type PostDataError struct {
	Reason string
}

func (e *PostDataError) Error() string {
	return "invalid post data: " + e.Reason
}

func invalidPostData(reason string) error {
	return &PostDataError{Reason: reason}
}

// Validator checks envelopes and remembers the ones that passed, so peers
// re-sending the same outbox don't cost a signature check each time.
type Validator struct {
	now   func() time.Time
	cache *lru.Cache[[sha256.Size]byte, Post]
}

func NewValidator(cacheSize int) (*Validator, error) {
	cache, err := lru.New[[sha256.Size]byte, Post](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create validation cache: %w", err)
	}
	return &Validator{now: time.Now, cache: cache}, nil
}

// Validate returns the decoded post when env is structurally sound, signed by
// the key it names and carries a sensible post.
func (v *Validator) Validate(env *Envelope) (*Post, error) {
	digest := envelopeDigest(env)
	if post, ok := v.cache.Get(digest); ok {
		// the signature can't go stale, but the clock-dependent rule can
		if err := checkPost(&post, v.now()); err != nil {
			return nil, err
		}
		return &post, nil
	}

	post, err := validateEnvelope(env, v.now())
	if err != nil {
		return nil, err
	}
	v.cache.Add(digest, *post)
	return post, nil
}

func envelopeDigest(env *Envelope) [sha256.Size]byte {
	h := sha256.New()
	for _, part := range []string{env.ID, env.PublicKey, env.Signature, env.Data} {
		fmt.Fprintf(h, "%d:%s", len(part), part)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func validateEnvelope(env *Envelope, now time.Time) (*Post, error) {
	if err := checkStructure(env); err != nil {
		return nil, err
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(env.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(keyring) == 0 {
		return nil, ErrInvalidPublicKey
	}
	author := keyring[0]
	fingerprint := hex.EncodeToString(author.PrimaryKey.Fingerprint[:])
	if !strings.EqualFold(fingerprint, env.ID) {
		return nil, ErrIDMismatch
	}

	// only the key named by the id may vouch for the data; any further keys in
	// the block are ignored
	if _, err := openpgp.CheckArmoredDetachedSignature(openpgp.EntityList{author}, strings.NewReader(env.Data), strings.NewReader(env.Signature), nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	post, err := decodePost([]byte(env.Data))
	if err != nil {
		return nil, err
	}
	if post.ID != env.ID {
		return nil, invalidPostData("Post ID does not match envelope ID")
	}
	if err := checkPost(post, now); err != nil {
		return nil, err
	}
	return post, nil
}

// postFields mirrors Post with every required field as a pointer, so an
// absent field is told apart from a zero value.
type postFields struct {
	ID        *string    `json:"id"`
	Text      *string    `json:"text"`
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Date      *time.Time `json:"date"`
	Parent    *string    `json:"parent"`
}

func decodePost(data []byte) (*Post, error) {
	var f postFields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, invalidPostData(err.Error())
	}
	switch {
	case f.ID == nil:
		return nil, invalidPostData("missing field id")
	case f.Text == nil:
		return nil, invalidPostData("missing field text")
	case f.Latitude == nil:
		return nil, invalidPostData("missing field latitude")
	case f.Longitude == nil:
		return nil, invalidPostData("missing field longitude")
	case f.Date == nil:
		return nil, invalidPostData("missing field date")
	}
	return &Post{
		ID:        *f.ID,
		Text:      *f.Text,
		Latitude:  *f.Latitude,
		Longitude: *f.Longitude,
		Date:      *f.Date,
		Parent:    f.Parent,
	}, nil
}

func checkStructure(env *Envelope) error {
	switch {
	case env.Signature == "":
		return ErrInvalidSignature
	case env.PublicKey == "":
		return ErrInvalidPublicKey
	case env.ID == "":
		return ErrIDMismatch
	case env.Data == "":
		return invalidPostData("Empty data field")
	case !strings.Contains(env.Signature, armoredSignatureHeader):
		return ErrInvalidSignature
	case !strings.Contains(env.PublicKey, armoredPublicKeyHeader):
		return ErrInvalidPublicKey
	}
	for _, c := range env.ID {
		if !isHexDigit(c) {
			return ErrIDMismatch
		}
	}
	return nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func checkPost(post *Post, now time.Time) error {
	if strings.TrimSpace(post.Text) == "" {
		return invalidPostData("Post text cannot be empty")
	}
	if math.IsNaN(post.Latitude) || post.Latitude < -90 || post.Latitude > 90 {
		return invalidPostData("Invalid latitude range")
	}
	if math.IsNaN(post.Longitude) || post.Longitude < -180 || post.Longitude > 180 {
		return invalidPostData("Invalid longitude range")
	}
	if post.Date.After(now.Add(futureDateTolerance)) {
		return invalidPostData("Post date cannot be in the future")
	}
	return nil
}
