package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, now time.Time) *Validator {
	t.Helper()
	v, err := NewValidator(16)
	require.NoError(t, err)
	v.now = func() time.Time { return now }
	return v
}

func TestValidateAcceptsSignedPost(t *testing.T) {
	author := newTestAuthor(t)
	now := time.Now()
	env := author.sign(t, Post{Text: "moo", Latitude: 52.5, Longitude: 13.4, Date: now.Add(-time.Hour)})

	post, err := newTestValidator(t, now).Validate(&env)
	require.NoError(t, err)
	assert.Equal(t, author.id, post.ID)
	assert.Equal(t, "moo", post.Text)
	assert.Nil(t, post.Parent)
}

func TestValidateComparesPostIDExactly(t *testing.T) {
	author := newTestAuthor(t)
	env := author.post(t, "loud", 0, 0)
	env.ID = strings.ToUpper(env.ID)

	_, err := newTestValidator(t, time.Now()).Validate(&env)
	var pde *PostDataError
	require.ErrorAs(t, err, &pde, "the post still names the lowercase id")
	assert.Equal(t, "Post ID does not match envelope ID", pde.Reason)
}

func TestValidateStructure(t *testing.T) {
	author := newTestAuthor(t)
	good := author.post(t, "moo", 1, 1)

	tests := []struct {
		name   string
		mutate func(*Envelope)
		want   error
	}{
		{"empty signature", func(e *Envelope) { e.Signature = "" }, ErrInvalidSignature},
		{"empty public key", func(e *Envelope) { e.PublicKey = "" }, ErrInvalidPublicKey},
		{"empty id", func(e *Envelope) { e.ID = "" }, ErrIDMismatch},
		{"unarmored signature", func(e *Envelope) { e.Signature = "c2ln" }, ErrInvalidSignature},
		{"unarmored key", func(e *Envelope) { e.PublicKey = "a2V5" }, ErrInvalidPublicKey},
		{"non-hex id", func(e *Envelope) { e.ID = "zz" + e.ID[2:] }, ErrIDMismatch},
		{"other author's id", func(e *Envelope) { e.ID = newTestAuthor(t).id }, ErrIDMismatch},
		{"garbage key block", func(e *Envelope) {
			e.PublicKey = armoredPublicKeyHeader + "\n\nnot a key\n-----END PGP PUBLIC KEY BLOCK-----"
		}, ErrInvalidPublicKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := good
			tt.mutate(&env)
			_, err := newTestValidator(t, time.Now()).Validate(&env)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateEmptyData(t *testing.T) {
	env := newTestAuthor(t).post(t, "moo", 0, 0)
	env.Data = ""
	_, err := newTestValidator(t, time.Now()).Validate(&env)
	var pde *PostDataError
	require.ErrorAs(t, err, &pde)
	assert.Equal(t, "Empty data field", pde.Reason)
}

func TestValidateRejectsTamperedData(t *testing.T) {
	env := newTestAuthor(t).post(t, "moo", 0, 0)
	env.Data = strings.Replace(env.Data, "moo", "baa", 1)

	_, err := newTestValidator(t, time.Now()).Validate(&env)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	author := newTestAuthor(t)
	other := newTestAuthor(t)
	env := author.post(t, "moo", 0, 0)
	env.Signature = other.signData(t, env.Data).Signature

	_, err := newTestValidator(t, time.Now()).Validate(&env)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateIgnoresExtraKeysInBlock(t *testing.T) {
	victim := newTestAuthor(t)
	intruder := newTestAuthor(t)

	var block bytes.Buffer
	w, err := armor.Encode(&block, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, victim.entity.Serialize(w))
	require.NoError(t, intruder.entity.Serialize(w))
	require.NoError(t, w.Close())

	env := intruder.sign(t, Post{ID: victim.id, Text: "not mine", Date: time.Now().Add(-time.Minute)})
	env.ID = victim.id
	env.PublicKey = block.String()

	_, err = newTestValidator(t, time.Now()).Validate(&env)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRequiresPostFields(t *testing.T) {
	author := newTestAuthor(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	date := now.Add(-time.Hour).Format(time.RFC3339)

	tests := []struct {
		name   string
		data   string
		reason string
	}{
		{"no id", fmt.Sprintf(`{"text":"x","latitude":1,"longitude":2,"date":%q}`, date), "missing field id"},
		{"no text", fmt.Sprintf(`{"id":%q,"latitude":1,"longitude":2,"date":%q}`, author.id, date), "missing field text"},
		{"no latitude", fmt.Sprintf(`{"id":%q,"text":"x","longitude":2,"date":%q}`, author.id, date), "missing field latitude"},
		{"no longitude", fmt.Sprintf(`{"id":%q,"text":"x","latitude":1,"date":%q}`, author.id, date), "missing field longitude"},
		{"no date", fmt.Sprintf(`{"id":%q,"text":"no coords no date"}`, author.id), "missing field latitude"},
		{"null date", fmt.Sprintf(`{"id":%q,"text":"x","latitude":1,"longitude":2,"date":null}`, author.id), "missing field date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := author.signData(t, tt.data)
			_, err := newTestValidator(t, now).Validate(&env)
			var pde *PostDataError
			require.ErrorAs(t, err, &pde)
			assert.Equal(t, tt.reason, pde.Reason)
		})
	}

	env := author.signData(t, fmt.Sprintf(`{"id":%q,"text":"x","latitude":0,"longitude":0,"date":%q}`, author.id, date))
	post, err := newTestValidator(t, now).Validate(&env)
	require.NoError(t, err, "zero coordinates and a missing parent are fine")
	assert.Nil(t, post.Parent)
}

func TestValidatePostRules(t *testing.T) {
	author := newTestAuthor(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		post   Post
		reason string
	}{
		{"blank text", Post{Text: "   ", Date: now}, "Post text cannot be empty"},
		{"latitude too high", Post{Text: "x", Latitude: 90.5, Date: now}, "Invalid latitude range"},
		{"latitude too low", Post{Text: "x", Latitude: -91, Date: now}, "Invalid latitude range"},
		{"longitude too high", Post{Text: "x", Longitude: 180.1, Date: now}, "Invalid longitude range"},
		{"longitude too low", Post{Text: "x", Longitude: -200, Date: now}, "Invalid longitude range"},
		{"far future", Post{Text: "x", Date: now.Add(6 * time.Minute)}, "Post date cannot be in the future"},
		{"wrong post id", Post{ID: "abc123", Text: "x", Date: now}, "Post ID does not match envelope ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := author.sign(t, tt.post)
			_, err := newTestValidator(t, now).Validate(&env)
			var pde *PostDataError
			require.ErrorAs(t, err, &pde)
			assert.Equal(t, tt.reason, pde.Reason)
			assert.Equal(t, "invalid post data: "+tt.reason, err.Error())
		})
	}
}

func TestValidateBoundaries(t *testing.T) {
	author := newTestAuthor(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, post := range []Post{
		{Text: "pole", Latitude: 90, Longitude: 180, Date: now},
		{Text: "antipole", Latitude: -90, Longitude: -180, Date: now},
		{Text: "clock skew", Date: now.Add(4 * time.Minute)},
		{Text: "exactly five", Date: now.Add(5 * time.Minute)},
	} {
		env := author.sign(t, post)
		_, err := newTestValidator(t, now).Validate(&env)
		assert.NoError(t, err, post.Text)
	}
}

func TestValidateUndecodableData(t *testing.T) {
	env := newTestAuthor(t).signData(t, "{not json")
	_, err := newTestValidator(t, time.Now()).Validate(&env)
	var pde *PostDataError
	assert.ErrorAs(t, err, &pde)
}

func TestValidateCachesAcceptedEnvelopes(t *testing.T) {
	author := newTestAuthor(t)
	v := newTestValidator(t, time.Now())
	env := author.post(t, "moo", 0, 0)

	first, err := v.Validate(&env)
	require.NoError(t, err)
	second, err := v.Validate(&env)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, v.cache.Len())

	bad := env
	bad.Data = strings.Replace(bad.Data, "moo", "baa", 1)
	_, err = v.Validate(&bad)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 1, v.cache.Len(), "rejected envelopes are not cached")
}
