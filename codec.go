package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	mimeJSON = "application/json"
	mimeCBOR = "application/cbor"

	// what a node asks peers for; JSON-only peers simply ignore the preference
	acceptEnvelopes = mimeCBOR + ", " + mimeJSON + ";q=0.9"
)

// prefersCBOR reports whether the Accept header ranks CBOR above JSON.
func prefersCBOR(accept string) bool {
	var cborQ, jsonQ float64 = -1, -1
	for _, part := range strings.Split(accept, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		switch mt {
		case mimeCBOR:
			cborQ = q
		case mimeJSON, "*/*", "application/*":
			if q > jsonQ {
				jsonQ = q
			}
		}
	}
	return cborQ > 0 && cborQ > jsonQ
}

// writeEnvelopes encodes envs in whichever format the request prefers.
func writeEnvelopes(w http.ResponseWriter, r *http.Request, envs []Envelope) {
	if prefersCBOR(r.Header.Get("Accept")) {
		data, err := cbor.Marshal(envs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", mimeCBOR)
		w.Header().Add("Vary", "Accept")
		_, _ = w.Write(data)
		return
	}
	w.Header().Add("Vary", "Accept")
	writeJSON(w, http.StatusOK, envs)
}

// decodeEnvelopes reads an outbox body of the given content type.
func decodeEnvelopes(contentType string, r io.Reader) ([]Envelope, error) {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// many servers omit the header; JSON is the protocol default
		mt = mimeJSON
	}
	var envs []Envelope
	switch mt {
	case mimeCBOR:
		if err := cbor.NewDecoder(r).Decode(&envs); err != nil {
			return nil, fmt.Errorf("decode cbor: %w", err)
		}
	default:
		if err := json.NewDecoder(r).Decode(&envs); err != nil {
			return nil, err
		}
	}
	return envs, nil
}
