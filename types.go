package main

import (
	"time"
)

// Wire types shared by the HTTP handlers and the peer client.

// Envelope is a post as it travels between clients and nodes: the JSON post in
// Data, signed by the key in PublicKey. ID is the key's fingerprint.
type Envelope struct {
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
	ID        string `json:"id"`
	Data      string `json:"data"`
}

// Post is the signed payload carried in Envelope.Data.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Date      time.Time `json:"date"`
	Parent    *string   `json:"parent"`
}

type APIResponse struct {
	OK bool `json:"ok"`
}

type SyncRequest struct {
	Address string `json:"address"`
}

type SyncResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type GeoRegion struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	RadiusKm float64 `json:"radius_km"`
}

// KarmaCode is a single-use vote token minted by an admin.
type KarmaCode struct {
	Code          string     `json:"code"`
	Issuer        string     `json:"issuer"`
	VoteType      *string    `json:"type,omitempty"`
	Expires       time.Time  `json:"expires"`
	Region        *GeoRegion `json:"region"`
	CurrentPost   *string    `json:"current_post,omitempty"`
	UsedDirection *string    `json:"used_direction,omitempty"`
}

type KarmaMetadata struct {
	Code        string    `json:"code"`
	Expires     time.Time `json:"expires"`
	CurrentPost *string   `json:"currentPost"`
}

type KarmaGenerateRequest struct {
	Count    int        `json:"count"`
	Issuer   string     `json:"issuer"`
	VoteType *string    `json:"type,omitempty"`
	Expires  time.Time  `json:"expires"`
	Region   *GeoRegion `json:"region,omitempty"`
}

type ModerationLabel struct {
	Label       string `json:"label"`
	Description string `json:"description"`
}

// ModerationReport is what clients submit. The server-side fields are filled
// on intake; ReporterIP never leaves the node.
type ModerationReport struct {
	ID         string    `json:"id,omitempty"`
	Post       Envelope  `json:"post"`
	Reason     string    `json:"reason"`
	ReportedAt time.Time `json:"reportedAt"`
	ReporterIP string    `json:"-"`
}

type ModerationAction struct {
	ReportID string  `json:"report_id"`
	Label    *string `json:"label"`
}

type AdminAuth struct {
	Password string `json:"password"`
}
