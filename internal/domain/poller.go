package domain

import (
	"encoding/json"
	"time"
)

// PollerType is the closed set of remote sources a poller node can watch.
type PollerType string

const (
	PollerTypeSFTP PollerType = "sftp"
	PollerTypeBlob PollerType = "blob"
)

// TrackingMode determines how a file's fingerprint is derived for dedup.
type TrackingMode string

const (
	TrackingModeFilename TrackingMode = "filename"
	TrackingModeChecksum TrackingMode = "checksum"
)

// DefaultFingerprintRingSize bounds PollerState.Fingerprints memory.
const DefaultFingerprintRingSize = 100

// Fingerprint is one entry in a PollerState's dedup ring.
type Fingerprint struct {
	Filename     string    `json:"filename"`
	Checksum     string    `json:"checksum,omitempty"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// PollerState is the per-(flow, node) dedup and health record for a poller.
type PollerState struct {
	FlowID          string          `json:"flow_id"`
	NodeID          string          `json:"node_id"`
	PollerType      PollerType      `json:"poller_type"`
	LastFile        string          `json:"last_file,omitempty"`
	LastProcessedAt *time.Time      `json:"last_processed_at,omitempty"`
	Fingerprints    []Fingerprint   `json:"fingerprints"`
	ConfigSnapshot  json.RawMessage `json:"config_snapshot,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastError       string          `json:"last_error,omitempty"`
	LastErrorAt     *time.Time      `json:"last_error_at,omitempty"`
}

// Seen reports whether a file with the given filename/checksum has already
// been recorded, per the node's trackingMode.
func (p *PollerState) Seen(mode TrackingMode, filename, checksum string) bool {
	for _, fp := range p.Fingerprints {
		if mode == TrackingModeFilename && fp.Filename == filename {
			return true
		}
		if mode == TrackingModeChecksum && fp.Filename == filename && fp.Checksum == checksum {
			return true
		}
	}
	return false
}

// RecordFile appends a fingerprint, trimming the ring to its bounded size
// (oldest entries drop first) and advancing LastFile/LastProcessedAt.
func (p *PollerState) RecordFile(filename, checksum string, at time.Time, ringSize int) {
	if ringSize <= 0 {
		ringSize = DefaultFingerprintRingSize
	}
	p.Fingerprints = append(p.Fingerprints, Fingerprint{
		Filename:    filename,
		Checksum:    checksum,
		ProcessedAt: at,
	})
	if over := len(p.Fingerprints) - ringSize; over > 0 {
		p.Fingerprints = p.Fingerprints[over:]
	}
	p.LastFile = filename
	p.LastProcessedAt = &at
	p.LastError = ""
	p.LastErrorAt = nil
}

// RecordError records a list/connection failure for the next tick to retry against.
func (p *PollerState) RecordError(err error, at time.Time) {
	p.LastError = err.Error()
	p.LastErrorAt = &at
}
