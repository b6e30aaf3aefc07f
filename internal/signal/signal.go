// Package signal defines the normalized observation of possible misuse of a
// protected identifier and the Ingestor that produces it from raw input.
package signal

import (
	"encoding/json"
	"time"
)

// SourceType identifies where an observation came from.
type SourceType string

const (
	SourceScan    SourceType = "scan"
	SourceWebhook SourceType = "webhook"
	SourceManual  SourceType = "manual"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceScan, SourceWebhook, SourceManual:
		return true
	}
	return false
}

// Kind is the category of violation a signal reports.
type Kind string

const (
	KindImpersonation    Kind = "IMPERSONATION"
	KindCodeCopy         Kind = "CODE_COPY"
	KindLicenseViolation Kind = "LICENSE_VIOLATION"
	KindCredentialLeak   Kind = "CREDENTIAL_LEAK"
	KindTrademarkMisuse  Kind = "TRADEMARK_MISUSE"
)

// Kinds lists every violation kind in a stable order.
var Kinds = []Kind{
	KindImpersonation,
	KindCodeCopy,
	KindLicenseViolation,
	KindCredentialLeak,
	KindTrademarkMisuse,
}

// Valid reports whether k is a known violation kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Key is the correlation key: one case per key may be open at a time.
type Key struct {
	Subject  string `json:"subject"`
	Violator string `json:"violator"`
	Kind     Kind   `json:"kind"`
}

func (k Key) String() string {
	return k.Subject + "|" + k.Violator + "|" + string(k.Kind)
}

// Input is a raw signal as submitted by a scanner, webhook or operator.
type Input struct {
	SourceType    string          `json:"source_type"`
	Subject       string          `json:"subject"`
	Violator      string          `json:"violator"`
	Kind          string          `json:"kind"`
	ObservedAt    time.Time       `json:"observed_at,omitempty"`
	Evidence      json.RawMessage `json:"evidence,omitempty"`
	Authoritative *bool           `json:"authoritative,omitempty"`
}

// Signal is a validated observation. It is never mutated after ingestion.
type Signal struct {
	ID            string     `json:"id"`
	SourceType    SourceType `json:"source_type"`
	Subject       string     `json:"subject"`
	Violator      string     `json:"violator"`
	Kind          Kind       `json:"kind"`
	ObservedAt    time.Time  `json:"observed_at"`
	IngestedAt    time.Time  `json:"ingested_at"`
	RawEvidence   []byte     `json:"raw_evidence,omitempty"`
	ContentHash   string     `json:"content_hash"`
	Authoritative bool       `json:"authoritative"`
	Duplicate     bool       `json:"duplicate"`
}

// Key returns the correlation key for the signal.
func (s *Signal) Key() Key {
	return Key{Subject: s.Subject, Violator: s.Violator, Kind: s.Kind}
}
