package model

import "time"

// SourceType classifies where a candidate record came from. The synthesizer
// ranks these by reliability when merging conflicting values.
type SourceType string

const (
	SourceRegulatoryFiling   SourceType = "regulatory-filing"
	SourceOfficialPrimary    SourceType = "official-primary"
	SourceStructuredRegistry SourceType = "structured-registry"
	SourceFirstParty         SourceType = "first-party"
	SourcePressNews          SourceType = "press-news"
	SourceInferred           SourceType = "inferred"
)

// ConfidenceLevel is a strategy's own assessment of a record's quality.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// CandidateRecord is one fact bundle produced by one strategy. Records are
// append-only: once collected they are never mutated or deleted.
type CandidateRecord struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	StrategyID    string            `json:"strategy_id"`
	NormalizedKey string            `json:"normalized_key"`
	RawName       string            `json:"raw_name"`
	Attributes    map[string]any    `json:"attributes"`
	Identifiers   map[string]string `json:"identifiers,omitempty"`
	SourceType    SourceType        `json:"source_type"`
	SourceURL     string            `json:"source_url,omitempty"`
	Confidence    ConfidenceLevel   `json:"confidence"`
	CollectedAt   time.Time         `json:"collected_at"`
}

// EntityProfile holds what is known about a research target up front.
// Planner rules inspect it to decide which strategies apply.
type EntityProfile struct {
	Identity    string            `json:"identity"`
	Type        TargetType        `json:"type"`
	Name        string            `json:"name,omitempty"`
	Website     string            `json:"website,omitempty"`
	Location    string            `json:"location,omitempty"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
}
