package model

// Source tags where a resolved value came from.
type Source string

const (
	SourceScrape Source = "scrape"
	SourceCall   Source = "call"
	SourceHuman  Source = "human"
)

// ValidSource reports whether s is a recognized provenance source.
func ValidSource(s Source) bool {
	switch s {
	case SourceScrape, SourceCall, SourceHuman:
		return true
	}
	return false
}

// ConfidenceLevel is a discrete confidence indicator supplied by workers
// that cannot score numerically (e.g., the AI caller's self-assessment).
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// Observation is one typed fact inside a resolved payload, e.g. the monthly
// rate for a 10x10 unit at a competitor facility.
type Observation struct {
	CompetitorID string `json:"competitor_id"`
	FieldKey     string `json:"field_key"`
	UnitSize     string `json:"unit_size,omitempty"`
	Value        any    `json:"value"`
	Unit         string `json:"unit,omitempty"`
	SourceURL    string `json:"source_url,omitempty"`
	Note         string `json:"note,omitempty"`
}

// ResolvedPayload is the candidate fact a worker believes it found, prior
// to acceptance by the resolution gate. Exactly one of Confidence or
// ConfidenceLevel should be set; a numeric score wins when both are.
type ResolvedPayload struct {
	Observations    []Observation   `json:"observations"`
	Confidence      *float64        `json:"confidence,omitempty"`
	ConfidenceLevel ConfidenceLevel `json:"confidence_level,omitempty"`
	Source          Source          `json:"source"`
}
