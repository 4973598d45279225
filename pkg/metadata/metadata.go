// Package metadata provides structured parsing and validation for memory
// write options. Options travel as JSON alongside the content and control
// which sector a record lands in and how confident the producer was.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Known memory sectors. The vector store partitions records by sector;
// the fallback store keeps the same value so reconciliation is lossless.
const (
	SectorEpisodic  = "episodic"
	SectorSemantic  = "semantic"
	SectorProcedural = "procedural"
)

// WriteOptions defines the standard structure for memory write options.
// This struct provides type-safe access to option fields stored as JSON
// alongside fallback records.
type WriteOptions struct {
	Sector     string   `json:"sector,omitempty"`     // Memory sector (episodic/semantic/procedural)
	Source     string   `json:"source,omitempty"`     // Producing subsystem (e.g. chat, import)
	Confidence float64  `json:"confidence,omitempty"` // Producer confidence in [0, 1]
	Tags       []string `json:"tags,omitempty"`       // Tags for filtering (max 10, each max 50 chars)
}

// Parse parses JSON string into WriteOptions.
// An empty string returns zero-value options; invalid JSON returns an error.
func Parse(jsonStr string) (*WriteOptions, error) {
	if jsonStr == "" {
		return &WriteOptions{}, nil
	}

	var opts WriteOptions
	if err := json.Unmarshal([]byte(jsonStr), &opts); err != nil {
		return nil, fmt.Errorf("failed to parse write options JSON: %w", err)
	}

	return &opts, nil
}

// String serializes WriteOptions to a JSON string.
// Returns empty string if the options are empty (all zero values).
func (o *WriteOptions) String() string {
	if o.IsEmpty() {
		return ""
	}

	data, err := json.Marshal(o)
	if err != nil {
		return ""
	}

	return string(data)
}

// IsEmpty checks if the options have any non-zero values.
func (o *WriteOptions) IsEmpty() bool {
	return o.Sector == "" &&
		o.Source == "" &&
		o.Confidence == 0 &&
		len(o.Tags) == 0
}

// Normalize fills defaults: unknown/empty sector becomes semantic, and a
// zero confidence becomes 0.5 (neutral).
func (o *WriteOptions) Normalize() {
	switch o.Sector {
	case SectorEpisodic, SectorSemantic, SectorProcedural:
	default:
		o.Sector = SectorSemantic
	}
	if o.Confidence == 0 {
		o.Confidence = 0.5
	}
}

// Validate validates option fields and returns an error if invalid.
// Validation rules:
// - sector: must be one of the known sectors if provided
// - confidence: must lie in [0, 1]
// - tags: max 10 tags, each tag max 50 characters, no blank tags
func (o *WriteOptions) Validate() error {
	if o.Sector != "" {
		switch o.Sector {
		case SectorEpisodic, SectorSemantic, SectorProcedural:
		default:
			return fmt.Errorf("invalid sector: %q", o.Sector)
		}
	}

	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("confidence must be in [0, 1], got %v", o.Confidence)
	}

	if len(o.Tags) > 10 {
		return fmt.Errorf("too many tags: %d (max 10)", len(o.Tags))
	}
	for _, tag := range o.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("blank tag not allowed")
		}
		if len(tag) > 50 {
			return fmt.Errorf("tag too long: %q (max 50 chars)", tag)
		}
	}

	return nil
}
