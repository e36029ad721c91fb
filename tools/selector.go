package tools

import (
	"io"
	"log/slog"
	"slices"
)

// UnknownTool is returned when no provider serves a capability.
const UnknownTool = "unknown_tool"

// Capabilities and their provider pools, most preferred first.
const (
	CapabilityOCR          = "ocr"
	CapabilityEnrichment   = "enrichment"
	CapabilityERPConnector = "erp_connector"
	CapabilityDB           = "db"
	CapabilityEmail        = "email"
	CapabilityStorage      = "storage"
)

// DefaultPools returns the provider pool of every known capability.
func DefaultPools() map[string][]string {
	return map[string][]string{
		CapabilityOCR:          {"google_vision", "tesseract", "aws_textract"},
		CapabilityEnrichment:   {"clearbit", "people_data_labs", "vendor_db"},
		CapabilityERPConnector: {"sap_sandbox", "netsuite", "mock_erp"},
		CapabilityDB:           {"postgres", "sqlite", "dynamodb"},
		CapabilityEmail:        {"sendgrid", "smartlead", "ses"},
		CapabilityStorage:      {"s3", "gcs", "local_fs"},
	}
}

// Selector maps a capability to the provider that should serve it.
type Selector struct {
	pools  map[string][]string
	logger *slog.Logger
}

// NewSelector returns a selector over the given pools. A nil pools map uses
// DefaultPools.
func NewSelector(pools map[string][]string, logger *slog.Logger) *Selector {
	if pools == nil {
		pools = DefaultPools()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Selector{pools: pools, logger: logger}
}

// Select picks the first provider of the capability's pool, or of poolHint
// when given. Handwritten OCR prefers google_vision when it is a candidate.
// An unknown capability or empty pool yields UnknownTool; Select never fails.
func (s *Selector) Select(capability string, attrs map[string]any, poolHint []string) string {
	candidates := poolHint
	if len(candidates) == 0 {
		candidates = s.pools[capability]
	}
	if len(candidates) == 0 {
		s.logger.Warn("no tools found for capability", "capability", capability)
		return UnknownTool
	}
	selected := candidates[0]
	if capability == CapabilityOCR && attrs["language"] == "handwritten" &&
		slices.Contains(candidates, "google_vision") {
		selected = "google_vision"
	}
	s.logger.Info("selected tool", "tool", selected, "capability", capability)
	return selected
}
