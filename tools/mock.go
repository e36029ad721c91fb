package tools

import (
	"context"
	"log/slog"
	"math"
	"strings"
)

// Mock tool names.
const (
	ToolNormalizeVendor   = "normalize_vendor"
	ToolComputeFlags      = "compute_flags"
	ToolEnrichVendor      = "enrich_vendor"
	ToolParseInvoiceLines = "parse_invoice_lines"
	ToolFetchERPData      = "fetch_erp_data"
	ToolTwoWayMatch       = "two_way_match"
	ToolCreateAccounting  = "create_accounting_entries"
	ToolPostToERP         = "post_to_erp"
	ToolSendNotification  = "send_notification"
)

// ForcedFailureAmount is the invoice amount the mocked match always rejects.
const ForcedFailureAmount = 9999

const (
	forcedFailureReason   = "Forced failure for demo"
	defaultMatchThreshold = 0.9
	matchedResult         = "MATCHED"
	failedResult          = "FAILED"
)

// NewMockRegistry returns the COMMON and ATLAS servers with mocked business
// tools. COMMON is the fallback.
func NewMockRegistry(logger *slog.Logger) *Registry {
	common := NewServer(ServerCommon, logger,
		TypedToolFunction(ToolNormalizeVendor, normalizeVendor),
		TypedToolFunction(ToolComputeFlags, computeFlags),
		TypedToolFunction(ToolParseInvoiceLines, parseInvoiceLines),
		TypedToolFunction(ToolTwoWayMatch, TwoWayMatch),
		TypedToolFunction(ToolCreateAccounting, createAccountingEntries),
	)
	atlas := NewServer(ServerAtlas, logger,
		TypedToolFunction(ToolEnrichVendor, enrichVendor),
		TypedToolFunction(ToolFetchERPData, fetchERPData),
		TypedToolFunction(ToolPostToERP, postToERP),
		TypedToolFunction(ToolSendNotification, sendNotification),
	)
	return NewRegistry(common, atlas)
}

type NormalizeVendorArgs struct {
	Name string `mapstructure:"name"`
}

type NormalizeVendorResult struct {
	NormalizedName string `mapstructure:"normalized_name"`
	TaxID          string `mapstructure:"tax_id"`
}

func normalizeVendor(ctx context.Context, args NormalizeVendorArgs) (NormalizeVendorResult, error) {
	return NormalizeVendorResult{
		NormalizedName: strings.ToUpper(strings.TrimSpace(args.Name)),
		TaxID:          "MOCK-TAX-ID-123",
	}, nil
}

type ComputeFlagsResult struct {
	MissingInfo []any `mapstructure:"missing_info"`
	RiskScore   int   `mapstructure:"risk_score"`
}

func computeFlags(ctx context.Context, args map[string]any) (ComputeFlagsResult, error) {
	return ComputeFlagsResult{MissingInfo: []any{}, RiskScore: 10}, nil
}

type EnrichVendorResult struct {
	EnrichmentMeta map[string]any `mapstructure:"enrichment_meta"`
}

func enrichVendor(ctx context.Context, args NormalizeVendorArgs) (EnrichVendorResult, error) {
	return EnrichVendorResult{
		EnrichmentMeta: map[string]any{"founded": 2000, "employees": 500},
	}, nil
}

type ParseInvoiceLinesResult struct {
	InvoiceText     string           `mapstructure:"invoice_text"`
	ParsedLineItems []map[string]any `mapstructure:"parsed_line_items"`
	DetectedPOs     []string         `mapstructure:"detected_pos"`
	Currency        string           `mapstructure:"currency"`
	ParsedDates     map[string]any   `mapstructure:"parsed_dates"`
}

func parseInvoiceLines(ctx context.Context, args map[string]any) (ParseInvoiceLinesResult, error) {
	return ParseInvoiceLinesResult{
		InvoiceText: "Mock Invoice Text",
		ParsedLineItems: []map[string]any{
			{"desc": "Item 1", "qty": 1, "unit_price": 100, "total": 100},
		},
		DetectedPOs: []string{"PO-999"},
		Currency:    "USD",
		ParsedDates: map[string]any{"invoice_date": "2023-10-01", "due_date": "2023-11-01"},
	}, nil
}

type FetchERPDataArgs struct {
	VendorTaxID string `mapstructure:"vendor_tax_id"`
}

type FetchERPDataResult struct {
	MatchedPOs  []map[string]any `mapstructure:"matched_pos"`
	MatchedGRNs []any            `mapstructure:"matched_grns"`
	History     []any            `mapstructure:"history"`
}

func fetchERPData(ctx context.Context, args FetchERPDataArgs) (FetchERPDataResult, error) {
	return FetchERPDataResult{
		MatchedPOs:  []map[string]any{{"po_number": "PO-999", "amount": 100}},
		MatchedGRNs: []any{},
		History:     []any{},
	}, nil
}

// TwoWayMatchArgs are the inputs of the two-way match.
type TwoWayMatchArgs struct {
	InvoiceAmount float64 `mapstructure:"invoice_amount"`
	POAmount      float64 `mapstructure:"po_amount"`
	Threshold     float64 `mapstructure:"threshold"`
	TolerancePct  float64 `mapstructure:"tolerance_pct"`
}

// TwoWayMatchResult is the verdict of the two-way match.
type TwoWayMatchResult struct {
	MatchScore    float64        `mapstructure:"match_score"`
	MatchResult   string         `mapstructure:"match_result"`
	TolerancePct  float64        `mapstructure:"tolerance_pct"`
	MatchEvidence map[string]any `mapstructure:"match_evidence"`
}

// TwoWayMatch is the mocked invoice/PO match. Every amount matches except
// ForcedFailureAmount, which always fails.
func TwoWayMatch(ctx context.Context, args TwoWayMatchArgs) (TwoWayMatchResult, error) {
	if args.InvoiceAmount == ForcedFailureAmount {
		return TwoWayMatchResult{
			MatchScore:    0.5,
			MatchResult:   failedResult,
			TolerancePct:  0,
			MatchEvidence: map[string]any{"reason": forcedFailureReason},
		}, nil
	}
	threshold := args.Threshold
	if threshold == 0 {
		threshold = defaultMatchThreshold
	}
	var deviation float64
	if args.POAmount != 0 {
		deviation = math.Abs(args.InvoiceAmount-args.POAmount) / args.POAmount * 100
	}
	return TwoWayMatchResult{
		MatchScore:   1.0,
		MatchResult:  matchedResult,
		TolerancePct: args.TolerancePct,
		MatchEvidence: map[string]any{
			"reason":        "Perfect match",
			"deviation_pct": math.Round(deviation*100) / 100,
			"threshold":     threshold,
		},
	}, nil
}

type CreateAccountingArgs struct {
	Amount any `mapstructure:"amount"`
}

type CreateAccountingResult struct {
	AccountingEntries    []map[string]any `mapstructure:"accounting_entries"`
	ReconciliationReport map[string]any   `mapstructure:"reconciliation_report"`
}

func createAccountingEntries(ctx context.Context, args CreateAccountingArgs) (CreateAccountingResult, error) {
	return CreateAccountingResult{
		AccountingEntries: []map[string]any{
			{"debit": "Expense", "credit": "AP", "amount": args.Amount},
		},
		ReconciliationReport: map[string]any{"status": "balanced"},
	}, nil
}

type PostToERPResult struct {
	Posted             bool   `mapstructure:"posted"`
	ERPTxnID           string `mapstructure:"erp_txn_id"`
	ScheduledPaymentID string `mapstructure:"scheduled_payment_id"`
}

func postToERP(ctx context.Context, args map[string]any) (PostToERPResult, error) {
	return PostToERPResult{Posted: true, ERPTxnID: "TXN-777", ScheduledPaymentID: "PAY-888"}, nil
}

type SendNotificationArgs struct {
	Type string `mapstructure:"type"`
}

type SendNotificationResult struct {
	NotifyStatus    map[string]any `mapstructure:"notify_status"`
	NotifiedParties []string       `mapstructure:"notified_parties"`
}

func sendNotification(ctx context.Context, args SendNotificationArgs) (SendNotificationResult, error) {
	return SendNotificationResult{
		NotifyStatus:    map[string]any{"email": "sent"},
		NotifiedParties: []string{"vendor@example.com", "finance@internal.com"},
	}, nil
}
