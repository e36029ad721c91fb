// Package stages implements the invoice processing stages. Business results
// come from mocked tool servers; every stage reads the run through a
// hitlflow.StateReader and returns its own output record.
package stages

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/tools"
	"go.jetify.com/typeid"
)

const (
	defaultPOAmount      = 100
	escalationAmount     = 10000
	reviewQueueName      = "human-review"
	defaultPausedReason  = "two-way match failed"
	unknownDecision      = "UNKNOWN"
	clarificationRequest = "clarification_request"
)

// Settings are the tunables injected from configuration.
type Settings struct {
	MatchThreshold float64
	TolerancePct   float64
}

// DefaultSettings returns the stock match threshold and tolerance.
func DefaultSettings() Settings {
	return Settings{MatchThreshold: 0.9, TolerancePct: 5}
}

// Options configures the stage executors.
type Options struct {
	Settings Settings
	Selector *tools.Selector
	Tools    *tools.Registry
	Now      func() time.Time
}

type pipeline struct {
	settings Settings
	selector *tools.Selector
	common   tools.Provider
	atlas    tools.Provider
	now      func() time.Time
}

// Executors returns one executor per invoice stage.
func Executors(opts Options) []hitlflow.StageExecutor {
	if opts.Selector == nil {
		opts.Selector = tools.NewSelector(nil, nil)
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewMockRegistry(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &pipeline{
		settings: opts.Settings,
		selector: opts.Selector,
		common:   opts.Tools.Client(tools.ServerCommon),
		atlas:    opts.Tools.Client(tools.ServerAtlas),
		now:      opts.Now,
	}
	return []hitlflow.StageExecutor{
		hitlflow.NewStageFunction(hitlflow.StageIntake, p.intake),
		hitlflow.NewStageFunction(hitlflow.StageUnderstand, p.understand),
		hitlflow.NewStageFunction(hitlflow.StagePrepare, p.prepare),
		hitlflow.NewStageFunction(hitlflow.StageRetrieve, p.retrieve),
		hitlflow.NewStageFunction(hitlflow.StageMatchTwoWay, p.matchTwoWay),
		hitlflow.NewStageFunction(hitlflow.StageCheckpointHITL, p.checkpointHITL),
		hitlflow.NewStageFunction(hitlflow.StageHITLDecision, p.hitlDecision),
		hitlflow.NewStageFunction(hitlflow.StageReconcile, p.reconcile),
		hitlflow.NewStageFunction(hitlflow.StageApprove, p.approve),
		hitlflow.NewStageFunction(hitlflow.StagePosting, p.posting),
		hitlflow.NewStageFunction(hitlflow.StageNotify, p.notify),
		hitlflow.NewStageFunction(hitlflow.StageComplete, p.complete),
		hitlflow.NewStageFunction(hitlflow.StageClarify, p.clarify),
	}
}

func (p *pipeline) timestamp() string {
	return p.now().UTC().Format(time.RFC3339Nano)
}

// INTAKE validates and registers the raw invoice.
func (p *pipeline) intake(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(invoice); err != nil {
		return nil, fmt.Errorf("invalid invoice payload: %w", err)
	}
	rawID, err := typeid.WithPrefix("raw")
	if err != nil {
		return nil, err
	}
	storage := p.selector.Select(tools.CapabilityStorage, map[string]any{"type": "invoice"}, nil)
	return hitlflow.Output{
		"raw_id":          rawID.String(),
		"invoice_id":      invoice.InvoiceID,
		"ingest_ts":       p.timestamp(),
		"validated":       true,
		"storage_backend": storage,
	}, nil
}

// UNDERSTAND runs OCR and parses line items.
func (p *pipeline) understand(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	ocr := p.selector.Select(tools.CapabilityOCR, map[string]any{
		"attachments": invoice.Attachments,
		"language":    invoice.Language,
	}, nil)
	parsed, err := p.common.Call(ctx, tools.ToolParseInvoiceLines, map[string]any{})
	if err != nil {
		return nil, err
	}
	return hitlflow.Output{
		"parsed_invoice": parsed,
		"ocr_provider":   ocr,
	}, nil
}

// PREPARE normalizes and enriches the vendor.
func (p *pipeline) prepare(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	understood, err := upstream(state, hitlflow.StageUnderstand)
	if err != nil {
		return nil, err
	}
	provider := p.selector.Select(tools.CapabilityEnrichment, map[string]any{"vendor": invoice.VendorName}, nil)

	normalized, err := p.common.Call(ctx, tools.ToolNormalizeVendor, map[string]any{"name": invoice.VendorName})
	if err != nil {
		return nil, err
	}
	enriched, err := p.atlas.Call(ctx, tools.ToolEnrichVendor, map[string]any{"name": normalized["normalized_name"]})
	if err != nil {
		return nil, err
	}
	flags, err := p.common.Call(ctx, tools.ToolComputeFlags, map[string]any{})
	if err != nil {
		return nil, err
	}
	profile := map[string]any{}
	maps.Copy(profile, normalized)
	maps.Copy(profile, enriched)
	return hitlflow.Output{
		"vendor_profile":      profile,
		"normalized_invoice":  understood["parsed_invoice"],
		"flags":               flags,
		"enrichment_provider": provider,
	}, nil
}

type vendorProfile struct {
	TaxID string `mapstructure:"tax_id"`
}

// RETRIEVE fetches purchase orders and receipts from the ERP.
func (p *pipeline) retrieve(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	prepared, err := upstream(state, hitlflow.StagePrepare)
	if err != nil {
		return nil, err
	}
	var profile vendorProfile
	if err := decode(prepared["vendor_profile"], &profile); err != nil {
		return nil, fmt.Errorf("invalid vendor profile: %w", err)
	}
	connector := p.selector.Select(tools.CapabilityERPConnector, map[string]any{"env": "sandbox"}, nil)
	data, err := p.atlas.Call(ctx, tools.ToolFetchERPData, map[string]any{"vendor_tax_id": profile.TaxID})
	if err != nil {
		return nil, err
	}
	out := hitlflow.Output{}
	maps.Copy(out, data)
	out["erp_connector"] = connector
	return out, nil
}

type erpData struct {
	MatchedPOs []struct {
		PONumber string  `mapstructure:"po_number"`
		Amount   float64 `mapstructure:"amount"`
	} `mapstructure:"matched_pos"`
}

// MATCH_TWO_WAY compares the invoice amount with the first matched PO.
func (p *pipeline) matchTwoWay(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	retrieved, err := upstream(state, hitlflow.StageRetrieve)
	if err != nil {
		return nil, err
	}
	var erp erpData
	if err := decode(retrieved, &erp); err != nil {
		return nil, fmt.Errorf("invalid erp data: %w", err)
	}
	poAmount := float64(defaultPOAmount)
	if len(erp.MatchedPOs) > 0 {
		poAmount = erp.MatchedPOs[0].Amount
	}
	result, err := p.common.Call(ctx, tools.ToolTwoWayMatch, map[string]any{
		"invoice_amount": invoice.Amount,
		"po_amount":      poAmount,
		"threshold":      p.settings.MatchThreshold,
		"tolerance_pct":  p.settings.TolerancePct,
	})
	if err != nil {
		return nil, err
	}
	hitlflow.LoggerFromContext(ctx).Info("two-way match",
		"invoice_amount", invoice.Amount,
		"po_amount", poAmount,
		"result", result["match_result"])
	return hitlflow.Output(result), nil
}

type matchOutcome struct {
	Evidence struct {
		Reason string `mapstructure:"reason"`
	} `mapstructure:"match_evidence"`
}

// CHECKPOINT_HITL prepares the review request that gates HITL_DECISION.
func (p *pipeline) checkpointHITL(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	reason := defaultPausedReason
	if matched, ok := state.Output(hitlflow.StageMatchTwoWay); ok {
		var outcome matchOutcome
		if err := decode(map[string]any(matched), &outcome); err == nil && outcome.Evidence.Reason != "" {
			reason = outcome.Evidence.Reason
		}
	}
	if clarified, ok := state.Output(hitlflow.StageClarify); ok && state.ReviewCycles() > 0 {
		reason = fmt.Sprintf("%s (clarification %s)", reason, clarified.String("status"))
	}
	db := p.selector.Select(tools.CapabilityDB, map[string]any{"usage": "checkpoints"}, nil)
	return hitlflow.Output{
		"paused_reason": reason,
		"review_queue":  reviewQueueName,
		"db_tool":       db,
		"requested_at":  p.timestamp(),
		"review_cycle":  state.ReviewCycles() + 1,
	}, nil
}

// HITL_DECISION records the decision the engine injected on resume.
func (p *pipeline) hitlDecision(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	injected, _ := state.Output(hitlflow.StageHITLDecision)
	decision := injected.String("human_decision")
	if decision == "" {
		decision = unknownDecision
	}
	out := hitlflow.Output{
		"human_decision": decision,
		"reviewer_id":    injected.String("reviewer_id"),
		"processed_at":   p.timestamp(),
	}
	if notes := injected.String("notes"); notes != "" {
		out["notes"] = notes
	}
	return out, nil
}

// RECONCILE creates the accounting entries.
func (p *pipeline) reconcile(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	result, err := p.common.Call(ctx, tools.ToolCreateAccounting, map[string]any{"amount": invoice.Amount})
	if err != nil {
		return nil, err
	}
	return hitlflow.Output(result), nil
}

// APPROVE auto-approves small invoices and escalates large ones.
func (p *pipeline) approve(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	status, approver := "APPROVED", "SYSTEM"
	if invoice.Amount > escalationAmount {
		status, approver = "ESCALATED", "CFO"
	}
	return hitlflow.Output{"approval_status": status, "approver_id": approver}, nil
}

// POSTING books the invoice in the ERP.
func (p *pipeline) posting(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	connector := p.selector.Select(tools.CapabilityERPConnector, nil, nil)
	result, err := p.atlas.Call(ctx, tools.ToolPostToERP, map[string]any{})
	if err != nil {
		return nil, err
	}
	out := hitlflow.Output{}
	maps.Copy(out, result)
	out["erp_connector"] = connector
	return out, nil
}

// NOTIFY informs the vendor and finance.
func (p *pipeline) notify(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	email := p.selector.Select(tools.CapabilityEmail, nil, nil)
	result, err := p.atlas.Call(ctx, tools.ToolSendNotification, map[string]any{})
	if err != nil {
		return nil, err
	}
	out := hitlflow.Output{}
	maps.Copy(out, result)
	out["email_provider"] = email
	return out, nil
}

// COMPLETE assembles the final payload.
func (p *pipeline) complete(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	invoice, err := DecodeInvoice(state.Input())
	if err != nil {
		return nil, err
	}
	posted, err := upstream(state, hitlflow.StagePosting)
	if err != nil {
		return nil, err
	}
	db := p.selector.Select(tools.CapabilityDB, nil, nil)
	return hitlflow.Output{
		"final_payload": map[string]any{
			"invoice_id": invoice.InvoiceID,
			"status":     string(hitlflow.RunStatusCompleted),
			"erp_txn":    posted.String("erp_txn_id"),
		},
		"status":   string(hitlflow.RunStatusCompleted),
		"audit_db": db,
	}, nil
}

// CLARIFY asks the vendor to clarify before the next review.
func (p *pipeline) clarify(ctx context.Context, state hitlflow.StateReader) (hitlflow.Output, error) {
	email := p.selector.Select(tools.CapabilityEmail, nil, nil)
	result, err := p.atlas.Call(ctx, tools.ToolSendNotification, map[string]any{"type": clarificationRequest})
	if err != nil {
		return nil, err
	}
	out := hitlflow.Output{}
	maps.Copy(out, result)
	out["email_provider"] = email
	out["status"] = "REQUESTED"
	return out, nil
}

// upstream returns the output of an upstream stage that must have run.
func upstream(state hitlflow.StateReader, stage hitlflow.Stage) (hitlflow.Output, error) {
	out, ok := state.Output(stage)
	if !ok {
		return nil, fmt.Errorf("stage %s has not run", stage)
	}
	return out, nil
}
