package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"parametric-service/internal/models"
	"parametric-service/internal/services"
)

// ReportSubmitter is implemented by *services.ClaimValidator.
type ReportSubmitter interface {
	SubmitDamageReport(ctx context.Context, caller models.Caller, report models.DamageReport, provenance models.Provenance) (*models.ClaimReceipt, error)
}

// CallerResolver maps an authenticated transport identity to a Caller.
type CallerResolver func(id string) models.Caller

// FeedCaller grants report submission to any authenticated identity. The
// claim validator still only accepts the configured trusted feed.
func FeedCaller(id string) models.Caller {
	return models.NewCaller(id, models.CapReportSubmit)
}

// ReportIngestor decodes report messages from the broker transports and
// hands them to the claim validator.
type ReportIngestor struct {
	submitter ReportSubmitter
	resolve   CallerResolver
}

func NewReportIngestor(submitter ReportSubmitter, resolve CallerResolver) *ReportIngestor {
	if resolve == nil {
		resolve = FeedCaller
	}
	return &ReportIngestor{submitter: submitter, resolve: resolve}
}

// Handle submits one encoded SubmitReportRequest sent by callerID.
func (i *ReportIngestor) Handle(ctx context.Context, transport, callerID string, body []byte) Outcome {
	var req models.SubmitReportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		slog.Error("failed to unmarshal damage report", "transport", transport, "source", callerID, "error", err)
		return OutcomeDrop
	}

	ctx = services.WithTransport(ctx, transport)
	receipt, err := i.submitter.SubmitDamageReport(ctx, i.resolve(callerID), req.Report, req.Provenance)
	if err != nil {
		return outcomeFor(err)
	}

	slog.Info("Damage report settled from broker",
		"transport", transport,
		"policy_id", receipt.PolicyID,
		"payout", receipt.PayoutAmount)
	return OutcomeAck
}

// outcomeFor acks typed rejections, which are terminal for the message, and
// requeues anything else.
func outcomeFor(err error) Outcome {
	if services.KindOf(err) == services.KindInternal {
		return OutcomeRetry
	}
	return OutcomeAck
}
