package services

import (
	"context"
	"log/slog"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/observability"
)

// FundingPool is the capital source premiums flow into and payouts flow out
// of. Each call either fully succeeds or moves nothing.
type FundingPool interface {
	CanAcceptPolicy(ctx context.Context, sumInsured int64) (bool, error)
	CollectPremium(ctx context.Context, policyID uint64, gross int64, distributorRef string) error
	ProcessPayout(ctx context.Context, policyID uint64, amount int64) error
	ProvideCapital(ctx context.Context, from string, amount int64) error
	Release(ctx context.Context, recipient string, amount int64) error
}

// CertificateNotifier forwards lifecycle changes to the certificate
// renderer. Delivery is best effort.
type CertificateNotifier interface {
	MintCertificate(ctx context.Context, mint models.CertificateMint) error
	UpdateCertificateStatus(ctx context.Context, status models.CertificateStatus) error
}

// ExpiryScheduler arranges for ExpirePolicy to be called at a policy's end date.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, policyID uint64, endDate time.Time) error
	CancelExpiry(ctx context.Context, policyID uint64) error
}

// ReportArchive stores accepted reports outside the ledger database.
type ReportArchive interface {
	ArchiveReport(ctx context.Context, report models.AcceptedReport) error
}

// Dispatcher runs fn some time after the call returns.
type Dispatcher interface {
	Dispatch(name string, fn func(ctx context.Context) error)
}

// InlineDispatcher runs fn immediately on the calling goroutine.
type InlineDispatcher struct{}

func (InlineDispatcher) Dispatch(name string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		slog.Warn("Side effect failed", "action", name, "error", err)
	}
}

// sideEffects fans post-commit notifications out to whichever collaborators
// are configured. Nothing here can fail the operation that triggered it.
type sideEffects struct {
	dispatcher Dispatcher
	notifier   CertificateNotifier
	expiry     ExpiryScheduler
	archive    ReportArchive
	metrics    *observability.Metrics
}

func (s *sideEffects) run(name string, fn func(ctx context.Context) error) {
	d := s.dispatcher
	if d == nil {
		d = InlineDispatcher{}
	}
	metrics := s.metrics
	d.Dispatch(name, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil {
			metrics.SideEffectFailed(name)
		}
		return err
	})
}

func (s *sideEffects) mintCertificate(policy models.Policy) {
	if s.notifier == nil {
		return
	}
	mint := models.CertificateMint{
		PolicyID:     policy.ID,
		Farmer:       policy.Farmer,
		PlotRef:      policy.PlotRef,
		SumInsured:   policy.SumInsured,
		Premium:      policy.Premium,
		StartDate:    policy.StartDate,
		EndDate:      policy.EndDate,
		CoverageKind: policy.CoverageKind,
	}
	s.run("mint_certificate", func(ctx context.Context) error {
		return s.notifier.MintCertificate(ctx, mint)
	})
}

func (s *sideEffects) certificateStatus(policyID uint64, active bool) {
	if s.notifier == nil {
		return
	}
	status := models.CertificateStatus{PolicyID: policyID, IsActive: active}
	s.run("certificate_status", func(ctx context.Context) error {
		return s.notifier.UpdateCertificateStatus(ctx, status)
	})
}

func (s *sideEffects) scheduleExpiry(policyID uint64, endDate int64) {
	if s.expiry == nil {
		return
	}
	s.run("schedule_expiry", func(ctx context.Context) error {
		return s.expiry.ScheduleExpiry(ctx, policyID, time.Unix(endDate, 0))
	})
}

func (s *sideEffects) cancelExpiry(policyID uint64) {
	if s.expiry == nil {
		return
	}
	s.run("cancel_expiry", func(ctx context.Context) error {
		return s.expiry.CancelExpiry(ctx, policyID)
	})
}

func (s *sideEffects) archiveReport(report models.AcceptedReport) {
	if s.archive == nil {
		return
	}
	s.run("archive_report", func(ctx context.Context) error {
		return s.archive.ArchiveReport(ctx, report)
	})
}
