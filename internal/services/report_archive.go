package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"parametric-service/internal/models"
)

// ObjectStore is the subset of the MinIO client the archive needs.
type ObjectStore interface {
	UploadBytes(ctx context.Context, bucketName, objectName string, data []byte, contentType string) error
	GetBytes(ctx context.Context, bucketName, objectName string) ([]byte, error)
	FileExists(ctx context.Context, bucketName, objectName string) (bool, error)
}

// ObjectReportArchive writes each accepted report once, as JSON, to
// reports/<policy id>.json. An existing object is never overwritten.
type ObjectReportArchive struct {
	objects ObjectStore
	bucket  string
}

func NewObjectReportArchive(objects ObjectStore, bucket string) *ObjectReportArchive {
	return &ObjectReportArchive{objects: objects, bucket: bucket}
}

func reportObjectName(policyID uint64) string {
	return fmt.Sprintf("reports/%d.json", policyID)
}

func (a *ObjectReportArchive) ArchiveReport(ctx context.Context, report models.AcceptedReport) error {
	name := reportObjectName(report.PolicyID)

	exists, err := a.objects.FileExists(ctx, a.bucket, name)
	if err != nil {
		return err
	}
	if exists {
		slog.Warn("Report already archived, keeping existing object", "policy_id", report.PolicyID, "object", name)
		return nil
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report %d: %w", report.PolicyID, err)
	}
	if err := a.objects.UploadBytes(ctx, a.bucket, name, data, "application/json"); err != nil {
		return err
	}
	slog.Info("Archived damage report", "policy_id", report.PolicyID, "object", name)
	return nil
}

// LoadReport reads an archived report back.
func (a *ObjectReportArchive) LoadReport(ctx context.Context, policyID uint64) (*models.AcceptedReport, error) {
	data, err := a.objects.GetBytes(ctx, a.bucket, reportObjectName(policyID))
	if err != nil {
		return nil, err
	}
	var report models.AcceptedReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to decode archived report %d: %w", policyID, err)
	}
	return &report, nil
}
