package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/logger"
	"dealbase/internal/models"
	"dealbase/internal/normalizer"
	"dealbase/internal/repository"
)

type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, dealID uint64, res *normalizer.Result) (int64, error)
}

// IntakeService records extracted documents and rebuilds the deal snapshot
// from every active document after each ingestion.
type IntakeService struct {
	Deals     repository.DealRepository
	Documents repository.DocumentRepository
	Snapshots SnapshotPublisher
	Audit     *audit.Recorder
	Logger    *zap.Logger
	Now       func() time.Time
}

type IngestDocumentInput struct {
	FileName    string
	FileType    string
	ContentType string
	SizeBytes   int64
	ExtractedAt *time.Time
	Supersedes  *uint64
	Records     []map[string]string
	Error       string
}

type IngestResult struct {
	Document *models.Document             `json:"document"`
	Version  int64                        `json:"snapshot_version"`
	Warnings []models.NormalizationWarning `json:"warnings"`
}

func (s *IntakeService) Ingest(ctx context.Context, dealID uint64, in IngestDocumentInput) (*IngestResult, error) {
	const op = "service.Ingest"
	fileName := strings.TrimSpace(in.FileName)
	if fileName == "" {
		return nil, apperr.InvalidInput(op, "file_name is required")
	}
	fileType := strings.ToLower(strings.TrimSpace(in.FileType))
	if _, ok := normalizer.SchemaForDocumentType(fileType); !ok {
		return nil, apperr.InvalidInput(op, "unsupported file_type %q", in.FileType)
	}
	deal, err := s.Deals.GetDealByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound(op, "deal %d", dealID)
	}
	if in.Supersedes != nil {
		old, err := s.Documents.GetDocumentByID(ctx, *in.Supersedes)
		if err != nil {
			return nil, err
		}
		if old == nil || old.DealID != dealID {
			return nil, apperr.NotFound(op, "document %d in deal %d", *in.Supersedes, dealID)
		}
		if old.SupersededBy != nil {
			return nil, apperr.Conflict(op, "document %d already superseded by %d", old.ID, *old.SupersededBy).
				WithMeta("superseded_by", *old.SupersededBy)
		}
	}

	extractedAt := s.now()
	if in.ExtractedAt != nil {
		extractedAt = in.ExtractedAt.UTC()
	}
	doc := &models.Document{
		DealID:      dealID,
		FileName:    fileName,
		FileType:    fileType,
		ContentType: strings.TrimSpace(in.ContentType),
		SizeBytes:   in.SizeBytes,
		ExtractedAt: &extractedAt,
		RecordCount: len(in.Records),
	}
	rows := make([]models.RawRow, 0, len(in.Records))
	for i, fields := range in.Records {
		rows = append(rows, models.RawRow{Row: i + 1, Fields: fields})
	}
	doc.Records = rows

	switch reason := strings.TrimSpace(in.Error); {
	case reason != "":
		doc.ExtractionStatus = models.DocumentStatusFailed
		doc.ExtractionError = &reason
	case len(rows) == 0:
		reason = "no records extracted"
		doc.ExtractionStatus = models.DocumentStatusFailed
		doc.ExtractionError = &reason
	default:
		doc.ExtractionStatus = models.DocumentStatusExtracted
	}

	if err := s.Documents.InsertDocument(ctx, doc); err != nil {
		if errors.Is(err, repository.ErrForeignKey) {
			return nil, apperr.NotFound(op, "deal %d", dealID)
		}
		return nil, fmt.Errorf("insert document: %w", err)
	}
	if in.Supersedes != nil {
		ok, err := s.Documents.SupersedeDocument(ctx, *in.Supersedes, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("supersede document %d: %w", *in.Supersedes, err)
		}
		if !ok {
			s.log().Warn("document superseded concurrently",
				zap.Uint64("deal_id", dealID),
				zap.Uint64("document_id", *in.Supersedes),
				zap.Uint64("by", doc.ID),
			)
		}
	}

	s.log().Info("document ingested",
		zap.Uint64("deal_id", dealID),
		zap.Uint64("document_id", doc.ID),
		zap.String("file_type", doc.FileType),
		zap.String("status", doc.ExtractionStatus),
		zap.Int("records", doc.RecordCount),
	)
	meta := map[string]any{
		"document_id": doc.ID,
		"file_name":   doc.FileName,
		"status":      doc.ExtractionStatus,
		"records":     doc.RecordCount,
	}
	if in.Supersedes != nil {
		meta["supersedes"] = *in.Supersedes
	}
	s.Audit.Record(ctx, dealID, models.AuditDocumentIngested, fmt.Sprintf("document %q ingested", doc.FileName), meta)

	version, warnings, err := s.Rebuild(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Document: doc, Version: version, Warnings: warnings}, nil
}

// Rebuild normalizes the records of every active document of the deal and
// publishes the result as a new snapshot version. When documents exist but
// none extracted anything, an empty snapshot is published instead.
func (s *IntakeService) Rebuild(ctx context.Context, dealID uint64) (int64, []models.NormalizationWarning, error) {
	const op = "service.Rebuild"
	docs, err := s.Documents.ListDocumentsByDeal(ctx, dealID)
	if err != nil {
		return 0, nil, err
	}
	if len(docs) == 0 {
		return 0, nil, apperr.NotFound(op, "deal %d has no documents", dealID)
	}

	var (
		records []normalizer.RawRecord
		current []uint64
	)
	for _, doc := range docs {
		if doc.SupersededBy != nil {
			continue
		}
		current = append(current, doc.ID)
		if !doc.Active() {
			continue
		}
		schema, ok := normalizer.SchemaForDocumentType(doc.FileType)
		if !ok {
			continue
		}
		var at time.Time
		if doc.ExtractedAt != nil {
			at = *doc.ExtractedAt
		}
		for _, row := range doc.Records {
			records = append(records, normalizer.RawRecord{
				DocumentID:  doc.ID,
				ExtractedAt: at,
				Row:         row.Row,
				Schema:      schema,
				Fields:      row.Fields,
			})
		}
	}

	var res *normalizer.Result
	if len(records) == 0 {
		res = normalizer.Empty(current)
	} else {
		res, err = normalizer.Normalize(records)
		if err != nil {
			s.log().Warn("normalization produced no units",
				zap.Uint64("deal_id", dealID),
				zap.Int("records", len(records)),
				zap.Error(err),
			)
			return 0, nil, err
		}
	}

	version, err := s.Snapshots.PublishSnapshot(ctx, dealID, res)
	if err != nil {
		return 0, nil, err
	}
	return version, res.Warnings, nil
}

func (s *IntakeService) ListDocuments(ctx context.Context, dealID uint64) ([]models.Document, error) {
	deal, err := s.Deals.GetDealByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound("service.ListDocuments", "deal %d", dealID)
	}
	return s.Documents.ListDocumentsByDeal(ctx, dealID)
}

func (s *IntakeService) GetDocument(ctx context.Context, dealID, documentID uint64) (*models.Document, error) {
	doc, err := s.Documents.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.DealID != dealID {
		return nil, apperr.NotFound("service.GetDocument", "document %d in deal %d", documentID, dealID)
	}
	return doc, nil
}

func (s *IntakeService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *IntakeService) log() *zap.Logger {
	return logger.OrNop(s.Logger)
}

type PreviewInput struct {
	FileType string
	Records  []map[string]string
}

// PreviewResult is a dry run of one extraction: what it would normalize to on
// its own, and how each header was mapped. Nothing is stored.
type PreviewResult struct {
	Valid    bool                          `json:"valid"`
	Error    string                        `json:"error,omitempty"`
	Columns  []normalizer.ColumnMapping    `json:"columns"`
	Units    []models.RentRollUnit         `json:"units"`
	UnitMix  []models.UnitMixBucket        `json:"unit_mix"`
	Warnings []models.NormalizationWarning `json:"warnings"`
}

// Preview normalizes records without recording a document or publishing a
// snapshot. Committing is a regular Ingest of the same records.
func (s *IntakeService) Preview(ctx context.Context, dealID uint64, in PreviewInput) (*PreviewResult, error) {
	const op = "service.Preview"
	fileType := strings.ToLower(strings.TrimSpace(in.FileType))
	schema, ok := normalizer.SchemaForDocumentType(fileType)
	if !ok {
		return nil, apperr.InvalidInput(op, "unsupported file_type %q", in.FileType)
	}
	if len(in.Records) == 0 {
		return nil, apperr.InvalidInput(op, "records are required")
	}
	deal, err := s.Deals.GetDealByID(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, apperr.NotFound(op, "deal %d", dealID)
	}

	at := s.now()
	records := make([]normalizer.RawRecord, 0, len(in.Records))
	for i, fields := range in.Records {
		records = append(records, normalizer.RawRecord{ExtractedAt: at, Row: i + 1, Schema: schema, Fields: fields})
	}
	res, err := normalizer.Normalize(records)
	out := &PreviewResult{
		Valid:    err == nil,
		Columns:  normalizer.MapColumns(schema, in.Records),
		Units:    res.Units,
		UnitMix:  res.UnitMix,
		Warnings: res.Warnings,
	}
	if err != nil {
		if !errors.Is(err, apperr.ErrNormalization) {
			return nil, err
		}
		out.Error = err.Error()
	}
	s.log().Debug("rent roll preview",
		zap.Uint64("deal_id", dealID),
		zap.String("file_type", fileType),
		zap.Int("records", len(records)),
		zap.Int("units", len(out.Units)),
		zap.Bool("valid", out.Valid),
	)
	return out, nil
}
