package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealbase/internal/apperr"
	"dealbase/internal/audit"
	"dealbase/internal/dealstate"
	"dealbase/internal/models"
	"dealbase/internal/normalizer"
	"dealbase/internal/repository"
	"dealbase/internal/repository/memory"
)

type fixture struct {
	repo   *memory.Store
	states *dealstate.Store
	deals  *DealService
	intake *IntakeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := memory.New()
	rec := &audit.Recorder{Repo: repo}
	states := &dealstate.Store{Repo: repo, Audit: rec}
	return &fixture{
		repo:   repo,
		states: states,
		deals:  &DealService{Repo: repo, Audit: rec},
		intake: &IntakeService{Deals: repo, Documents: repo, Snapshots: states, Audit: rec},
	}
}

func (f *fixture) deal(t *testing.T, name string) *models.Deal {
	t.Helper()
	d, err := f.deals.Create(context.Background(), CreateDealInput{Name: name, City: "Austin"})
	require.NoError(t, err)
	return d
}

func at(day int) *time.Time {
	v := time.Date(2025, 3, day, 9, 0, 0, 0, time.UTC)
	return &v
}

func TestCreateDealAssignsUniqueSlugs(t *testing.T) {
	f := newFixture(t)
	first := f.deal(t, "Maple Court Apartments")
	second := f.deal(t, "Maple Court Apartments")
	third := f.deal(t, "Maple Court Apartments")

	assert.Equal(t, "maple-court-apartments", first.Slug)
	assert.Equal(t, "maple-court-apartments-2", second.Slug)
	assert.Equal(t, "maple-court-apartments-3", third.Slug)
	assert.Equal(t, models.DealStatusDraft, first.Status)

	got, err := f.deals.GetBySlug(context.Background(), "maple-court-apartments-2")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestCreateDealValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.deals.Create(context.Background(), CreateDealInput{Name: "  "})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.deals.Create(context.Background(), CreateDealInput{Name: "Elm", Status: "sold"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestUpdateDealStatusIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.deal(t, "Cedar Flats")

	updated, err := f.deals.UpdateStatus(ctx, d.ID, models.DealStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusActive, updated.Status)

	_, err = f.deals.UpdateStatus(ctx, d.ID, "unknown")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	kind := models.AuditDealStatusChanged
	events, err := f.repo.ListAuditEvents(ctx, repository.ListAuditEventsParams{DealID: d.ID, EventType: &kind})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"from":"draft","to":"active"}`, string(events[0].Metadata))
}

func TestListDealsRejectsUnknownOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deal(t, "Bravo")
	f.deal(t, "Alpha")

	items, total, err := f.deals.List(ctx, ListDealsInput{OrderBy: "name", Asc: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, "Alpha", items[0].Name)

	_, _, err = f.deals.List(ctx, ListDealsInput{OrderBy: "name; drop table deals"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestDeleteUnknownDeal(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.deals.Delete(context.Background(), 404), apperr.ErrNotFound)
}

func TestIngestLaterDocumentWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.deal(t, "Oak Terrace")

	first, err := f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName:    "rent-roll-march.xlsx",
		FileType:    models.DocumentTypeRentRoll,
		ExtractedAt: at(1),
		Records: []map[string]string{
			{"unit": "101", "rent": "1200/mo"},
			{"unit": "102", "rent": "1300/mo"},
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Version)
	assert.Equal(t, models.DocumentStatusExtracted, first.Document.ExtractionStatus)

	second, err := f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName:    "rent-roll-april.xlsx",
		FileType:    models.DocumentTypeRentRoll,
		ExtractedAt: at(15),
		Records:     []map[string]string{{"unit": "101", "rent": "1250/mo"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Version)

	snap, err := f.states.CurrentSnapshot(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, snap.Units, 2)
	assert.Equal(t, "101", snap.Units[0].UnitID)
	assert.True(t, snap.Units[0].CurrentRent.Equal(decimal.NewFromInt(1250)), "rent=%s", snap.Units[0].CurrentRent)
	assert.Equal(t, second.Document.ID, snap.Units[0].SourceDocumentID)
	assert.Equal(t, []uint64{first.Document.ID, second.Document.ID}, []uint64(snap.SourceDocuments))
}

func TestIngestSupersededDocumentDropsOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.deal(t, "Pine Gardens")

	first, err := f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName: "roll.csv",
		FileType: models.DocumentTypeRentRoll,
		Records:  []map[string]string{{"unit": "1", "rent": "900"}, {"unit": "2", "rent": "950"}},
	})
	require.NoError(t, err)

	supersedes := first.Document.ID
	_, err = f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName:   "roll-fixed.csv",
		FileType:   models.DocumentTypeRentRoll,
		Supersedes: &supersedes,
		Records:    []map[string]string{{"unit": "1", "rent": "905"}},
	})
	require.NoError(t, err)

	snap, err := f.states.CurrentSnapshot(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, snap.Units, 1)
	assert.Equal(t, 1, snap.UnitCount)

	old, err := f.intake.GetDocument(ctx, d.ID, supersedes)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededBy)

	_, err = f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName:   "again.csv",
		FileType:   models.DocumentTypeRentRoll,
		Supersedes: &supersedes,
		Records:    []map[string]string{{"unit": "1", "rent": "905"}},
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestIngestAllFailedPublishesEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.deal(t, "Willow Park")

	res, err := f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName: "scan.pdf",
		FileType: models.DocumentTypeRentRoll,
		Error:    "ocr failed",
	})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, res.Document.ExtractionStatus)
	assert.EqualValues(t, 1, res.Version)

	snap, err := f.states.CurrentSnapshot(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Units)
	assert.Equal(t, 0, snap.UnitCount)
	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, normalizer.WarnNoRecords, snap.Warnings[0].Code)
}

func TestIngestNormalizationErrorDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.deal(t, "Aspen Row")

	_, err := f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName: "broken.csv",
		FileType: models.DocumentTypeRentRoll,
		Records:  []map[string]string{{"tenant": "J. Doe"}, {"rent": "abc"}},
	})
	assert.ErrorIs(t, err, apperr.ErrNormalization)

	_, err = f.states.CurrentSnapshot(ctx, d.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	docs, err := f.intake.ListDocuments(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIngestRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.deal(t, "Birch")

	_, err := f.intake.Ingest(ctx, d.ID, IngestDocumentInput{FileName: "x.csv", FileType: "invoice"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.intake.Ingest(ctx, 999, IngestDocumentInput{FileName: "x.csv", FileType: models.DocumentTypeRentRoll})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	other := f.deal(t, "Other")
	doc, err := f.intake.Ingest(ctx, other.ID, IngestDocumentInput{
		FileName: "o.csv",
		FileType: models.DocumentTypeRentRoll,
		Records:  []map[string]string{{"unit": "1", "rent": "700"}},
	})
	require.NoError(t, err)
	foreign := doc.Document.ID
	_, err = f.intake.Ingest(ctx, d.ID, IngestDocumentInput{
		FileName:   "x.csv",
		FileType:   models.DocumentTypeRentRoll,
		Supersedes: &foreign,
		Records:    []map[string]string{{"unit": "1", "rent": "700"}},
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAssumptionsUpdateMergesAndSeedsRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.deal(t, "Cedar Flats")
	svc := &AssumptionsService{Deals: f.repo, Repo: f.repo, Audit: &audit.Recorder{Repo: f.repo}}

	empty, err := svc.RunAssumptions(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, empty.VacancyRate)
	assert.Nil(t, empty.RentGrowth)

	def, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, def.Stored)

	vacancy := decimal.RequireFromString("0.07")
	term := 24
	got, err := svc.Update(ctx, d.ID, UpdateAssumptionsInput{
		VacancyRate:        &vacancy,
		AvgLeaseTermMonths: &term,
		ProFormaRents:      map[string]decimal.Decimal{"studio": decimal.RequireFromString("950.456"), "2 bed": decimal.NewFromInt(1500)},
	})
	require.NoError(t, err)
	assert.True(t, got.Stored)
	assert.Equal(t, 24, got.AvgLeaseTermMonths)
	assert.True(t, got.TurnoverRate.Equal(def.TurnoverRate), "unset fields keep their defaults")
	require.Len(t, got.ProFormaRents, 2)
	assert.Equal(t, "2BR", got.ProFormaRents[0].UnitType)
	assert.Equal(t, "Studio", got.ProFormaRents[1].UnitType)
	assert.Equal(t, "950.46", got.ProFormaRents[1].Rent.String())

	growth := decimal.RequireFromString("0.04")
	_, err = svc.Update(ctx, d.ID, UpdateAssumptionsInput{MarketRentGrowth: &growth})
	require.NoError(t, err)

	run, err := svc.RunAssumptions(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, run.VacancyRate)
	assert.Equal(t, "0.07", run.VacancyRate.String())
	assert.Equal(t, "0.04", run.RentGrowth.String())
	assert.Equal(t, "1500", run.ProFormaRents["2BR"].String())

	bad := decimal.NewFromInt(1)
	_, err = svc.Update(ctx, d.ID, UpdateAssumptionsInput{VacancyRate: &bad})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.Update(ctx, 4040, UpdateAssumptionsInput{MarketRentGrowth: &growth})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPreviewLeavesDealUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.deal(t, "Aspen Yard")

	res, err := f.intake.Preview(ctx, d.ID, PreviewInput{
		FileType: "rent_roll",
		Records: []map[string]string{
			{"Unit": "A1", "Rent": "$1,050 / mo", "Beds": "1"},
			{"Unit": "A2", "Rent": "1100", "Beds": "1"},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Len(t, res.Units, 2)
	assert.True(t, res.Units[0].CurrentRent.Equal(decimal.NewFromInt(1050)))
	require.Len(t, res.Columns, 3)
	for _, c := range res.Columns {
		assert.True(t, c.Mapped, c.Header)
	}

	_, err = f.states.CurrentSnapshot(ctx, d.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	docs, err := f.repo.ListDocumentsByDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = f.intake.Preview(ctx, 4040, PreviewInput{FileType: "rent_roll", Records: []map[string]string{{"Unit": "1"}}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
