package verify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dealdecision-ai/ingestion-engine/internal/collab"
	"github.com/dealdecision-ai/ingestion-engine/internal/domain"
	"github.com/dealdecision-ai/ingestion-engine/internal/lifecycle"
	"github.com/dealdecision-ai/ingestion-engine/internal/queue"
	"github.com/dealdecision-ai/ingestion-engine/internal/storage"
)

type scoreVerifier struct {
	scores map[string]float64
	views  []collab.ExtractionView
}

func (s *scoreVerifier) Verify(_ context.Context, view collab.ExtractionView) (*collab.VerificationResult, error) {
	s.views = append(s.views, view)
	score, ok := s.scores[view.DocumentID]
	if !ok {
		return nil, errors.New("verifier unavailable")
	}
	var warnings []string
	if score < lifecycle.VerifiedThreshold {
		warnings = []string{"low text density"}
	}
	return &collab.VerificationResult{
		OverallScore:  score,
		QualityChecks: map[string]interface{}{"text": map[string]interface{}{"passed": score >= 0.5}},
		Warnings:      warnings,
	}, nil
}

func completedDoc(t *testing.T, repos *storage.Repositories) *storage.Document {
	t.Helper()
	text := "Deck text"
	pages := 12
	doc := &storage.Document{
		DealID:             "deal-1",
		Type:               "pdf",
		FileName:           "deck.pdf",
		Status:             lifecycle.StatusCompleted,
		FullText:           &text,
		PageCount:          &pages,
		FullContent:        storage.JSONMap{"structured_data": map[string]interface{}{"text_summary": "s"}},
		ExtractionMetadata: storage.JSONMap{"extraction_success": true},
	}
	require.NoError(t, repos.Documents.Create(context.Background(), doc))
	return doc
}

func TestProcessor_ScoreMapping(t *testing.T) {
	ctx := context.Background()
	repos := storage.NewMemoryRepositories()
	verified := completedDoc(t, repos)
	warned := completedDoc(t, repos)
	failed := completedDoc(t, repos)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &scoreVerifier{scores: map[string]float64{verified.ID: 0.82, warned.ID: 0.6, failed.ID: 0.3}}
	p := NewProcessor(repos.Documents, v, nil)
	p.now = func() time.Time { return fixed }

	res := p.Verify(ctx, Payload{DealID: "deal-1", DocumentIDs: []string{verified.ID, warned.ID, failed.ID}}, nil)
	assert.Equal(t, 1, res.Verified)
	assert.Equal(t, 1, res.Warnings)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Errors)

	got, err := repos.Documents.GetByID(ctx, verified.ID)
	require.NoError(t, err)
	require.NotNil(t, got.VerificationStatus)
	assert.Equal(t, "verified", *got.VerificationStatus)
	require.NotNil(t, got.ReadyForAnalysisAt)
	assert.Equal(t, fixed, *got.ReadyForAnalysisAt)
	assert.Equal(t, lifecycle.StatusReadyForAnalysis, got.Status)
	assert.Equal(t, 0.82, got.VerificationResult["overall_score"])

	got, err = repos.Documents.GetByID(ctx, warned.ID)
	require.NoError(t, err)
	assert.Equal(t, "warnings", *got.VerificationStatus)
	assert.Nil(t, got.ReadyForAnalysisAt)
	assert.Equal(t, lifecycle.StatusCompleted, got.Status)
	assert.Equal(t, []string{"low text density"}, got.VerificationResult["warnings"])

	got, err = repos.Documents.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", *got.VerificationStatus)
	assert.Nil(t, got.ReadyForAnalysisAt)
	assert.Equal(t, lifecycle.StatusCompleted, got.Status)

	require.Len(t, v.views, 3)
	assert.Equal(t, "Deck text", v.views[0].FullText)
	assert.Equal(t, 12, v.views[0].PageCount)
	assert.Equal(t, true, v.views[0].ExtractionMetadata["extraction_success"])
	assert.Contains(t, v.views[0].Analysis, "structured_data")
}

func TestProcessor_DocumentFailuresDoNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	repos := storage.NewMemoryRepositories()
	broken := completedDoc(t, repos)
	good := completedDoc(t, repos)

	v := &scoreVerifier{scores: map[string]float64{good.ID: 0.9}}
	p := NewProcessor(repos.Documents, v, nil)

	var progress []int
	res := p.Verify(ctx, Payload{DealID: "deal-1", DocumentIDs: []string{"missing", broken.ID, good.ID}}, func(done, total int) {
		progress = append(progress, done*100/total)
	})

	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, 1, res.Verified)
	assert.Equal(t, []int{33, 66, 100}, progress)
	require.Len(t, res.Documents, 3)
	assert.Contains(t, res.Documents[0].Error, "not found")
	assert.Contains(t, res.Documents[1].Error, "verifier unavailable")

	got, err := repos.Documents.GetByID(ctx, broken.ID)
	require.NoError(t, err)
	require.NotNil(t, got.VerificationStatus)
	assert.Equal(t, "failed", *got.VerificationStatus)
	assert.Contains(t, got.VerificationResult["error"], "verifier unavailable")
}

func trackedJob(t *testing.T, repos *storage.Repositories, payload interface{}) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	row := &storage.Job{Type: storage.JobVerifyDocuments, Status: lifecycle.JobRunning}
	require.NoError(t, repos.Jobs.Create(context.Background(), row))
	return &queue.Job{ID: row.ID, Queue: queue.QueueVerifyDocuments, Payload: raw, Tracker: queue.NewJobTracker(row.ID, repos.Jobs, nil)}
}

func TestProcessor_Handle(t *testing.T) {
	ctx := context.Background()
	repos := storage.NewMemoryRepositories()
	doc := completedDoc(t, repos)
	p := NewProcessor(repos.Documents, collab.NewHeuristicVerifier(), nil)

	job := trackedJob(t, repos, Payload{DealID: "deal-1", DocumentIDs: []string{doc.ID}})
	require.NoError(t, p.Handle(ctx, job))

	row, err := repos.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobSucceeded, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.Contains(t, row.Message, "errors=0")

	bad := trackedJob(t, repos, map[string]interface{}{"deal_id": "deal-1"})
	err = p.Handle(ctx, bad)
	require.Error(t, err)
	assert.True(t, domain.IsType(err, domain.ErrorTypeInput))
	row, err = repos.Jobs.GetByID(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.JobFailed, row.Status)
}
