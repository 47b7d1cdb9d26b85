package service_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/model"
	"github.com/unclebandit/rallymail-backend/internal/repository"
	"github.com/unclebandit/rallymail-backend/internal/service"
)

// ✅ Mock job repository for pagination; only List and ListOutcomesForJobs are used
type MockJobPaginationRepo struct {
	repository.JobRepositoryInterface
	outcomeCalls [][]int
}

func (m *MockJobPaginationRepo) List(_ context.Context, offset, limit int) ([]model.CampaignJob, int, error) {
	all := []model.CampaignJob{
		{ID: 5, Subject: "C5", TotalRecipients: 3, ProcessedCount: 3},
		{ID: 4, Subject: "C4", TotalRecipients: 1, ProcessedCount: 1},
		{ID: 3, Subject: "C3", TotalRecipients: 2},
		{ID: 2, Subject: "C2", TotalRecipients: 1},
		{ID: 1, Subject: "C1", TotalRecipients: 4, ProcessedCount: 2},
	}

	start := offset
	end := offset + limit

	if start >= len(all) {
		return []model.CampaignJob{}, len(all), nil
	}
	if end > len(all) {
		end = len(all)
	}

	return all[start:end], len(all), nil
}

func (m *MockJobPaginationRepo) ListOutcomesForJobs(_ context.Context, ids []int) (map[int][]model.RecipientOutcome, error) {
	m.outcomeCalls = append(m.outcomeCalls, ids)
	out := map[int][]model.RecipientOutcome{}
	for _, id := range ids {
		out[id] = []model.RecipientOutcome{{JobID: id, Position: 1, Success: true}}
	}
	return out, nil
}

func TestPagination(t *testing.T) {
	repo := &MockJobPaginationRepo{}
	svc := service.NewCampaignService(repo, nil, nil, nil, nil, zerolog.Nop())
	ctx := context.Background()

	pageSize := 2

	page1, err := svc.History(ctx, 1, pageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	page2, _ := svc.History(ctx, 2, pageSize)

	expectedTotal := 5
	if page1.Total != expectedTotal {
		t.Errorf("expected total %d, got %d", expectedTotal, page1.Total)
	}
	if page1.TotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", page1.TotalPages)
	}

	if len(page1.Items) != 2 || len(page2.Items) != 2 {
		t.Fatalf("expected full pages, got %d and %d", len(page1.Items), len(page2.Items))
	}

	// Check descending order
	if page1.Items[0].ID <= page1.Items[1].ID {
		t.Errorf("expected descending order in page 1")
	}
	if page2.Items[0].ID <= page2.Items[1].ID {
		t.Errorf("expected descending order in page 2")
	}

	// Check no duplicates between pages
	if page1.Items[1].ID == page2.Items[0].ID {
		t.Errorf("duplicate entry between pages: %v", page1.Items[1].ID)
	}

	// Outcomes only for multi-recipient campaigns
	if len(page1.Items[0].Outcomes) != 1 || len(page1.Items[1].Outcomes) != 0 {
		t.Errorf("expected outcomes for job 5 only, got %d and %d",
			len(page1.Items[0].Outcomes), len(page1.Items[1].Outcomes))
	}
	if got := repo.outcomeCalls[0]; len(got) != 1 || got[0] != 5 {
		t.Errorf("expected outcome lookup for [5], got %v", got)
	}

	if page1.Items[0].Progress != 100 {
		t.Errorf("expected progress 100, got %d", page1.Items[0].Progress)
	}

	// Last page
	page3, _ := svc.History(ctx, 3, pageSize)
	if len(page3.Items) != 1 {
		t.Errorf("expected last page to have 1 item, got %d", len(page3.Items))
	}
	if page3.Items[0].Progress != 50 {
		t.Errorf("expected progress 50, got %d", page3.Items[0].Progress)
	}
}

func TestPaginationClamp(t *testing.T) {
	svc := service.NewCampaignService(&MockJobPaginationRepo{}, nil, nil, nil, nil, zerolog.Nop())

	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 1, 20},
		{-3, 500, 1, 100},
		{2, 10, 2, 10},
	}
	for _, tt := range tests {
		got, err := svc.History(context.Background(), tt.page, tt.size)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Page != tt.wantPage || got.PageSize != tt.wantSize {
			t.Errorf("History(%d, %d): page %d size %d, want %d %d",
				tt.page, tt.size, got.Page, got.PageSize, tt.wantPage, tt.wantSize)
		}
	}
}
