package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirbridge/bridge/internal/engine"
)

func testRun(runID string, createdAt time.Time) *Run {
	return &Run{
		ID:          uuid.New(),
		RunID:       runID,
		Source:      "hl7v2",
		MessageType: "ADT^A01",
		Status:      string(engine.StatusAccepted),
		Attempts:    1,
		Trail:       json.RawMessage(`{"runId":"` + runID + `"}`),
		CreatedAt:   createdAt,
	}
}

func TestRunRepoMemoryCreateAndGet(t *testing.T) {
	repo := NewRunRepoMemory()
	ctx := context.Background()
	run := testRun("run-1", time.Now().UTC())

	if err := repo.Create(ctx, run); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByRunID(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetByRunID() error: %v", err)
	}
	if got.RunID != "run-1" || got.Status != "accepted" || got.Attempts != 1 {
		t.Errorf("stored run = %+v", got)
	}

	// The repository hands back copies, not its own storage.
	got.Status = "mutated"
	again, _ := repo.GetByRunID(ctx, "run-1")
	if again.Status != "accepted" {
		t.Error("mutation through a returned run leaked into storage")
	}
}

func TestRunRepoMemoryRejectsDuplicate(t *testing.T) {
	repo := NewRunRepoMemory()
	ctx := context.Background()

	if err := repo.Create(ctx, testRun("run-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := repo.Create(ctx, testRun("run-1", time.Now())); err == nil {
		t.Error("second Create for the same run id should fail")
	}
}

func TestRunRepoMemoryGetMissing(t *testing.T) {
	repo := NewRunRepoMemory()
	if _, err := repo.GetByRunID(context.Background(), "ghost"); err == nil {
		t.Error("GetByRunID for an unknown run should fail")
	}
}

func TestRunRepoMemoryListNewestFirst(t *testing.T) {
	repo := NewRunRepoMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := repo.Create(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, total, err := repo.List(ctx, 10, 0)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 5 || len(runs) != 5 {
		t.Fatalf("List() = %d runs, total %d", len(runs), total)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].CreatedAt.After(runs[i-1].CreatedAt) {
			t.Fatalf("runs out of order at %d: %v after %v", i, runs[i].CreatedAt, runs[i-1].CreatedAt)
		}
	}
	if runs[0].RunID != "run-4" {
		t.Errorf("newest run = %s, want run-4", runs[0].RunID)
	}
}

func TestRunRepoMemoryListPagination(t *testing.T) {
	repo := NewRunRepoMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}

	page, total, err := repo.List(ctx, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("page = %d runs, total %d; want 2 of 5", len(page), total)
	}
	if page[0].RunID != "run-2" || page[1].RunID != "run-1" {
		t.Errorf("page = [%s %s], want [run-2 run-1]", page[0].RunID, page[1].RunID)
	}

	// Offset past the end is empty, not an error.
	empty, total, err := repo.List(ctx, 2, 10)
	if err != nil || total != 5 || len(empty) != 0 {
		t.Errorf("List past end = %v, %d, %v", empty, total, err)
	}
}

func TestServiceRecordRun(t *testing.T) {
	repo := NewRunRepoMemory()
	svc := NewService(repo, zerolog.Nop())
	ctx := context.Background()

	trail := engine.NewTrail(nil)
	trail.Append(engine.AttemptRecord{State: "validated"})
	trail.Append(engine.AttemptRecord{State: "accepted"})
	result := &engine.Result{
		Status: engine.StatusAccepted,
		Bundle: &engine.CandidateBundle{ID: "cb-1"},
		Trail:  trail,
	}

	if err := svc.RecordRun(ctx, "hl7v2", "ADT^A01", result); err != nil {
		t.Fatalf("RecordRun() error: %v", err)
	}

	got, err := svc.GetRun(ctx, trail.RunID)
	if err != nil {
		t.Fatalf("GetRun() error: %v", err)
	}
	if got.Source != "hl7v2" || got.MessageType != "ADT^A01" {
		t.Errorf("run origin = %s/%s", got.Source, got.MessageType)
	}
	if got.Status != "accepted" || got.BundleID != "cb-1" {
		t.Errorf("run outcome = %s/%s", got.Status, got.BundleID)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (records minus terminal)", got.Attempts)
	}

	var stored engine.Trail
	if err := json.Unmarshal(got.Trail, &stored); err != nil {
		t.Fatalf("stored trail is not valid JSON: %v", err)
	}
	if stored.RunID != trail.RunID || len(stored.Records) != 2 {
		t.Errorf("stored trail = %+v", stored)
	}
}

func TestServiceRecordRunNoBundle(t *testing.T) {
	svc := NewService(NewRunRepoMemory(), zerolog.Nop())

	trail := engine.NewTrail(nil)
	trail.Append(engine.AttemptRecord{State: "unrecoverable"})
	result := &engine.Result{Status: engine.StatusUnrecoverable, Trail: trail}

	if err := svc.RecordRun(context.Background(), "hl7v2", "QRY^Q01", result); err != nil {
		t.Fatalf("RecordRun() error: %v", err)
	}
	got, err := svc.GetRun(context.Background(), trail.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BundleID != "" || got.Attempts != 0 {
		t.Errorf("run = %+v, want no bundle and zero attempts", got)
	}
}
