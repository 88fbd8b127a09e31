package notestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/testutil"
)

func testService(t *testing.T) *Service {
	t.Helper()
	_, store := testutil.TestVault(t)
	db := testutil.TestDB(t)
	return NewService(store, db)
}

func TestCreateAndGet(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "", "Shopping", "# Shopping\n\nmilk")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Shopping" || got.Body != "# Shopping\n\nmilk" {
		t.Errorf("note = %+v", got)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "dup", "A", "a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := svc.Create(ctx, "dup", "B", "b")
	if !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdateMissingFails(t *testing.T) {
	svc := testService(t)
	_, err := svc.Update(context.Background(), "ghost", "T", "b")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSummariesPreview(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "n1", "Note", "\n\n# Heading\nbody text"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sums, err := svc.ListSummaries()
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("len = %d", len(sums))
	}
	if sums[0].Preview != "# Heading\nbody text" {
		t.Errorf("preview = %q", sums[0].Preview)
	}
	if sums[0].SizeBytes == 0 {
		t.Error("expected size")
	}
}

func TestUpsertPreservesTimestamp(t *testing.T) {
	svc := testService(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := svc.Upsert("n1", "Imported", []byte("remote body"), ts); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	sums, err := svc.ListSummaries()
	if err != nil {
		t.Fatalf("ListSummaries: %v", err)
	}
	if len(sums) != 1 || !sums[0].UpdatedAt.Equal(ts) {
		t.Errorf("summaries = %+v, want updated_at %v", sums, ts)
	}
}

func TestDelete(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	_, _ = svc.Create(ctx, "n1", "A", "a")
	if err := svc.Delete(ctx, "n1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, "n1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadBodyMissing(t *testing.T) {
	svc := testService(t)
	if _, err := svc.LoadBody("nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
