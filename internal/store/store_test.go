package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/livinglabs/livelab/internal/config"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs a test against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLStore(":memory:")
		if err != nil {
			t.Fatalf("OpenSQLStore() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestUsersAndQueries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		if err := s.PutUser(ctx, User{ID: "u1", Email: "a@example.org", TeamName: "A"}); err != nil {
			t.Fatalf("PutUser() error = %v", err)
		}
		if err := s.PutUser(ctx, User{ID: "u1", Email: "b@example.org", TeamName: "B"}); err != nil {
			t.Fatalf("PutUser(update) error = %v", err)
		}
		u, err := s.GetUser(ctx, "u1")
		if err != nil {
			t.Fatalf("GetUser() error = %v", err)
		}
		if u.Email != "b@example.org" || u.TeamName != "B" {
			t.Errorf("GetUser() = %+v, want updated user", u)
		}
		if _, err := s.GetUser(ctx, "missing"); !apperrors.IsNotFound(err) {
			t.Errorf("GetUser(missing) error = %v, want not found", err)
		}

		if err := s.PutQuery(ctx, Query{ID: "q1", SiteID: "s1", Text: "living labs"}); err != nil {
			t.Fatalf("PutQuery() error = %v", err)
		}
		q, err := s.GetQuery(ctx, "q1")
		if err != nil {
			t.Fatalf("GetQuery() error = %v", err)
		}
		if q.DoclistModified != nil {
			t.Errorf("DoclistModified = %v, want nil", q.DoclistModified)
		}

		if err := s.TouchDoclist(ctx, "q1", t0); err != nil {
			t.Fatalf("TouchDoclist() error = %v", err)
		}
		q, _ = s.GetQuery(ctx, "q1")
		if q.DoclistModified == nil || !q.DoclistModified.Equal(t0) {
			t.Errorf("DoclistModified = %v, want %v", q.DoclistModified, t0)
		}

		if err := s.TouchDoclist(ctx, "missing", t0); !apperrors.IsNotFound(err) {
			t.Errorf("TouchDoclist(missing) error = %v, want not found", err)
		}
		if _, err := s.GetQuery(ctx, "missing"); !apperrors.IsNotFound(err) {
			t.Errorf("GetQuery(missing) error = %v, want not found", err)
		}
		if err := s.PutQuery(ctx, Query{}); !apperrors.IsValidation(err) {
			t.Errorf("PutQuery(no ID) error = %v, want validation", err)
		}
	})
}

func TestSubmitRunIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first, err := s.SubmitRun(ctx, Run{UserID: "u1", QueryID: "q1", ModifiedTime: t0})
		if err != nil {
			t.Fatalf("SubmitRun() error = %v", err)
		}
		if first.ID == "" {
			t.Fatal("SubmitRun() should generate an ID")
		}

		newer, err := s.SubmitRun(ctx, Run{UserID: "u1", QueryID: "q1", ModifiedTime: t0.Add(time.Hour)})
		if err != nil {
			t.Fatalf("SubmitRun(newer) error = %v", err)
		}
		if newer.ID != first.ID {
			t.Errorf("resubmission ID = %s, want %s", newer.ID, first.ID)
		}
		if !newer.ModifiedTime.Equal(t0.Add(time.Hour)) {
			t.Errorf("ModifiedTime = %v, want advanced", newer.ModifiedTime)
		}

		older, err := s.SubmitRun(ctx, Run{UserID: "u1", QueryID: "q1", ModifiedTime: t0.Add(-time.Hour)})
		if err != nil {
			t.Fatalf("SubmitRun(older) error = %v", err)
		}
		if !older.ModifiedTime.Equal(t0.Add(time.Hour)) {
			t.Errorf("ModifiedTime = %v, an older submission must not move it back", older.ModifiedTime)
		}

		runs, err := s.ListActiveRuns(ctx)
		if err != nil {
			t.Fatalf("ListActiveRuns() error = %v", err)
		}
		if len(runs) != 1 {
			t.Fatalf("len(runs) = %d, want one run per user and query", len(runs))
		}

		if _, err := s.SubmitRun(ctx, Run{ID: first.ID, UserID: "u2", QueryID: "q1", ModifiedTime: t0}); !apperrors.IsValidation(err) {
			t.Errorf("SubmitRun(reused ID) error = %v, want validation", err)
		}
		if _, err := s.SubmitRun(ctx, Run{QueryID: "q1"}); !apperrors.IsValidation(err) {
			t.Errorf("SubmitRun(no user) error = %v, want validation", err)
		}
	})
}

func TestListActiveRunsExcludesDeletedQueries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_ = s.PutQuery(ctx, Query{ID: "live"})
		_ = s.PutQuery(ctx, Query{ID: "gone"})
		_, _ = s.SubmitRun(ctx, Run{ID: "r1", UserID: "u", QueryID: "live", ModifiedTime: t0})
		_, _ = s.SubmitRun(ctx, Run{ID: "r2", UserID: "u", QueryID: "gone", ModifiedTime: t0})
		_, _ = s.SubmitRun(ctx, Run{ID: "r3", UserID: "u", QueryID: "orphan", ModifiedTime: t0})

		if err := s.SetQueryDeleted(ctx, "gone", true); err != nil {
			t.Fatalf("SetQueryDeleted() error = %v", err)
		}

		runs, err := s.ListActiveRuns(ctx)
		if err != nil {
			t.Fatalf("ListActiveRuns() error = %v", err)
		}
		ids := make([]string, len(runs))
		for i, r := range runs {
			ids[i] = r.ID
		}
		if len(ids) != 2 || ids[0] != "r1" || ids[1] != "r3" {
			t.Errorf("ListActiveRuns() = %v, want [r1 r3]", ids)
		}
	})
}

func TestDeleteRun(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		r, _ := s.SubmitRun(ctx, Run{UserID: "u", QueryID: "q", ModifiedTime: t0})
		if err := s.DeleteRun(ctx, r.ID); err != nil {
			t.Fatalf("DeleteRun() error = %v", err)
		}
		if err := s.DeleteRun(ctx, r.ID); !apperrors.IsNotFound(err) {
			t.Errorf("DeleteRun(again) error = %v, want not found", err)
		}

		// The owner may submit a fresh run afterwards.
		again, err := s.SubmitRun(ctx, Run{UserID: "u", QueryID: "q", ModifiedTime: t0})
		if err != nil {
			t.Fatalf("SubmitRun(after delete) error = %v", err)
		}
		if again.ID == r.ID {
			t.Error("resubmission after delete should create a new run")
		}
	})
}

func TestSQLStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "livelab.db")
	ctx := context.Background()

	s, err := OpenSQLStore(path)
	if err != nil {
		t.Fatalf("OpenSQLStore() error = %v", err)
	}
	_ = s.PutQuery(ctx, Query{ID: "q1"})
	_, _ = s.SubmitRun(ctx, Run{ID: "r1", UserID: "u", QueryID: "q1", ModifiedTime: t0})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenSQLStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	runs, err := s.ListActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ListActiveRuns() error = %v", err)
	}
	if len(runs) != 1 || !runs[0].ModifiedTime.Equal(t0) {
		t.Errorf("ListActiveRuns() after reopen = %+v", runs)
	}
}

func TestStoreErr(t *testing.T) {
	if err := storeErr("op", errString("database is locked (5) (SQLITE_BUSY)")); !apperrors.IsUnavailable(err) {
		t.Errorf("storeErr(busy) = %v, want unavailable", err)
	}
	if err := storeErr("op", errString("no such table")); apperrors.CodeOf(err) != apperrors.CodeInternal {
		t.Errorf("storeErr(other) = %v, want internal", err)
	}
	nf := apperrors.NotFoundError("run")
	if err := storeErr("op", nf); err != nf {
		t.Errorf("storeErr should pass AppErrors through, got %v", err)
	}
	if storeErr("op", nil) != nil {
		t.Error("storeErr(nil) should be nil")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestNew(t *testing.T) {
	s, err := New(config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("New(memory) error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("New(memory) = %T", s)
	}

	s, err = New(config.StoreConfig{Driver: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("New(sqlite) error = %v", err)
	}
	s.Close()

	if _, err := New(config.StoreConfig{Driver: "postgres"}); !apperrors.IsConfiguration(err) {
		t.Errorf("New(unknown) error = %v, want configuration error", err)
	}
	if _, err := New(config.StoreConfig{Driver: "sqlite"}); !apperrors.IsConfiguration(err) {
		t.Errorf("New(sqlite without path) error = %v, want configuration error", err)
	}
}

func TestSweepCheckpoint(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		end, err := s.LastSweepEnd(ctx)
		if err != nil {
			t.Fatalf("LastSweepEnd() error = %v", err)
		}
		if !end.IsZero() {
			t.Errorf("LastSweepEnd() = %v, want zero before any sweep", end)
		}

		steps := []struct {
			set  time.Time
			want time.Time
		}{
			{t0, t0},
			{t0.Add(time.Hour), t0.Add(time.Hour)},
			{t0, t0.Add(time.Hour)}, // never moves back
		}
		for _, step := range steps {
			if err := s.SetLastSweepEnd(ctx, step.set); err != nil {
				t.Fatalf("SetLastSweepEnd(%v) error = %v", step.set, err)
			}
			end, err := s.LastSweepEnd(ctx)
			if err != nil {
				t.Fatalf("LastSweepEnd() error = %v", err)
			}
			if !end.Equal(step.want) {
				t.Errorf("after SetLastSweepEnd(%v): LastSweepEnd() = %v, want %v", step.set, end, step.want)
			}
		}
	})
}

func TestSweepCheckpointSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livelab.db")
	ctx := context.Background()

	s, err := OpenSQLStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetLastSweepEnd(ctx, t0); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	end, err := s.LastSweepEnd(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !end.Equal(t0) {
		t.Errorf("LastSweepEnd() after reopen = %v, want %v", end, t0)
	}
}
