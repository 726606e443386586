package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

func TestAdminUsers_GrantRevoke(t *testing.T) {
	db := newTestDB(t, &domain.AdminUser{})
	ctx := context.Background()

	if ok, err := IsAdmin(ctx, db, "s1"); err != nil || ok {
		t.Fatalf("IsAdmin before grant = (%v, %v)", ok, err)
	}
	if err := GrantAdmin(ctx, db, "s1", "ops@example.com"); err != nil {
		t.Fatalf("GrantAdmin: %v", err)
	}
	if err := GrantAdmin(ctx, db, "s1", "ops@example.com"); err != nil {
		t.Fatalf("GrantAdmin twice should be a no-op: %v", err)
	}
	_ = GrantAdmin(ctx, db, "s2", "")
	if ok, _ := IsAdmin(ctx, db, "s1"); !ok {
		t.Fatalf("expected s1 to be admin")
	}
	emails, err := ListAdminEmails(ctx, db)
	if err != nil || len(emails) != 1 || emails[0] != "ops@example.com" {
		t.Fatalf("ListAdminEmails = (%v, %v)", emails, err)
	}
	if err := RevokeAdmin(ctx, db, "s1"); err != nil {
		t.Fatalf("RevokeAdmin: %v", err)
	}
	if ok, _ := IsAdmin(ctx, db, "s1"); ok {
		t.Fatalf("expected s1 to lose the role")
	}
}

func TestTasks_CreateCompleteList(t *testing.T) {
	db := newTestDB(t, &domain.AdminTask{})
	ctx := context.Background()

	a := &domain.AdminTask{Title: "call courier", CreatedBy: "s1"}
	b := &domain.AdminTask{Title: "weigh parcel", CreatedBy: "s1"}
	for _, tk := range []*domain.AdminTask{a, b} {
		if err := CreateTask(ctx, db, tk); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	at := time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)
	done, err := CompleteTask(ctx, db, a.ID, at)
	if err != nil || !done.Done || done.CompletedAt == nil {
		t.Fatalf("CompleteTask = (%+v, %v)", done, err)
	}
	again, err := CompleteTask(ctx, db, a.ID, at.Add(time.Hour))
	if err != nil || !again.CompletedAt.Equal(at) {
		t.Fatalf("completing twice must keep the first time: %+v %v", again, err)
	}
	if _, err := CompleteTask(ctx, db, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	open, _ := ListTasks(ctx, db, true, 0, 10)
	if len(open) != 1 || open[0].ID != b.ID {
		t.Fatalf("open tasks = %+v", open)
	}
	all, _ := ListTasks(ctx, db, false, 0, 10)
	if len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("open tasks should sort first: %+v", all)
	}
}
