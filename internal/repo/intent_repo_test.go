package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

func TestSendIntents_Lifecycle(t *testing.T) {
	db := newTestDB(t, &domain.SendIntent{})
	ctx := context.Background()

	if err := CreateSendIntent(ctx, db, "m1", "c1", []string{"c1/m1-a-x.txt", "c1/m1-b-y.txt"}); err != nil {
		t.Fatalf("CreateSendIntent: %v", err)
	}
	if err := CreateSendIntent(ctx, db, "m2", "c1", nil); err != nil {
		t.Fatalf("CreateSendIntent no keys: %v", err)
	}

	// Nothing is stale yet.
	if got, _ := ListStaleSendIntents(ctx, db, time.Now().UTC().Add(-time.Minute), 10); len(got) != 0 {
		t.Fatalf("unexpected stale intents: %+v", got)
	}

	stale, err := ListStaleSendIntents(ctx, db, time.Now().UTC().Add(time.Minute), 10)
	if err != nil || len(stale) != 2 {
		t.Fatalf("ListStaleSendIntents = (%d, %v)", len(stale), err)
	}
	keys := map[string][]string{}
	for _, in := range stale {
		keys[in.MessageID] = IntentKeys(in)
	}
	if len(keys["m1"]) != 2 || keys["m1"][1] != "c1/m1-b-y.txt" || keys["m2"] != nil {
		t.Fatalf("IntentKeys = %v", keys)
	}

	if err := DeleteSendIntent(ctx, db, "m1"); err != nil {
		t.Fatalf("DeleteSendIntent: %v", err)
	}
	left, _ := ListStaleSendIntents(ctx, db, time.Now().UTC().Add(time.Minute), 0)
	if len(left) != 1 || left[0].MessageID != "m2" {
		t.Fatalf("left = %+v", left)
	}
}

func TestCreateSendIntent_DuplicateMessage(t *testing.T) {
	db := newTestDB(t, &domain.SendIntent{})
	ctx := context.Background()
	if err := CreateSendIntent(ctx, db, "m1", "c1", nil); err != nil {
		t.Fatalf("CreateSendIntent: %v", err)
	}
	if err := CreateSendIntent(ctx, db, "m1", "c1", nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
}

func TestSendIntents_HeartbeatAndClaim(t *testing.T) {
	db := newTestDB(t, &domain.SendIntent{})
	ctx := context.Background()
	if err := CreateSendIntent(ctx, db, "m1", "c1", []string{"c1/m1-a-x.txt"}); err != nil {
		t.Fatal(err)
	}
	later := time.Now().UTC().Add(time.Hour)
	cutoff := later.Add(-time.Minute)

	// A heartbeat after the cutoff keeps the intent out of the sweep.
	if err := TouchSendIntent(ctx, db, "m1", later); err != nil {
		t.Fatalf("TouchSendIntent: %v", err)
	}
	if got, _ := ListStaleSendIntents(ctx, db, cutoff, 0); len(got) != 0 {
		t.Fatalf("touched intent listed as stale: %+v", got)
	}
	if ok, err := ClaimSendIntent(ctx, db, "m1", cutoff); err != nil || ok {
		t.Fatalf("claim on live intent = (%v, %v)", ok, err)
	}

	// Past the heartbeat it can be claimed exactly once.
	if ok, err := ClaimSendIntent(ctx, db, "m1", later.Add(time.Second)); err != nil || !ok {
		t.Fatalf("claim = (%v, %v)", ok, err)
	}
	if ok, _ := ClaimSendIntent(ctx, db, "m1", later.Add(time.Second)); ok {
		t.Fatal("second claim must lose")
	}
	if err := TouchSendIntent(ctx, db, "m1", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touch after claim: %v", err)
	}
}
