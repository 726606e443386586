package client

import (
	"context"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func msg(id string, created, updated time.Time, body string) domain.Message {
	return domain.Message{ID: id, ChatID: testChat, Body: body, CreatedAt: created, UpdatedAt: updated}
}

func att(id, msgID string, at time.Time) domain.MessageAttachment {
	return domain.MessageAttachment{ID: id, MessageID: msgID, FileName: id + ".png", CreatedAt: at}
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestTimeline_MergeIsOrderIndependent(t *testing.T) {
	withAtt := msg("m1", t0, t0.Add(2*time.Second), "edited")
	withAtt.Attachments = []domain.MessageAttachment{att("a2", "m1", t0.Add(time.Second))}

	events := []func(*Timeline){
		func(tl *Timeline) { tl.Upsert(msg("m1", t0, t0, "draft"), StatusPending) },
		func(tl *Timeline) { tl.Upsert(msg("m1", t0, t0.Add(time.Second), "sent"), StatusConfirmed) },
		func(tl *Timeline) { tl.Upsert(withAtt, StatusConfirmed) },
		func(tl *Timeline) { tl.AddAttachment(att("a1", "m1", t0)) },
		func(tl *Timeline) { tl.Upsert(msg("m0", t0.Add(-time.Minute), t0, "earlier"), StatusConfirmed) },
	}

	var want []Entry
	for i, order := range permutations(len(events)) {
		tl := NewTimeline()
		for _, k := range order {
			events[k](tl)
		}
		got := tl.Messages()
		if i == 0 {
			want = got
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("order %v diverged:\n got %+v\nwant %+v", order, got, want)
		}
	}

	if len(want) != 2 || want[0].Message.ID != "m0" || want[1].Message.ID != "m1" {
		t.Fatalf("entries = %+v", want)
	}
	m1 := want[1]
	if m1.Status != StatusConfirmed || m1.Message.Body != "edited" {
		t.Fatalf("m1 = %+v", m1)
	}
	if len(m1.Message.Attachments) != 2 || m1.Message.Attachments[0].ID != "a1" || m1.Message.Attachments[1].ID != "a2" {
		t.Fatalf("attachments = %+v", m1.Message.Attachments)
	}
}

func TestTimeline_ConfirmedBeatsNewerPending(t *testing.T) {
	tl := NewTimeline()
	tl.Upsert(msg("m1", t0, t0, "server"), StatusConfirmed)
	tl.Upsert(msg("m1", t0, t0.Add(time.Hour), "local"), StatusPending)

	got := tl.Messages()[0]
	if got.Status != StatusConfirmed || got.Message.Body != "server" {
		t.Fatalf("got %+v", got)
	}
}

func TestTimeline_MarkFailedAndRemove(t *testing.T) {
	tl := NewTimeline()
	tl.Upsert(msg("p", t0, t0, "pending"), StatusPending)
	tl.Upsert(msg("c", t0, t0, "confirmed"), StatusConfirmed)

	if !tl.MarkFailed("p") {
		t.Fatal("pending entry must become failed")
	}
	if tl.MarkFailed("c") {
		t.Fatal("confirmed entry must stay confirmed")
	}
	if tl.MarkFailed("nope") {
		t.Fatal("unknown id must report false")
	}
	// Sorted by (created_at, id): "c" < "p".
	entries := tl.Messages()
	if entries[0].Message.ID != "c" || entries[1].Status != StatusFailed || entries[1].Status.String() != "failed" {
		t.Fatalf("entries = %+v", entries)
	}

	// A late confirmation still wins over the failure.
	tl.Upsert(msg("p", t0, t0, "pending"), StatusConfirmed)
	if tl.Messages()[1].Status != StatusConfirmed {
		t.Fatal("confirmation must replace failed")
	}

	h := tl.Handlers()
	h.OnDelete("p")
	if tl.Len() != 1 {
		t.Fatalf("Len = %d after delete", tl.Len())
	}
}

func TestTimeline_RemoveSurvivesStalePages(t *testing.T) {
	page := []domain.Message{msg("m1", t0, t0, "one"), msg("m2", t0.Add(time.Second), t0.Add(time.Second), "two")}
	late := att("a1", "m1", t0)

	// Delete before and after the stale copies arrive.
	for _, deleteFirst := range []bool{true, false} {
		tl := NewTimeline()
		if deleteFirst {
			tl.Remove("m1")
		}
		tl.UpsertAll(page)
		tl.Remove("m1")
		tl.UpsertAll(page)
		tl.AddAttachment(late)
		tl.Upsert(msg("m1", t0, t0.Add(time.Hour), "newer"), StatusConfirmed)

		entries := tl.Messages()
		if len(entries) != 1 || entries[0].Message.ID != "m2" {
			t.Fatalf("deleteFirst=%v: entries = %+v", deleteFirst, entries)
		}
	}
}

func TestTimeline_AttachmentKeepsKnownURL(t *testing.T) {
	tl := NewTimeline()
	a := att("a1", "m1", t0)
	a.URL = "/files/chat/x?sig=1"
	m := msg("m1", t0, t0, "x")
	m.Attachments = []domain.MessageAttachment{a}
	tl.Upsert(m, StatusConfirmed)

	bare := att("a1", "m1", t0)
	tl.AddAttachment(bare)
	if got := tl.Messages()[0].Message.Attachments[0].URL; got != a.URL {
		t.Fatalf("URL = %q", got)
	}
}

func TestSendTracked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/me/messages", func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusInternalServerError, "send_failed", "storage unavailable")
	})
	mux.HandleFunc("/api/v1/chats/"+testChat+"/messages", func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("Idempotency-Key")
		writeJSON(w, http.StatusCreated, map[string]any{"message": msg(id, t0, t0.Add(time.Second), "hi")})
	})
	c, _ := newTestClient(t, mux, Options{Now: func() time.Time { return t0 }}, freshTokens())
	tl := NewTimeline()

	if _, err := c.SendTracked(context.Background(), tl, SendRequest{Body: "lost"}); err == nil {
		t.Fatal("expected send error")
	}
	entries := tl.Messages()
	if len(entries) != 1 || entries[0].Status != StatusFailed || entries[0].Message.Body != "lost" {
		t.Fatalf("failed send must stay in place: %+v", entries)
	}

	m, err := c.SendTracked(context.Background(), tl, SendRequest{ChatID: testChat, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range tl.Messages() {
		if e.Message.ID == m.ID {
			found = e.Status == StatusConfirmed
		}
	}
	if !found {
		t.Fatal("confirmed send missing from timeline")
	}

	if _, err := c.SendTracked(context.Background(), tl, SendRequest{}); err == nil || tl.Len() != 2 {
		t.Fatalf("invalid send must not touch the timeline: err=%v len=%d", err, tl.Len())
	}
}
