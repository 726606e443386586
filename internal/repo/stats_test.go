package repo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedMessage(t *testing.T, db *gorm.DB, id, chatID, role string, at time.Time) {
	t.Helper()
	m := &domain.Message{ID: id, ChatID: chatID, SenderRole: role, SenderID: "s", Body: id, CreatedAt: at, UpdatedAt: at}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestStatsETag(t *testing.T) {
	at := time.Unix(0, 1700000000000000000)
	cases := []struct {
		s      Stats
		scope  string
		window []string
		want   string
	}{
		{Stats{}, "inbox", nil, `W/"inbox:0:0:0"`},
		{Stats{Chats: 3, Messages: 9, LastChange: &at}, "inbox", []string{"1", "20"}, `W/"inbox:3:9:1700000000000000000:1:20"`},
		{Stats{Messages: 2, LastChange: &at}, "messages:c1", []string{"30", ""}, `W/"messages:c1:0:2:1700000000000000000:30:"`},
	}
	for _, tc := range cases {
		if got := tc.s.ETag(tc.scope, tc.window...); got != tc.want {
			t.Fatalf("ETag = %s, want %s", got, tc.want)
		}
	}
}

func TestInboxStats_NoTable(t *testing.T) {
	db := newTestDB(t)
	if _, err := InboxStats(context.Background(), db); err == nil {
		t.Fatal("expected error without a chats table")
	}
}

func TestInboxStats_Empty(t *testing.T) {
	db := newTestDB(t, &domain.Chat{}, &domain.Message{})
	s, err := InboxStats(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if s.Chats != 0 || s.Messages != 0 || s.LastChange != nil {
		t.Fatalf("stats = %+v", s)
	}
}

func TestInboxStats_NewestOfChatsAndMessages(t *testing.T) {
	db := newTestDB(t, &domain.Chat{}, &domain.Message{})
	ctx := context.Background()

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	for i, at := range []time.Time{t1, t2} {
		c := &domain.Chat{ID: fmt.Sprintf("c%d", i), UserID: fmt.Sprintf("u%d", i), CreatedAt: at, UpdatedAt: at}
		if err := db.Create(c).Error; err != nil {
			t.Fatal(err)
		}
	}
	s, err := InboxStats(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if s.Chats != 2 || s.Messages != 0 || s.LastChange == nil || !s.LastChange.Equal(t2) {
		t.Fatalf("stats = %+v", s)
	}

	t3 := t2.Add(time.Hour)
	seedMessage(t, db, "m1", "c0", domain.RoleContact, t3)
	s, err = InboxStats(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if s.Messages != 1 || !s.LastChange.Equal(t3) {
		t.Fatalf("message not reflected: %+v", s)
	}
}

func TestInboxStats_TagMovesOnReadFlipAndDelete(t *testing.T) {
	db := newTestDB(t, &domain.Chat{}, &domain.Message{})
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	if err := db.Create(&domain.Chat{ID: "c1", UserID: "u1", CreatedAt: past, UpdatedAt: past}).Error; err != nil {
		t.Fatal(err)
	}
	seedMessage(t, db, "m1", "c1", domain.RoleContact, past)
	seedMessage(t, db, "m2", "c1", domain.RoleContact, past.Add(time.Second))

	tag := func() string {
		s, err := InboxStats(ctx, db)
		if err != nil {
			t.Fatal(err)
		}
		return s.ETag("inbox")
	}

	before := tag()
	if n, err := MarkChatRead(ctx, db, "c1", domain.RoleUser, time.Now().UTC()); err != nil || n != 2 {
		t.Fatalf("MarkChatRead = %d, %v", n, err)
	}
	afterRead := tag()
	if afterRead == before {
		t.Fatal("read flip left the inbox tag unchanged")
	}

	if err := db.Delete(&domain.Message{}, "id = ?", "m1").Error; err != nil {
		t.Fatal(err)
	}
	if tag() == afterRead {
		t.Fatal("delete left the inbox tag unchanged")
	}
}

func TestChatMessagesStats_ScopedToChat(t *testing.T) {
	db := newTestDB(t, &domain.Message{}, &domain.MessageAttachment{})
	t1 := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 4, 1, 12, 5, 0, 0, time.UTC)
	t3 := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	seedMessage(t, db, "m1", "cX", domain.RoleContact, t1)
	seedMessage(t, db, "m2", "cX", domain.RoleUser, t2)
	seedMessage(t, db, "m3", "cY", domain.RoleContact, t3)

	s, err := ChatMessagesStats(context.Background(), db, "cX")
	if err != nil {
		t.Fatal(err)
	}
	if s.Chats != 0 || s.Messages != 2 || s.Attachments != 0 || s.LastChange == nil || !s.LastChange.Equal(t2) {
		t.Fatalf("stats = %+v", s)
	}

	for i, msg := range []string{"m2", "m3"} {
		a := &domain.MessageAttachment{ID: fmt.Sprintf("a%d", i), MessageID: msg, FileName: "label.png", MimeType: "image/png", Size: 3, StoragePath: "k"}
		if err := db.Create(a).Error; err != nil {
			t.Fatal(err)
		}
	}
	s, err = ChatMessagesStats(context.Background(), db, "cX")
	if err != nil || s.Attachments != 1 {
		t.Fatalf("attachments = %+v, %v", s, err)
	}

	empty, err := ChatMessagesStats(context.Background(), db, "nope")
	if err != nil || empty.Messages != 0 || empty.LastChange != nil {
		t.Fatalf("empty chat = %+v, %v", empty, err)
	}
}

func TestChatMessagesStats_LatestQueryError(t *testing.T) {
	db := newTestDB(t, &domain.Message{})
	seedMessage(t, db, "mx", "cerr", domain.RoleContact, time.Now().UTC())
	if err := db.Exec(`ALTER TABLE messages RENAME COLUMN updated_at TO updated_at_old`).Error; err != nil {
		t.Fatalf("rename column: %v", err)
	}
	_, err := ChatMessagesStats(context.Background(), db, "cerr")
	if err == nil || !strings.Contains(err.Error(), "updated_at") {
		t.Fatalf("err = %v", err)
	}
}
