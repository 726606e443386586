package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/parcel-forwarding-backend/internal/domain"
	"github.com/tbourn/parcel-forwarding-backend/internal/repo"
)

// ----- Fakes & helpers -----

// repoChats forwards ChatRepo to the repository functions.
type repoChats struct{}

func (repoChats) CreateChat(ctx context.Context, db *gorm.DB, userID string, email *string) (*domain.Chat, error) {
	return repo.CreateChat(ctx, db, userID, email)
}
func (repoChats) GetChatByUser(ctx context.Context, db *gorm.DB, userID string) (*domain.Chat, error) {
	return repo.GetChatByUser(ctx, db, userID)
}
func (repoChats) GetChatByID(ctx context.Context, db *gorm.DB, id string) (*domain.Chat, error) {
	return repo.GetChatByID(ctx, db, id)
}
func (repoChats) CountChats(ctx context.Context, db *gorm.DB) (int64, error) {
	return repo.CountChats(ctx, db)
}
func (repoChats) ListChatsPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Chat, error) {
	return repo.ListChatsPage(ctx, db, offset, limit)
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string // Put fails for keys containing this
	onPut   func(key string)
	puts    int
	signs   int
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (f *fakeStore) Put(_ context.Context, bucket, key string, r io.Reader, size int64, _ string) error {
	if f.onPut != nil {
		f.onPut(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failOn != "" && strings.Contains(key, f.failOn) {
		return errors.New("upload failed")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = b
	return nil
}

func (f *fakeStore) Remove(_ context.Context, bucket string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, bucket+"/"+k)
	}
	return nil
}

func (f *fakeStore) SignedURL(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	if _, ok := f.objects[bucket+"/"+key]; !ok {
		return "", errors.New("object not found")
	}
	return "https://signed.test/" + bucket + "/" + key, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newMessageService(t *testing.T) (*MessageService, *fakeStore) {
	t.Helper()
	db := newSvcDB(t)
	st := newFakeStore()
	return &MessageService{
		DB:           db,
		Chats:        NewChatService(db, repoChats{}),
		Store:        st,
		Bucket:       "chat-attachments",
		URLTTL:       15 * time.Minute,
		MaxRunes:     20,
		MaxFileBytes: 1 << 10,
	}, st
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func file(name, body string) FileInput {
	return FileInput{Name: name, Size: int64(len(body)), Body: strings.NewReader(body)}
}

// ----- Send -----

func TestSend_TextOnly_OneMessageNoAttachments(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()

	m, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Body: "  Hello "})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Body != "Hello" || !m.ReadByContact || m.ReadByAgent {
		t.Fatalf("unexpected message %+v", m)
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		t.Fatalf("generated id is not a UUID: %q", m.ID)
	}
	if n := countRows(t, s.DB, &domain.Message{}); n != 1 {
		t.Fatalf("messages = %d; want 1", n)
	}
	if n := countRows(t, s.DB, &domain.MessageAttachment{}); n != 0 {
		t.Fatalf("attachments = %d; want 0", n)
	}
	if n := countRows(t, s.DB, &domain.SendIntent{}); n != 0 {
		t.Fatalf("intent left behind")
	}
	if st.puts != 0 {
		t.Fatalf("text-only send must not touch storage")
	}
	if n := countRows(t, s.DB, &domain.Chat{}); n != 1 {
		t.Fatalf("first message should create the chat")
	}
}

func TestSend_UploadFailure_LeavesNoTrace(t *testing.T) {
	s, st := newMessageService(t)
	st.failOn = "broken"
	ctx := context.Background()

	_, err := s.Send(ctx, SendInput{
		SenderID:   "u1",
		SenderRole: domain.RoleContact,
		Body:       "with files",
		Files:      []FileInput{file("ok.txt", "fine"), file("broken.txt", "nope")},
	})
	if err == nil {
		t.Fatalf("expected upload error")
	}
	if n := countRows(t, s.DB, &domain.Message{}); n != 0 {
		t.Fatalf("messages = %d; want 0 after rollback", n)
	}
	if n := countRows(t, s.DB, &domain.MessageAttachment{}); n != 0 {
		t.Fatalf("attachments = %d; want 0 after rollback", n)
	}
	if n := countRows(t, s.DB, &domain.SendIntent{}); n != 0 {
		t.Fatalf("intent left behind")
	}
	if st.count() != 0 {
		t.Fatalf("uploaded objects not removed: %d left", st.count())
	}
}

func TestSend_WithFiles_StoresUnderChatKeys(t *testing.T) {
	s, st := newMessageService(t)
	id := uuid.NewString()

	m, err := s.Send(context.Background(), SendInput{
		MessageID:  id,
		SenderID:   "u1",
		SenderRole: domain.RoleContact,
		Files:      []FileInput{file("Pro forma.pdf", "%PDF"), file("photo.JPG", "img")},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.ID != id || len(m.Attachments) != 2 {
		t.Fatalf("unexpected message %+v", m)
	}
	prefix := m.ChatID + "/" + id + "-"
	for _, a := range m.Attachments {
		if !strings.HasPrefix(a.StoragePath, prefix) {
			t.Fatalf("key %q not under %q", a.StoragePath, prefix)
		}
		if !strings.HasPrefix(a.URL, "https://signed.test/chat-attachments/") {
			t.Fatalf("attachment URL not signed: %q", a.URL)
		}
	}
	if m.Attachments[1].MimeType != "image/jpeg" {
		t.Fatalf("mime from extension = %q", m.Attachments[1].MimeType)
	}
	if st.count() != 2 {
		t.Fatalf("objects = %d; want 2", st.count())
	}
}

func TestSend_ValidationHappensBeforeAnyWrite(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()
	long := strings.Repeat("é", 21)

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"empty", SendInput{Body: "   "}, ErrEmptyMessage},
		{"too long", SendInput{Body: long}, ErrTooLong},
		{"bad id", SendInput{Body: "hi", MessageID: "not-a-uuid"}, ErrInvalidMessageID},
	}
	for _, tc := range cases {
		tc.in.SenderID, tc.in.SenderRole = "u1", domain.RoleContact
		if _, err := s.Send(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: want %v, got %v", tc.name, tc.want, err)
		}
	}

	_, err := s.Send(ctx, SendInput{
		SenderID: "u1", SenderRole: domain.RoleContact,
		Files: []FileInput{
			{Name: "a.bin", Size: 2 << 10, Body: bytes.NewReader(nil)},
			{Name: "small.txt", Size: 3, Body: strings.NewReader("abc")},
			{Name: "b.bin", Size: 3 << 20, Body: bytes.NewReader(nil)},
		},
	})
	var tooLarge *FilesTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("want FilesTooLargeError, got %v", err)
	}
	if len(tooLarge.Files) != 2 || tooLarge.Files[0].Name != "a.bin" || tooLarge.Files[1].Name != "b.bin" {
		t.Fatalf("offenders = %+v", tooLarge.Files)
	}
	if msg := err.Error(); !strings.Contains(msg, "a.bin (2.0 KB)") || !strings.Contains(msg, "b.bin (3.0 MB)") {
		t.Fatalf("error does not list sizes: %q", msg)
	}

	if st.puts != 0 || countRows(t, s.DB, &domain.Chat{}) != 0 || countRows(t, s.DB, &domain.Message{}) != 0 {
		t.Fatalf("validation failures must not write anything")
	}
}

func TestSend_LongTextAllowedWithFiles(t *testing.T) {
	s, _ := newMessageService(t)
	_, err := s.Send(context.Background(), SendInput{
		SenderID: "u1", SenderRole: domain.RoleContact,
		Body:  strings.Repeat("x", 50),
		Files: []FileInput{file("a.txt", "a")},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_DuplicateClientIDKeepsOriginal(t *testing.T) {
	s, _ := newMessageService(t)
	ctx := context.Background()
	id := uuid.NewString()

	if _, err := s.Send(ctx, SendInput{MessageID: id, SenderID: "u1", SenderRole: domain.RoleContact, Body: "first"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err := s.Send(ctx, SendInput{MessageID: id, SenderID: "u1", SenderRole: domain.RoleContact, Body: "second"})
	if !errors.Is(err, ErrDuplicateMessage) {
		t.Fatalf("want ErrDuplicateMessage, got %v", err)
	}
	got, err := repo.GetMessage(ctx, s.DB, id)
	if err != nil || got.Body != "first" {
		t.Fatalf("original message damaged: %+v, %v", got, err)
	}
	if n := countRows(t, s.DB, &domain.SendIntent{}); n != 0 {
		t.Fatalf("intent left behind")
	}
}

func TestSend_ChatResolution(t *testing.T) {
	s, _ := newMessageService(t)
	ctx := context.Background()

	first, err := s.Send(ctx, SendInput{SenderID: "cust", SenderRole: domain.RoleContact, Body: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Staff must name a chat.
	if _, err := s.Send(ctx, SendInput{SenderID: "staff", SenderRole: domain.RoleUser, Body: "hello"}); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("staff without chat: got %v", err)
	}
	reply, err := s.Send(ctx, SendInput{ChatID: first.ChatID, SenderID: "staff", SenderRole: domain.RoleUser, Body: "hello"})
	if err != nil {
		t.Fatalf("staff reply: %v", err)
	}
	if !reply.ReadByAgent || reply.ReadByContact {
		t.Fatalf("staff message read flags wrong: %+v", reply)
	}

	// A contact cannot post into someone else's chat.
	if _, err := s.Send(ctx, SendInput{ChatID: first.ChatID, SenderID: "other", SenderRole: domain.RoleContact, Body: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign chat: got %v", err)
	}
	if _, err := s.Send(ctx, SendInput{SenderID: "x", SenderRole: "assistant", Body: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unknown role: got %v", err)
	}
}

// ----- ListPage -----

func seedTimeline(t *testing.T, db *gorm.DB, chatID string, n int, base time.Time) []string {
	t.Helper()
	var ids []string
	for i := 0; i < n; i++ {
		// pairs share a timestamp so ties are exercised
		at := base.Add(time.Duration(i/2) * time.Second)
		id := fmt.Sprintf("%08d-0000-4000-8000-000000000000", i)
		m := &domain.Message{ID: id, ChatID: chatID, SenderRole: domain.RoleContact, SenderID: "u", Body: id, CreatedAt: at}
		if err := repo.CreateMessage(context.Background(), db, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestListPage_HasMoreAndCursorWalk(t *testing.T) {
	s, _ := newMessageService(t)
	ctx := context.Background()
	chat, err := s.Chats.Ensure(ctx, "u1", nil)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	all := seedTimeline(t, s.DB, chat.ID, 7, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var (
		seen  []string
		q     = PageQuery{Limit: 3}
		pages int
	)
	for {
		p, err := s.ListPage(ctx, chat.ID, q)
		if err != nil {
			t.Fatalf("ListPage: %v", err)
		}
		pages++
		if len(p.Messages) > 3 {
			t.Fatalf("page larger than limit: %d", len(p.Messages))
		}
		if !sort.SliceIsSorted(p.Messages, func(i, j int) bool {
			a, b := p.Messages[i], p.Messages[j]
			return a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID)
		}) {
			t.Fatalf("page not ascending")
		}
		batch := make([]string, 0, len(p.Messages))
		for _, m := range p.Messages {
			batch = append(batch, m.ID)
			if m.Attachments == nil {
				t.Fatalf("attachments should be an empty slice, not nil")
			}
		}
		seen = append(batch, seen...)
		if !p.HasMore {
			if p.NextCursor != nil {
				t.Fatalf("last page must not carry a cursor")
			}
			break
		}
		q = PageQuery{Limit: 3, BeforeTS: p.NextCursor.BeforeTS, BeforeID: p.NextCursor.BeforeID}
	}
	if pages != 3 {
		t.Fatalf("pages = %d; want 3", pages)
	}
	if strings.Join(seen, ",") != strings.Join(all, ",") {
		t.Fatalf("walk = %v; want %v", seen, all)
	}
}

func TestListPage_ExactPageHasNoMore(t *testing.T) {
	s, _ := newMessageService(t)
	ctx := context.Background()
	chat, _ := s.Chats.Ensure(ctx, "u1", nil)
	seedTimeline(t, s.DB, chat.ID, 3, time.Now().UTC().Add(-time.Hour))

	p, err := s.ListPage(ctx, chat.ID, PageQuery{Limit: 3})
	if err != nil || len(p.Messages) != 3 || p.HasMore {
		t.Fatalf("ListPage = (%d msgs, more=%v, %v)", len(p.Messages), p.HasMore, err)
	}
}

func TestListPage_SignsAttachmentsLackingURL(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()
	m, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Files: []FileInput{file("a.txt", "a")}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	before := st.signs

	p, err := s.ListPage(ctx, m.ChatID, PageQuery{})
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	a := p.Messages[0].Attachments
	if len(a) != 1 || !strings.HasPrefix(a[0].URL, "https://signed.test/") {
		t.Fatalf("attachment not signed on read: %+v", a)
	}
	if st.signs != before+1 {
		t.Fatalf("want one fresh signature per read")
	}
}

func TestListPage_UnknownChat(t *testing.T) {
	s, _ := newMessageService(t)
	if _, err := s.ListPage(context.Background(), "nope", PageQuery{}); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("want ErrChatNotFound, got %v", err)
	}
}

func TestListForUser_NoChatIsEmpty(t *testing.T) {
	s, _ := newMessageService(t)
	p, err := s.ListForUser(context.Background(), "nobody", PageQuery{Limit: 10})
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if p.HasMore || len(p.Messages) != 0 || p.Messages == nil {
		t.Fatalf("want empty page, got %+v", p)
	}
}

// ----- Delete -----

func TestDelete_RemovesRowsAndObjects(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()
	m, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Body: "bye", Files: []FileInput{file("a.txt", "a")}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if countRows(t, s.DB, &domain.Message{}) != 0 || countRows(t, s.DB, &domain.MessageAttachment{}) != 0 {
		t.Fatalf("rows left after delete")
	}
	if st.count() != 0 {
		t.Fatalf("objects left after delete")
	}
	if err := s.Delete(ctx, m.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("second delete: want ErrMessageNotFound, got %v", err)
	}
}

// ----- Reconciler -----

func TestReconciler_CompensatesStaleSends(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()
	chat, _ := s.Chats.Ensure(ctx, "u1", nil)

	// A send that crashed after one of two uploads.
	crashed := uuid.NewString()
	keys := []string{chat.ID + "/" + crashed + "-aaaa-a.txt", chat.ID + "/" + crashed + "-bbbb-b.txt"}
	if err := repo.CreateSendIntent(ctx, s.DB, crashed, chat.ID, keys); err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := repo.CreateMessage(ctx, s.DB, &domain.Message{ID: crashed, ChatID: chat.ID, SenderRole: domain.RoleContact, SenderID: "u1"}); err != nil {
		t.Fatalf("message: %v", err)
	}
	_ = st.Put(ctx, s.Bucket, keys[0], strings.NewReader("a"), 1, "text/plain")
	_ = repo.CreateAttachment(ctx, s.DB, &domain.MessageAttachment{ID: uuid.NewString(), MessageID: crashed, FileName: "a.txt", MimeType: "text/plain", Size: 1, StoragePath: keys[0]})

	// A send that committed but lost its intent cleanup.
	done, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Body: "kept"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = repo.CreateSendIntent(ctx, s.DB, done.ID, chat.ID, nil)

	r := &Reconciler{DB: s.DB, Store: st, Bucket: s.Bucket, Grace: 10 * time.Minute}

	// Inside the grace window nothing happens.
	if n, err := r.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = (%d, %v)", n, err)
	}

	r.Now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := r.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Sweep = (%d, %v); want 2", n, err)
	}
	if _, err := repo.GetMessage(ctx, s.DB, crashed); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("crashed send not rolled back: %v", err)
	}
	if _, err := repo.GetMessage(ctx, s.DB, done.ID); err != nil {
		t.Fatalf("committed send must survive: %v", err)
	}
	if countRows(t, s.DB, &domain.SendIntent{}) != 0 || countRows(t, s.DB, &domain.MessageAttachment{}) != 0 {
		t.Fatalf("leftover intents or attachments")
	}
	if st.count() != 0 {
		t.Fatalf("orphaned objects left: %d", st.count())
	}
}

func TestSend_HeartbeatKeepsSlowUploadAlive(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()
	start := time.Now().UTC()
	s.Now = func() time.Time { return start }
	r := &Reconciler{DB: s.DB, Store: st, Bucket: s.Bucket, Grace: 10 * time.Minute}

	// Each upload "takes" longer than the grace period, but the heartbeat
	// after each one keeps the intent fresh.
	puts := 0
	st.onPut = func(string) {
		puts++
		mid := s.now().Add(5 * time.Minute)
		r.Now = func() time.Time { return mid }
		if n, err := r.Sweep(ctx); err != nil || n != 0 {
			t.Errorf("sweep during upload %d = (%d, %v)", puts, n, err)
		}
		done := start.Add(time.Duration(puts) * 15 * time.Minute)
		s.Now = func() time.Time { return done }
	}

	m, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Files: []FileInput{file("a.txt", "a"), file("b.txt", "b")}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(m.Attachments) != 2 || st.count() != 2 {
		t.Fatalf("attachments=%d objects=%d", len(m.Attachments), st.count())
	}
}

func TestSend_ClaimedIntentAbandonsSend(t *testing.T) {
	s, st := newMessageService(t)
	ctx := context.Background()
	r := &Reconciler{DB: s.DB, Store: st, Bucket: s.Bucket, Grace: time.Minute,
		Now: func() time.Time { return time.Now().Add(time.Hour) }}

	// The first upload stalls past the grace period and the sweep claims it.
	st.onPut = func(string) {
		st.onPut = nil
		if n, err := r.Sweep(ctx); err != nil || n != 1 {
			t.Errorf("sweep = (%d, %v)", n, err)
		}
	}
	_, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Files: []FileInput{file("a.txt", "a"), file("b.txt", "b")}})
	if !errors.Is(err, ErrSendAbandoned) {
		t.Fatalf("err = %v, want ErrSendAbandoned", err)
	}
	if countRows(t, s.DB, &domain.Message{}) != 0 || countRows(t, s.DB, &domain.MessageAttachment{}) != 0 || countRows(t, s.DB, &domain.SendIntent{}) != 0 {
		t.Fatal("abandoned send left rows behind")
	}
	if st.count() != 0 {
		t.Fatalf("orphaned objects: %d", st.count())
	}
}

func TestSend_FilesWithoutStore(t *testing.T) {
	s, _ := newMessageService(t)
	s.Store = nil
	ctx := context.Background()

	_, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Files: []FileInput{file("a.txt", "a")}})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if countRows(t, s.DB, &domain.Message{}) != 0 || countRows(t, s.DB, &domain.SendIntent{}) != 0 {
		t.Fatal("rejected send wrote rows")
	}
	// Text still goes through.
	if _, err := s.Send(ctx, SendInput{SenderID: "u1", SenderRole: domain.RoleContact, Body: "no files"}); err != nil {
		t.Fatalf("text send: %v", err)
	}
}

func TestReconciler_RunStopsOnCancel(t *testing.T) {
	s, _ := newMessageService(t)
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{DB: s.DB, Interval: 5 * time.Millisecond, Grace: time.Minute}
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestGet_JoinsAttachments(t *testing.T) {
	svc, _ := newMessageService(t)
	ctx := context.Background()
	m, err := svc.Send(ctx, SendInput{SenderID: "cust-1", SenderRole: domain.RoleContact, Body: "see file", Files: []FileInput{file("a.txt", "abc")}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := svc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL == "" {
		t.Fatalf("attachments = %+v", got.Attachments)
	}
	if _, err := svc.Get(ctx, uuid.NewString()); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestReconciler_PruneDropsExpiredIdempotency(t *testing.T) {
	db := newSvcDB(t)
	ctx := context.Background()
	if _, err := repo.CreateIdempotency(ctx, db, "u1", "me", "k-old", "m1", 201, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.CreateIdempotency(ctx, db, "u1", "me", "k-new", "m2", 201, 48*time.Hour); err != nil {
		t.Fatal(err)
	}
	r := &Reconciler{DB: db, Now: func() time.Time { return time.Now().Add(time.Hour) }}
	n, err := r.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if got := countRows(t, db, &domain.Idempotency{}); got != 1 {
		t.Fatalf("rows left = %d", got)
	}
}
