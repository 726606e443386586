package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/parcel-forwarding-backend/internal/storage"
)

type fakeStreamer struct{ served []string }

func (f *fakeStreamer) Serve(w http.ResponseWriter, _ *http.Request, chatID string) error {
	f.served = append(f.served, chatID)
	w.WriteHeader(http.StatusOK)
	return nil
}

func TestStreamChat_AuthorizesBeforeUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := &fakeStreamer{}
	h := New(chatFixture(), &fakeMsgSvc{}, nil, nil)

	for _, tc := range []struct {
		who  principal
		want int
	}{
		{customer, http.StatusOK},
		{staff, http.StatusOK},
		{stranger, http.StatusForbidden},
	} {
		r := gin.New()
		r.GET("/chats/:id/stream", as(tc.who), h.StreamChat(s))
		w := doJSON(t, r, http.MethodGet, "/chats/"+chatID+"/stream", nil)
		if w.Code != tc.want {
			t.Fatalf("%s: status=%d", tc.who.userID, w.Code)
		}
	}
	if len(s.served) != 2 || s.served[0] != chatID {
		t.Fatalf("served=%v", s.served)
	}
}

func TestServeFile_SignedURL(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, err := storage.NewLocalStore(t.TempDir(), "signing-secret", "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Put(ctx, "chat", "c1/m1/note.txt", strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatal(err)
	}
	signed, err := store.SignedURL(ctx, "chat", "c1/m1/note.txt", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.GET("/files/*path", ServeFile(store))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, signed, nil))
	if w.Code != http.StatusOK || w.Body.String() != "hello" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q", ct)
	}

	// tampered signature
	u, _ := url.Parse(signed)
	q := u.Query()
	sig := []byte(q.Get("sig"))
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	q.Set("sig", string(sig))
	u.RawQuery = q.Encode()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, u.String(), nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("tampered: status=%d", w.Code)
	}

	// expired
	store.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, signed, nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expired: status=%d", w.Code)
	}

	// traversal
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/files/chat/../secret", nil))
	if w.Code != http.StatusNotFound && w.Code != http.StatusMovedPermanently {
		t.Fatalf("traversal: status=%d", w.Code)
	}
}
