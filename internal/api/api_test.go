package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/gebo/internal/models"
	"github.com/starford/gebo/internal/notestore"
	"github.com/starford/gebo/internal/share"
	"github.com/starford/gebo/internal/testutil"
)

// testEnv sets up a temp vault, SQLite index, service, coordinator, and
// router. authToken == "" means auth disabled.
func testEnv(t *testing.T, authToken string) (*notestore.Service, http.Handler) {
	return testEnvNotify(t, authToken, nil)
}

func testEnvNotify(t *testing.T, authToken string, notify share.Notifier) (*notestore.Service, http.Handler) {
	t.Helper()

	_, store := testutil.TestVault(t)
	db := testutil.TestDB(t)
	svc := notestore.NewService(store, db)

	disc := share.NewDiscovery("api-test", "api-test", 0, 50*time.Millisecond, nil)
	cfg := share.Config{DisplayName: "api-test", DiscoveryPort: 1, TransferPort: 1}
	coord := share.NewCoordinator(cfg, svc, disc, notify, nil)

	router := NewRouter(svc, coord, authToken != "", authToken, nil)
	return svc, router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetNote(t *testing.T) {
	_, router := testEnv(t, "")

	w := doJSON(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "hello", Body: "# Hello\nWorld"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/notes/hello", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var note models.Note
	if err := json.Unmarshal(w.Body.Bytes(), &note); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if note.ID != "hello" {
		t.Errorf("id = %q", note.ID)
	}
	if note.Title != "Hello" {
		t.Errorf("title = %q, want Hello", note.Title)
	}
}

func TestCreateGeneratesID(t *testing.T) {
	_, router := testEnv(t, "")

	w := doJSON(t, router, http.MethodPost, "/notes", CreateNoteRequest{Body: "generated"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var note models.Note
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.ID == "" {
		t.Error("expected server-generated id")
	}
}

func TestCreateDuplicate(t *testing.T) {
	_, router := testEnv(t, "")

	req := CreateNoteRequest{ID: "dup", Body: "a"}
	if w := doJSON(t, router, http.MethodPost, "/notes", req); w.Code != http.StatusCreated {
		t.Fatalf("first create = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/notes", req); w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestUpdateNote(t *testing.T) {
	_, router := testEnv(t, "")

	if w := doJSON(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "u1", Body: "v1"}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	w := doJSON(t, router, http.MethodPut, "/notes/u1", UpdateNoteRequest{Body: "v2"})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d, body = %s", w.Code, w.Body.String())
	}
	var note models.Note
	_ = json.Unmarshal(w.Body.Bytes(), &note)
	if note.Body != "v2" {
		t.Errorf("body = %q, want v2", note.Body)
	}

	if w := doJSON(t, router, http.MethodPut, "/notes/missing", UpdateNoteRequest{Body: "x"}); w.Code != http.StatusNotFound {
		t.Errorf("update missing = %d, want 404", w.Code)
	}
}

func TestDeleteNote(t *testing.T) {
	_, router := testEnv(t, "")

	if w := doJSON(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "d1", Body: "bye"}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodDelete, "/notes/d1", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/notes/d1", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestListAndSearch(t *testing.T) {
	_, router := testEnv(t, "")

	for _, n := range []CreateNoteRequest{
		{ID: "a", Body: "# Alpha\nshared words here"},
		{ID: "b", Body: "# Beta\nnothing relevant"},
	} {
		if w := doJSON(t, router, http.MethodPost, "/notes", n); w.Code != http.StatusCreated {
			t.Fatalf("create %s = %d", n.ID, w.Code)
		}
	}

	w := doJSON(t, router, http.MethodGet, "/notes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list NoteListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Total != 2 || len(list.Notes) != 2 {
		t.Errorf("list = %+v", list)
	}

	w = doJSON(t, router, http.MethodGet, "/search?q=shared", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	var res struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if len(res.Results) != 1 || res.Results[0].ID != "a" {
		t.Errorf("search results = %+v", res.Results)
	}

	if w := doJSON(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search without query = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, router := testEnv(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/notes", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/notes", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestStartSendValidation(t *testing.T) {
	_, router := testEnv(t, "")

	if w := doJSON(t, router, http.MethodPost, "/share/send", SendRequest{Kind: "all-notes"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing address = %d, want 400", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/share/send", SendRequest{Kind: "bogus", Address: "10.0.0.2", Port: 51516}); w.Code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/share/send", SendRequest{Kind: "single-note", Address: "10.0.0.2", Port: 51516}); w.Code != http.StatusBadRequest {
		t.Errorf("single-note without note_id = %d, want 400", w.Code)
	}
}

// sendDoneRecorder captures the final send notification.
type sendDoneRecorder struct {
	share.NopNotifier
	done chan string
}

func (r *sendDoneRecorder) SendDone(ok bool, message string) {
	select {
	case r.done <- fmt.Sprintf("%t: %s", ok, message):
	default:
	}
}

func TestStartSendSurvivesRequestEnd(t *testing.T) {
	notify := &sendDoneRecorder{done: make(chan string, 1)}
	_, router := testEnvNotify(t, "", notify)

	if w := doJSON(t, router, http.MethodPost, "/notes", CreateNoteRequest{ID: "s1", Body: "# Send me"}); w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}

	// A live peer that reads the offer and turns it down.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := share.ExpectFrame(conn, share.FrameOffer); err != nil {
			return
		}
		_ = share.WriteJSONFrame(conn, share.FrameDecision, share.DecisionPayload{Reason: "not now"})
	}()

	// The session must outlive the request, so drive the send through a
	// real server whose request context is canceled once the handler
	// returns.
	srv := httptest.NewServer(router)
	defer srv.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	raw, err := json.Marshal(SendRequest{Kind: "single-note", NoteID: "s1", Address: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/share/send", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post send: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send = %d, want 202", resp.StatusCode)
	}

	select {
	case msg := <-notify.done:
		if !strings.Contains(msg, "rejected") {
			t.Errorf("send outcome = %q, want the peer's rejection", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("send never completed")
	}
}

func TestDecideUnknownOffer(t *testing.T) {
	_, router := testEnv(t, "")

	if w := doJSON(t, router, http.MethodPost, "/share/decide", DecideRequest{OfferID: "ghost", Accept: true}); w.Code != http.StatusNotFound {
		t.Errorf("unknown offer = %d, want 404", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/share/decide", DecideRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing offer_id = %d, want 400", w.Code)
	}
}

func TestSessionsEmpty(t *testing.T) {
	_, router := testEnv(t, "")

	w := doJSON(t, router, http.MethodGet, "/share/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sessions = %d", w.Code)
	}
	var res SessionListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(res.Sessions) != 0 {
		t.Errorf("sessions = %+v, want empty", res.Sessions)
	}
}
