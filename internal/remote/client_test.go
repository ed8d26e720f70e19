package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(ts *httptest.Server) *Client {
	return &Client{
		baseURL:     ts.URL,
		token:       "secret-token",
		bulkTimeout: 5 * time.Second,
		itemTimeout: 5 * time.Second,
		httpClient:  ts.Client(),
	}
}

func TestClient_Headers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("Authorization = %q, want Bearer secret-token", got)
		}
		if got := r.Header.Get("As-User"); got != "42" {
			t.Errorf("As-User = %q, want 42", got)
		}
		if got := r.Header.Get("X-Request-Id"); got != "corr-1" {
			t.Errorf("X-Request-Id = %q, want corr-1", got)
		}
		w.Write([]byte(`{"entries":[],"total_count":0}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	ctx := WithCorrelation(context.Background(), "corr-1")
	_, err := c.AsUser("42").ListFolderItems(ctx, "0", ListOptions{})
	if err != nil {
		t.Fatalf("ListFolderItems returned error: %v", err)
	}
}

func TestClient_AsUser_DoesNotMutateOriginal(t *testing.T) {
	c := &Client{token: "t"}
	derived := c.AsUser("7").(*Client)
	if c.asUser != "" {
		t.Errorf("original asUser = %q, want empty", c.asUser)
	}
	if derived.asUser != "7" {
		t.Errorf("derived asUser = %q, want 7", derived.asUser)
	}
}

func TestResolveAccountByLogin_ExactMatchOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("filter_term"); got != "alice@example.com" {
			t.Errorf("filter_term = %q, want alice@example.com", got)
		}
		// The provider filter is fuzzy: it also returns a prefix match.
		json.NewEncoder(w).Encode(accountPage{
			TotalCount: 2,
			Entries: []Account{
				{ID: "1", Login: "alice@example.com"},
				{ID: "2", Login: "alice@example.com.au"},
			},
		})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	acct, err := c.ResolveAccountByLogin(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("ResolveAccountByLogin returned error: %v", err)
	}
	if acct.ID != "1" {
		t.Errorf("account ID = %q, want 1", acct.ID)
	}
}

func TestResolveAccountByLogin_NoMatchIsAmbiguous(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(accountPage{TotalCount: 0})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.ResolveAccountByLogin(context.Background(), "ghost@example.com")
	if ClassOf(err) != ClassAmbiguous {
		t.Fatalf("class = %v, want ClassAmbiguous (err: %v)", ClassOf(err), err)
	}
}

func TestClient_RateLimitedFault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":"rate_limit_exceeded"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	ctx := WithCorrelation(context.Background(), "corr-9")
	_, err := c.GetItem(ctx, ItemRef{ID: "10", Kind: File})
	f := FaultOf(err)
	if f == nil {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if f.Class != ClassRateLimited {
		t.Errorf("class = %v, want ClassRateLimited", f.Class)
	}
	if f.Status != 429 {
		t.Errorf("status = %d, want 429", f.Status)
	}
	if f.CorrelationID != "corr-9" {
		t.Errorf("correlation = %q, want corr-9", f.CorrelationID)
	}
	if f.Body != `{"code":"rate_limit_exceeded"}` {
		t.Errorf("body = %q", f.Body)
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.GetItem(context.Background(), ItemRef{ID: "10", Kind: File})
	if ClassOf(err) != ClassMalformed {
		t.Fatalf("class = %v, want ClassMalformed (err: %v)", ClassOf(err), err)
	}
}

func TestRemoveCollaboration_NotFoundTolerated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if err := c.RemoveCollaboration(context.Background(), "999"); err != nil {
		t.Fatalf("RemoveCollaboration(404) should not error, got: %v", err)
	}
}

func TestDeleteItem_FolderIsRecursive(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		if r.URL.Path != "/folders/55" {
			t.Errorf("path = %s, want /folders/55", r.URL.Path)
		}
		if got := r.URL.Query().Get("recursive"); got != "true" {
			t.Errorf("recursive = %q, want true", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if err := c.DeleteItem(context.Background(), ItemRef{ID: "55", Kind: Folder}); err != nil {
		t.Fatalf("DeleteItem returned error: %v", err)
	}
}

func TestListFolderItems_Pagination(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if got := r.URL.Query().Get("owned_by"); got != "42" {
			t.Errorf("owned_by = %q, want 42", got)
		}
		var page itemPage
		if calls == 1 {
			page = itemPage{TotalCount: 3, Entries: []Item{{ID: "1"}, {ID: "2"}}}
		} else {
			page = itemPage{TotalCount: 3, Entries: []Item{{ID: "3"}}}
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	items, err := c.ListFolderItems(context.Background(), "0", ListOptions{OwnerID: "42"})
	if err != nil {
		t.Fatalf("ListFolderItems returned error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if calls != 2 {
		t.Errorf("server calls = %d, want 2", calls)
	}
}

func TestMoveItem_Payload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if r.URL.Path != "/files/10" {
			t.Errorf("path = %s, want /files/10", r.URL.Path)
		}
		var body struct {
			Parent struct {
				ID string `json:"id"`
			} `json:"parent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body.Parent.ID != "777" {
			t.Errorf("parent.id = %q, want 777", body.Parent.ID)
		}
		w.Write([]byte(`{"id":"10"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if _, err := c.MoveItem(context.Background(), ItemRef{ID: "10", Kind: File}, "777"); err != nil {
		t.Fatalf("MoveItem returned error: %v", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	c := newTestClient(ts)
	c.itemTimeout = 20 * time.Millisecond
	_, err := c.GetItem(context.Background(), ItemRef{ID: "1", Kind: File})
	if ClassOf(err) != ClassClientTimeout {
		t.Fatalf("class = %v, want ClassClientTimeout (err: %v)", ClassOf(err), err)
	}
}

func TestFindFolderByName(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(itemPage{TotalCount: 2, Entries: []Item{
			{ID: "1", Type: "file", Name: "Archive - alice"},
			{ID: "2", Type: "folder", Name: "Archive - alice"},
		}})
	}))
	defer ts.Close()

	c := newTestClient(ts)
	folder, err := c.FindFolderByName(context.Background(), "0", "Archive - alice")
	if err != nil {
		t.Fatalf("FindFolderByName returned error: %v", err)
	}
	if folder == nil || folder.ID != "2" {
		t.Fatalf("folder = %+v, want ID 2 (the folder, not the file)", folder)
	}

	missing, err := c.FindFolderByName(context.Background(), "0", "nope")
	if err != nil {
		t.Fatalf("FindFolderByName returned error: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for absent folder, got %+v", missing)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		expect string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"empty", "", 5, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.input, tc.maxLen)
			if got != tc.expect {
				t.Errorf("truncate(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expect)
			}
		})
	}
}

func TestParseItemKind(t *testing.T) {
	if k, err := ParseItemKind("folder"); err != nil || k != Folder {
		t.Errorf("ParseItemKind(folder) = %v, %v", k, err)
	}
	if k, err := ParseItemKind("file"); err != nil || k != File {
		t.Errorf("ParseItemKind(file) = %v, %v", k, err)
	}
	if _, err := ParseItemKind("web_link"); err == nil {
		t.Error("ParseItemKind(web_link) should error")
	}
}

var errSentinel = errors.New("sentinel")

func TestFaultOf_NonFault(t *testing.T) {
	if FaultOf(errSentinel) != nil {
		t.Error("FaultOf should return nil for a plain error")
	}
	if ClassOf(errSentinel) != ClassPermanent {
		t.Error("plain errors classify as permanent")
	}
}
