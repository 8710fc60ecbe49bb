package registry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

func quietRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistrySet(t *testing.T) {
	r := quietRegistry()

	r.Add("ROOM-B")
	r.Add("ROOM-A")
	r.Add("ROOM-A")
	if got := r.List(); !slices.Equal(got, []string{"ROOM-A", "ROOM-B"}) {
		t.Fatalf("List() = %v", got)
	}
	if !r.Contains("ROOM-A") {
		t.Error("ROOM-A missing")
	}

	r.Remove("ROOM-A")
	r.Remove("ROOM-A")
	if r.Contains("ROOM-A") {
		t.Error("ROOM-A still present after remove")
	}
	if got := r.List(); !slices.Equal(got, []string{"ROOM-B"}) {
		t.Fatalf("List() = %v", got)
	}
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := quietRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewRoomID()
			r.Add(id)
			if !r.Contains(id) {
				t.Errorf("worker %d: room %s not found", i, id)
			}
			r.List()
		}()
	}
	wg.Wait()
}

func TestNewRoomID(t *testing.T) {
	pattern := regexp.MustCompile(`^ROOM-[0-9A-Z]{4}-[0-9A-Z]{4}$`)
	for range 100 {
		if id := NewRoomID(); !pattern.MatchString(id) {
			t.Fatalf("NewRoomID() = %q", id)
		}
	}
}

func newTestServer(t *testing.T) (*Registry, *httptest.Server) {
	t.Helper()
	reg := quietRegistry()
	router := mux.NewRouter()
	reg.Mount(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return reg, srv
}

func TestHandlersRejectBadInput(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name    string
		path    string
		body    string
		wantErr string
	}{
		{"bad json", "/api/rooms/check", `{`, errInvalidBody},
		{"missing roomId", "/api/rooms/check", `{}`, errInvalidRoomID},
		{"empty roomId", "/api/rooms/register", `{"roomId":""}`, errInvalidRoomID},
		{"numeric roomId", "/api/rooms/unregister", `{"roomId":42}`, errInvalidRoomID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", body.Error, tt.wantErr)
			}
		})
	}
}

func TestHandlersRejectGet(t *testing.T) {
	_, srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/rooms/check")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestClientRoundTrip(t *testing.T) {
	reg, srv := newTestServer(t)
	c := NewClient(srv.URL+"/", nil)
	ctx := context.Background()

	exists, err := c.Check(ctx, "ROOM-1234-ABCD")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("unregistered room reported as existing")
	}

	if err := c.Register(ctx, "ROOM-1234-ABCD"); err != nil {
		t.Fatal(err)
	}
	if !reg.Contains("ROOM-1234-ABCD") {
		t.Fatal("register did not reach the registry")
	}
	if exists, err = c.Check(ctx, "ROOM-1234-ABCD"); err != nil || !exists {
		t.Fatalf("Check() = %v, %v", exists, err)
	}

	if err := c.Unregister(ctx, "ROOM-1234-ABCD"); err != nil {
		t.Fatal(err)
	}
	if exists, err = c.Check(ctx, "ROOM-1234-ABCD"); err != nil || exists {
		t.Fatalf("Check() after unregister = %v, %v", exists, err)
	}
}

func TestClientSurfacesServerError(t *testing.T) {
	_, srv := newTestServer(t)
	c := NewClient(srv.URL, nil)

	err := c.Register(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), errInvalidRoomID) {
		t.Fatalf("Register(\"\") error = %v", err)
	}
}
