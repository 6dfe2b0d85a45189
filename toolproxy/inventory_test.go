package toolproxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	loom "github.com/nevindra/loom"
)

const sampleListing = `{"tools":[
	{"server":"azure","name":"List-VMs","description":"list virtual machines","inputSchema":{"type":"object"}},
	{"server":"web","name":"search","description":"web search"},
	{"server":"aws","name":"search","description":"aws resource search"},
	{"server":"billing","name":"Get.Cost Report!"}
]}`

func TestClient_ListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/mcp/tools" {
			t.Errorf("expected path /mcp/tools, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		w.Write([]byte(sampleListing))
	}))
	defer srv.Close()

	c := New(srv.URL)
	tools, err := c.ListTools(context.Background(), loom.User{ID: "u1", AccessToken: "user-token"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 4 {
		t.Fatalf("tools = %d, want 4", len(tools))
	}

	first := tools[0]
	if first.ServerID != "azure" || first.OriginalName != "List-VMs" || first.SanitizedName != "list_vms" {
		t.Errorf("tool[0] = %+v", first)
	}
	if first.Description != "list virtual machines" || string(first.Parameters) != `{"type":"object"}` {
		t.Errorf("tool[0] metadata = %+v", first)
	}

	// Two servers expose "search"; the second gets its server prefixed.
	if tools[1].SanitizedName != "search" || tools[2].SanitizedName != "aws_search" {
		t.Errorf("collision handling = %q, %q", tools[1].SanitizedName, tools[2].SanitizedName)
	}
	if tools[2].OriginalName != "search" {
		t.Errorf("original name = %q, must stay what the proxy expects", tools[2].OriginalName)
	}
	if tools[3].SanitizedName != "get_cost_report" {
		t.Errorf("messy name sanitized to %q", tools[3].SanitizedName)
	}
}

func TestClient_ListToolsInternalKeyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer internal-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"tools":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithInternalKey("internal-key"))
	if _, err := c.ListTools(context.Background(), loom.User{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
}

func TestClient_ListToolsCachesPerUser(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(sampleListing))
	}))
	defer srv.Close()

	c := New(srv.URL, WithInventoryTTL(time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.ListTools(ctx, loom.User{ID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("fetches for one user = %d, want 1", got)
	}

	if _, err := c.ListTools(ctx, loom.User{ID: "u2"}); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("fetches after a second user = %d, want 2", got)
	}
}

func TestClient_ListToolsNoCacheWhenDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"tools":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithInventoryTTL(0))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.ListTools(ctx, loom.User{ID: "u1"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("fetches = %d, want every call to hit the proxy", got)
	}
}

func TestClient_ListToolsServesStaleOnError(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(sampleListing))
	}))
	defer srv.Close()

	// A nanosecond TTL expires immediately, forcing a refresh on the
	// second call while keeping the first listing around as fallback.
	c := New(srv.URL, WithInventoryTTL(time.Nanosecond))
	ctx := context.Background()

	tools, err := c.ListTools(ctx, loom.User{ID: "u1"})
	if err != nil || len(tools) != 4 {
		t.Fatalf("first listing: %d tools, err %v", len(tools), err)
	}

	fail.Store(true)
	tools, err = c.ListTools(ctx, loom.User{ID: "u1"})
	if err != nil {
		t.Fatalf("stale fallback returned error: %v", err)
	}
	if len(tools) != 4 {
		t.Errorf("stale listing = %d tools, want the cached 4", len(tools))
	}

	// A user with no prior listing still sees the failure.
	if _, err := c.ListTools(ctx, loom.User{ID: "u2"}); err == nil {
		t.Error("expected the refresh failure to surface for an uncached user")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Azure-List-VMs", "azure_list_vms"},
		{"kubectl.get.pods", "kubectl_get_pods"},
		{"Get.Cost Report!", "get_cost_report"},
		{"__weird--name__", "weird_name"},
		{"already_fine", "already_fine"},
		{"héllo wörld", "hllo_wrld"},
		{strings.Repeat("a", 80), strings.Repeat("a", 64)},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := sanitizeName(tt.in); got != tt.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
