package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/InnNhi24/vibetune-sync/internal/auth"
	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	"github.com/InnNhi24/vibetune-sync/internal/mcpserver"
	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/queue"
	"github.com/InnNhi24/vibetune-sync/internal/ratelimit"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
	"github.com/InnNhi24/vibetune-sync/internal/server"
	"github.com/InnNhi24/vibetune-sync/internal/state"
	"github.com/InnNhi24/vibetune-sync/internal/syncer"
)

const (
	testUserID   = "learner-1"
	testEmail    = "learner@example.com"
	testPassword = "testpass"
	testAnonKey  = "anon-key"
	testAPIKey   = "e2e-local-api-key"
	testDeviceID = "device-a"
)

// backend is an in-memory stand-in for the managed backend: GoTrue-style
// token endpoint, a health endpoint, PostgREST-style tables and an AI
// function route that echoes what it received.
type backend struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]any
	nextID int
	token  string
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testUserID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := tok.SignedString([]byte("backend-secret"))
	require.NoError(t, err)

	return &backend{
		tables: map[string]map[string]map[string]any{"conversations": {}, "messages": {}},
		token:  signed,
	}
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/auth/v1/health":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/auth/v1/token":
		b.serveToken(w, r)
	case strings.HasPrefix(r.URL.Path, "/rest/v1/"):
		if r.Header.Get("Authorization") != "Bearer "+b.token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		b.serveTable(w, r, strings.TrimPrefix(r.URL.Path, "/rest/v1/"))
	case strings.HasPrefix(r.URL.Path, "/functions/v1/"):
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, map[string]string{
			"function":      strings.TrimPrefix(r.URL.Path, "/functions/v1/"),
			"authorization": r.Header.Get("Authorization"),
			"body":          string(body),
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *backend) serveToken(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	if r.URL.Query().Get("grant_type") == "password" && body["password"] != testPassword {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)

		return
	}

	writeJSON(w, map[string]any{
		"access_token":  b.token,
		"refresh_token": "refresh-1",
		"expires_in":    3600,
	})
}

func (b *backend) serveTable(w http.ResponseWriter, r *http.Request, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	table, ok := b.tables[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	id := strings.TrimPrefix(q.Get("id"), "eq.")

	switch r.Method {
	case http.MethodGet:
		if id != "" {
			if row, ok := table[id]; ok {
				writeJSON(w, []map[string]any{row})
				return
			}

			writeJSON(w, []map[string]any{})

			return
		}

		writeJSON(w, b.query(table, strings.TrimPrefix(q.Get("user_id"), "eq."), strings.TrimPrefix(q.Get("updated_at"), "gt.")))
	case http.MethodPost:
		var row map[string]any
		if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if s, _ := row["id"].(string); s == "" {
			b.nextID++
			row["id"] = "srv-" + strconv.Itoa(b.nextID)
		}

		table[row["id"].(string)] = row
		writeJSON(w, []map[string]any{row})
	case http.MethodPatch:
		row, ok := table[id]
		if !ok {
			writeJSON(w, []map[string]any{})
			return
		}

		var patch map[string]any
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		for k, v := range patch {
			row[k] = v
		}

		writeJSON(w, []map[string]any{row})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *backend) query(table map[string]map[string]any, userID, after string) []map[string]any {
	since, hasSince := models.ParseTime(after)

	out := []map[string]any{}

	for _, row := range table {
		if row["user_id"] != userID {
			continue
		}

		if hasSince {
			s, _ := row["updated_at"].(string)
			if at, ok := models.ParseTime(s); !ok || !at.After(since) {
				continue
			}
		}

		out = append(out, row)
	}

	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["updated_at"].(string)
		c, _ := out[j]["updated_at"].(string)

		return a < c
	})

	return out
}

// put stores a row as if another device had written it.
func (b *backend) put(table string, row map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tables[table][row["id"].(string)] = row
}

func (b *backend) row(table, id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, ok := b.tables[table][id]

	return row, ok
}

func (b *backend) count(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.tables[table])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e stack: a fake backend, the real auth client,
// REST store, queue and orchestrator, and the local HTTP API with MCP.
type harness struct {
	URL     string
	Backend *backend
	Queue   *queue.Queue
	Client  *http.Client
}

// newHarness signs in against the fake backend, wires the sync engine
// to it, and starts the local API via server.NewMux.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	be := newBackend(t)
	backendSrv := httptest.NewServer(be)
	t.Cleanup(backendSrv.Close)

	store, err := state.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.Open(store, testDeviceID, logger)
	require.NoError(t, err)

	authClient := auth.NewClient(backendSrv.URL, testAnonKey, store, logger, backendSrv.Client())
	_, err = authClient.SignIn(t.Context(), testEmail, testPassword)
	require.NoError(t, err)

	limiter := ratelimit.New()
	t.Cleanup(limiter.Stop)

	orch := syncer.New(syncer.Config{
		Queue:    q,
		Store:    remote.NewRESTStore(backendSrv.URL, testAnonKey, authClient, backendSrv.Client()),
		Auth:     authClient,
		Network:  syncer.NewHTTPProbe(backendSrv.URL+"/auth/v1/health", time.Minute, backendSrv.Client(), logger),
		Detector: conflict.NewDetector(5 * time.Second),
		Resolver: conflict.NewResolver(nil, logger),
		Limiter:  limiter,
		DeviceID: testDeviceID,
	}, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "vibetune-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, orch, q)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	aiUpstream, err := url.Parse(backendSrv.URL + "/functions/v1")
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Sync:       orch,
		Limiter:    limiter,
		SyncRule:   ratelimit.Rule{Name: "sync", Max: 100, Window: time.Minute},
		AIRule:     ratelimit.Rule{Name: "ai", Max: 10, Window: time.Minute},
		APIKeys:    auth.ParseAPIKeys([]string{"e2e:" + testAPIKey}),
		AIUpstream: aiUpstream,
		AIAPIKey:   testAnonKey,
		Tokens:     authClient,
		MCPHandler: mcpHandler,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Backend: be,
		Queue:   q,
		Client:  ts.Client(),
	}
}

// do sends an authenticated request to the local API.
func (h *harness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// syncNow triggers a pass over HTTP and decodes the result.
func (h *harness) syncNow(t *testing.T) syncer.Result {
	t.Helper()

	resp := h.do(t, http.MethodPost, "/v1/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res syncer.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))

	return res
}

// mcpSession creates an MCP client session authenticated with the local
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
