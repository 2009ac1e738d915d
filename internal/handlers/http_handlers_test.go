package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prizedraw/internal/chain"
	"prizedraw/internal/ledger"
	"prizedraw/internal/metrics"
	"prizedraw/internal/models"
	"prizedraw/internal/odds"
	"prizedraw/internal/oracle"
	"prizedraw/internal/services"
	"prizedraw/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	router *gin.Engine
	auth   *Authenticator
	clock  *chain.ManualClock
	oracle *oracle.Memory
	ledger *ledger.Memory
	store  *storage.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemory()
	require.NoError(t, store.Bootstrap(context.Background(), models.GlobalConfig{
		TicketPrice:      1000000,
		BurnTicketPrice:  500000,
		FreeDrawTokenID:  77,
		MaxOdds:          4,
		RandomnessWindow: 1000,
		Admin:            "ADMIN",
		Treasury:         "TREASURY",
		Engine:           "ENGINE",
	}))
	provider, err := odds.NewStaticProvider([]odds.Entry{{PrizeID: 7, Weight: 2}, {PrizeID: 9, Weight: 4}})
	require.NoError(t, err)

	ts := &testServer{
		auth:   NewAuthenticator([]byte(testSecret), time.Hour),
		clock:  chain.NewManualClock(3),
		oracle: oracle.NewMemory(),
		ledger: ledger.NewMemory(),
		store:  store,
	}
	svc := services.NewDrawService(store, ts.clock, provider, oracle.NewResolver(ts.oracle), ts.ledger)
	svc.SetPublisher(provider)

	m := metrics.New()
	ts.router, err = NewRouter(gin.TestMode, nil, m, nil)
	require.NoError(t, err)
	NewHTTPHandler(svc, ts.auth).RegisterRoutes(ts.router)
	ts.router.GET("/metrics", gin.WrapH(m.Handler()))
	return ts
}

// do sends an anonymous request.
func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doAs(t, "", method, path, body)
}

// doAs sends a request carrying a token for addr.
func (ts *testServer) doAs(t *testing.T, addr models.Address, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if addr != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, addr))
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) token(t *testing.T, addr models.Address) string {
	t.Helper()
	token, err := ts.auth.Issue(addr)
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// payment is a native payment the ledger has settled.
func (ts *testServer) payment(sender string, amount uint64) models.Bundle {
	tr := models.Transfer{TxID: uuid.NewString(), Kind: models.TransferNative, From: models.Address(sender), To: "TREASURY", Amount: amount}
	ts.ledger.Settle(tr)
	return models.Bundle{Sender: models.Address(sender), Transfers: []models.Transfer{tr}}
}

func TestDrawLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	w := ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/optin", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	t.Run("opting in twice conflicts", func(t *testing.T) {
		w := ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/optin", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "ALREADY OPTED IN", decode(t, w)["error"])
	})

	t.Run("draw queues for the next seed round", func(t *testing.T) {
		w := ts.doAs(t, "ALICE", http.MethodPost, "/draws/draw", gin.H{"bundle": ts.payment("ALICE", 1000000)})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.EqualValues(t, 8, decode(t, w)["targetRound"])
	})

	t.Run("exec before the target round is temporal", func(t *testing.T) {
		w := ts.doAs(t, "RELAY", http.MethodPost, "/accounts/ALICE/exec", nil)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
		body := decode(t, w)
		assert.Equal(t, "WAIT FOR RANDOMNESS", body["error"])
		assert.Equal(t, "temporal", body["kind"])
		assert.Equal(t, true, body["retryable"])
	})

	t.Run("account view reports the queued state", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/accounts/ALICE", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "queued", body["state"])
		assert.EqualValues(t, 8, body["drawRound"])
	})

	t.Run("exec resolves once the round is reached", func(t *testing.T) {
		ts.clock.Set(8)
		ts.oracle.SetValue(8, []byte("ALICE"), []byte{0x03})
		w := ts.doAs(t, "RELAY", http.MethodPost, "/accounts/ALICE/exec", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		events := decode(t, w)["events"].([]interface{})
		require.Len(t, events, 1)
		assert.EqualValues(t, 9, events[0].(map[string]interface{})["prizeId"])
	})

	t.Run("events are listed and exported", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/accounts/ALICE/events?limit=5", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["events"], 1)

		w = ts.do(t, http.MethodGet, "/accounts/ALICE/events/export", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
		assert.Equal(t, "attachment; filename=ALICE_draws.csv", w.Header().Get("Content-Disposition"))
		rows, err := csv.NewReader(w.Body).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "prize_id", rows[0][5])
		assert.Equal(t, "9", rows[1][5])
	})

	t.Run("collect pays the prize out", func(t *testing.T) {
		w := ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/collect", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Len(t, decode(t, w)["transfers"], 1)
	})

	t.Run("close out removes the account", func(t *testing.T) {
		w := ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/closeout", nil)
		require.Equal(t, http.StatusOK, w.Code)
		w = ts.do(t, http.MethodGet, "/accounts/ALICE", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "NOT OPTED IN", decode(t, w)["error"])
	})
}

func TestRefundOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.doAs(t, "BOB", http.MethodPost, "/accounts/BOB/optin", nil).Code)
	require.Equal(t, http.StatusAccepted, ts.doAs(t, "BOB", http.MethodPost, "/draws/draw", gin.H{"bundle": ts.payment("BOB", 1000000)}).Code)

	w := ts.doAs(t, "BOB", http.MethodPost, "/accounts/BOB/refund", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
	assert.Equal(t, "ERR RANDOMNESS NOT EXPIRED", decode(t, w)["error"])

	ts.clock.Set(8 + 1000 + 1)
	w = ts.doAs(t, "BOB", http.MethodPost, "/accounts/BOB/refund", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 1000000, body["refunded"])
	assert.Equal(t, "1", body["refundedDisplay"])
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/optin", nil).Code)

	cases := map[string]struct {
		as     models.Address
		method string
		path   string
		body   string
		status int
		label  string
	}{
		"malformed json":       {"ALICE", http.MethodPost, "/draws/draw", "{", http.StatusBadRequest, "BAD REQUEST"},
		"missing payment":      {"ALICE", http.MethodPost, "/draws/draw", `{"bundle":{"sender":"ALICE","transfers":[]}}`, http.StatusBadRequest, "PAYMENT FAIL"},
		"unsettled payment":    {"ALICE", http.MethodPost, "/draws/draw", `{"bundle":{"transfers":[{"txId":"made-up","kind":"native","from":"ALICE","to":"TREASURY","amount":1000000}]}}`, http.StatusBadRequest, "PAYMENT UNCONFIRMED"},
		"unknown config key":   {"ADMIN", http.MethodPost, "/admin/config", `{"update":{"admin":"EVE"}}`, http.StatusBadRequest, "BAD REQUEST"},
		"caller in the body":   {"ADMIN", http.MethodPost, "/admin/kill", `{"caller":"ADMIN","killed":true}`, http.StatusBadRequest, "BAD REQUEST"},
		"not opted in":         {"BOB", http.MethodPost, "/accounts/BOB/exec", "", http.StatusConflict, "NOT OPTED IN"},
		"non admin kill":       {"EVE", http.MethodPost, "/admin/kill", `{"killed":true}`, http.StatusForbidden, "UNAUTH"},
		"max odds not a power": {"ADMIN", http.MethodPost, "/admin/config", `{"update":{"maxOdds":6}}`, http.StatusBadRequest, "INVALID MAX ODDS"},
		"window too large":     {"ADMIN", http.MethodPost, "/admin/config", `{"update":{"randomnessWindow":18446744073709551615}}`, http.StatusBadRequest, "INVALID WINDOW"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := ts.doAs(t, tc.as, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.Equal(t, tc.label, decode(t, w)["error"])
		})
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/optin", nil).Code)
	require.Equal(t, http.StatusCreated, ts.doAs(t, "BOB", http.MethodPost, "/accounts/BOB/optin", nil).Code)

	send := func(path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		ts.router.ServeHTTP(w, req)
		return w
	}

	t.Run("mutations need a token", func(t *testing.T) {
		for _, path := range []string{"/accounts/ALICE/collect", "/accounts/ALICE/exec", "/draws/draw", "/admin/kill"} {
			w := send(path, "", `{}`)
			assert.Equal(t, http.StatusUnauthorized, w.Code, path)
			assert.Equal(t, "UNAUTHENTICATED", decode(t, w)["error"], path)
		}
	})

	t.Run("a token signed with another secret is rejected", func(t *testing.T) {
		forged, err := NewAuthenticator([]byte("another-secret-another-secret-00"), time.Hour).Issue("ADMIN")
		require.NoError(t, err)
		w := send("/admin/kill", forged, `{"killed":true}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		cfg, err := ts.store.GetConfig(context.Background())
		require.NoError(t, err)
		assert.False(t, cfg.Killed)
	})

	t.Run("an expired token is rejected", func(t *testing.T) {
		old := NewAuthenticator([]byte(testSecret), time.Hour)
		old.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
		token, err := old.Issue("ALICE")
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, send("/accounts/ALICE/collect", token, "").Code)
	})

	t.Run("claiming to be the admin in the body does nothing", func(t *testing.T) {
		w := ts.doAs(t, "EVE", http.MethodPost, "/admin/config", `{"update":{"ticketPrice":1}}`)
		assert.Equal(t, http.StatusForbidden, w.Code)
		w = ts.doAs(t, "EVE", http.MethodPost, "/admin/free-tokens", gin.H{"bundle": ts.payment("ADMIN", 2000000), "count": 2})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("another account cannot be closed out", func(t *testing.T) {
		ts.fill(t, "ALICE", 7)
		w := ts.doAs(t, "BOB", http.MethodPost, "/accounts/ALICE/closeout", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "UNAUTH", decode(t, w)["error"])
		w = ts.doAs(t, "BOB", http.MethodPost, "/accounts/ALICE/collect", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)

		acct, err := ts.store.GetAccount(context.Background(), "ALICE")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), acct.Slots[0])
		assert.Empty(t, ts.store.Transfers())
	})

	t.Run("bundles are sent as the principal", func(t *testing.T) {
		w := ts.doAs(t, "BOB", http.MethodPost, "/draws/draw", gin.H{"bundle": ts.payment("ALICE", 1000000)})
		assert.Equal(t, http.StatusForbidden, w.Code)

		b := ts.payment("BOB", 1000000)
		b.Sender = ""
		w = ts.doAs(t, "BOB", http.MethodPost, "/draws/draw", gin.H{"bundle": b})
		assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	})

	t.Run("exec is open to any principal", func(t *testing.T) {
		w := ts.doAs(t, "ALICE", http.MethodPost, "/accounts/BOB/exec", nil)
		assert.Equal(t, http.StatusPreconditionFailed, w.Code)
		assert.Equal(t, "WAIT FOR RANDOMNESS", decode(t, w)["error"])
	})
}

func (ts *testServer) fill(t *testing.T, addr models.Address, slots ...uint64) {
	t.Helper()
	acct, err := ts.store.GetAccount(context.Background(), addr)
	require.NoError(t, err)
	copy(acct.Slots[:], slots)
	require.NoError(t, ts.store.Commit(context.Background(), models.Commit{Accounts: []models.Account{acct}}))
}

func TestKillSwitchOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.doAs(t, "ALICE", http.MethodPost, "/accounts/ALICE/optin", nil).Code)

	w := ts.doAs(t, "ADMIN", http.MethodPost, "/admin/kill", `{"killed":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.doAs(t, "ALICE", http.MethodPost, "/draws/draw", gin.H{"bundle": ts.payment("ALICE", 1000000)})
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "CONTRACT KILLED", decode(t, w)["error"])

	w = ts.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode(t, w)["config"].(map[string]interface{})
	assert.Equal(t, true, cfg["killed"])
	assert.Equal(t, "TREASURY", cfg["treasury"])
	assert.NotContains(t, cfg, "admin")
	assert.NotContains(t, w.Body.String(), "ADMIN")
}

func TestExportFilenameIsQuoted(t *testing.T) {
	ts := newTestServer(t)
	addr := models.Address(`A"B;x=1`)
	require.NoError(t, ts.store.Commit(context.Background(), models.Commit{Accounts: []models.Account{{Address: addr}}}))

	w := ts.do(t, http.MethodGet, "/accounts/A%22B%3Bx=1/events/export", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	disposition, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.Equal(t, `A"B;x=1_draws.csv`, params["filename"])
	assert.Len(t, params, 1)

	d := exportDisposition("A\r\nX-Evil: 1")
	assert.NotContains(t, d, "\n")
	_, params, err = mime.ParseMediaType(d)
	require.NoError(t, err)
	assert.Equal(t, "A\r\nX-Evil: 1_draws.csv", params["filename"])
}

func uploadOdds(t *testing.T, ts *testServer, caller models.Address, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("oddsCSV", "odds.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/admin/odds", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.token(t, caller))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func TestUploadOddsCSV(t *testing.T) {
	ts := newTestServer(t)

	t.Run("replaces the table", func(t *testing.T) {
		w := uploadOdds(t, ts, "ADMIN", "prize_id,weight\n5,1\n6,4\n")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = ts.do(t, http.MethodGet, "/odds", nil)
		require.Equal(t, http.StatusOK, w.Code)
		entries := decode(t, w)["entries"].([]interface{})
		require.Len(t, entries, 2)
		assert.EqualValues(t, 5, entries[0].(map[string]interface{})["prizeId"])
	})

	t.Run("rejects a malformed row", func(t *testing.T) {
		w := uploadOdds(t, ts, "ADMIN", "prize_id,weight\n5,1\nsix,4\n")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID ODDS", decode(t, w)["error"])
	})

	t.Run("rejects weights past max odds", func(t *testing.T) {
		w := uploadOdds(t, ts, "ADMIN", "5,1\n6,9\n")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID ODDS", decode(t, w)["error"])
	})

	t.Run("admin only", func(t *testing.T) {
		w := uploadOdds(t, ts, "EVE", "5,1\n6,4\n")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestMetricsAndRequestID(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/healthz", nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-1")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(requestIDHeader))

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `http_requests_total{method="GET",path="/healthz",status="200"}`))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	router, err := NewRouter(gin.TestMode, nil, nil, rl)
	require.NoError(t, err)
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rl.CleanUp(0)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.clients)
}

func TestRateLimiterIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	ping := func(router *gin.Engine, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("no trusted proxies", func(t *testing.T) {
		router, err := NewRouter(gin.TestMode, nil, nil, NewRateLimiter(0.001, 1))
		require.NoError(t, err)
		router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.ClientIP()) })

		assert.Equal(t, http.StatusOK, ping(router, "198.51.100.1"))
		assert.Equal(t, http.StatusTooManyRequests, ping(router, "198.51.100.2"), "a new forwarded address is the same client")
	})

	t.Run("a trusted proxy forwards the client address", func(t *testing.T) {
		router, err := NewRouter(gin.TestMode, []string{"192.0.2.1"}, nil, NewRateLimiter(0.001, 1))
		require.NoError(t, err)
		router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, c.ClientIP()) })

		assert.Equal(t, http.StatusOK, ping(router, "198.51.100.1"))
		assert.Equal(t, http.StatusOK, ping(router, "198.51.100.2"))
		assert.Equal(t, http.StatusTooManyRequests, ping(router, "198.51.100.1"))
	})

	t.Run("invalid proxy list", func(t *testing.T) {
		_, err := NewRouter(gin.TestMode, []string{"not-an-ip"}, nil, nil)
		assert.Error(t, err)
	})
}
