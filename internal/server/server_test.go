package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biblioteca/internal/catalog"
	"biblioteca/internal/circulation"
	"biblioteca/internal/clock"
	"biblioteca/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Sweep:       config.Sweep{Schedule: "@every 1m"},
		Circulation: config.Circulation{LockTimeout: time.Second},
		RateLimit:   config.RateLimit{PerSecond: 1000, Burst: 1000},
		Assistant:   config.Assistant{Timeout: time.Second},
	}
}

type TestSuite struct {
	server *httptest.Server
	clock  *clock.Fake
	app    *App
}

func setupTestSuite(t *testing.T, cfg *config.Config) *TestSuite {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	app, err := Build(context.Background(), cfg, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(app.Router)
	t.Cleanup(func() {
		srv.Close()
		app.Close()
	})
	return &TestSuite{server: srv, clock: clk, app: app}
}

func (ts *TestSuite) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(ts.server.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *TestSuite) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *TestSuite) addBook(t *testing.T, title string) catalog.Book {
	t.Helper()
	resp := ts.post(t, "/api/v1/books", map[string]interface{}{
		"title":        title,
		"author":       "Gabriel García Márquez",
		"category":     "Novela",
		"published_at": "1967-05-30",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var book catalog.Book
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&book))
	return book
}

func reservation(name, contact string, days int) map[string]interface{} {
	return map[string]interface{}{
		"borrower_name":    name,
		"borrower_contact": contact,
		"loan_days":        days,
	}
}

func TestCheckoutFlow(t *testing.T) {
	ts := setupTestSuite(t, testConfig())
	book := ts.addBook(t, "Cien años de soledad")
	bookPath := fmt.Sprintf("/api/v1/books/%s", book.ID)

	resp := ts.post(t, bookPath+"/reservations", reservation("Ana", "ana@x.com", 14))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var r circulation.Reservation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))

	resp = ts.get(t, bookPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated catalog.Book
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.False(t, updated.Available)

	resp = ts.get(t, "/api/v1/books?available=false")
	var unavailable []catalog.Book
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&unavailable))
	require.Len(t, unavailable, 1)

	resp = ts.post(t, bookPath+"/return", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.get(t, bookPath)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.True(t, updated.Available)

	resp = ts.post(t, fmt.Sprintf("/api/v1/reservations/%s/cancel", r.ID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConcurrentReservePreventsDoubleBooking(t *testing.T) {
	ts := setupTestSuite(t, testConfig())
	book := ts.addBook(t, "El otoño del patriarca")
	path := fmt.Sprintf("/api/v1/books/%s/reservations", book.ID)

	const clients = 10
	var wg sync.WaitGroup
	codes := make(chan int, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(reservation(fmt.Sprintf("Lector %d", i), fmt.Sprintf("lector%d@x.com", i), 7))
			resp, err := http.Post(ts.server.URL+path, "application/json", bytes.NewReader(body))
			if err != nil {
				codes <- 0
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}(i)
	}
	wg.Wait()
	close(codes)

	created, conflicts := 0, 0
	for code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, clients-1, conflicts)

	resp := ts.get(t, "/api/v1/admin/verify")
	var report struct {
		Consistent bool `json:"consistent"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Consistent)
}

func TestManualSweep(t *testing.T) {
	ts := setupTestSuite(t, testConfig())
	book := ts.addBook(t, "Crónica de una muerte anunciada")
	bookPath := fmt.Sprintf("/api/v1/books/%s", book.ID)

	resp := ts.post(t, bookPath+"/reservations", reservation("Ana", "ana@x.com", 1))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ts.clock.Advance(48 * time.Hour)
	resp = ts.post(t, "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var swept map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&swept))
	assert.Equal(t, 1, swept["expired"])

	resp = ts.get(t, "/api/v1/reservations?status=expired")
	var expired []circulation.Reservation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&expired))
	require.Len(t, expired, 1)
	assert.Equal(t, book.ID, expired[0].BookID)

	resp = ts.get(t, bookPath+"/availability")
	var availability circulation.Availability
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&availability))
	assert.True(t, availability.Available)
}

func TestAssistantSearchUsesKeywordFallback(t *testing.T) {
	ts := setupTestSuite(t, testConfig())
	ts.addBook(t, "Memoria de mis putas tristes")

	resp := ts.post(t, "/api/v1/assistant/search", map[string]string{"text": "memoria"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer struct {
		Books []catalog.Book `json:"books"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	require.Len(t, answer.Books, 1)
}

func TestAssistantFallsBackWhenRemoteFails(t *testing.T) {
	assistant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusBadGateway)
	}))
	defer assistant.Close()

	cfg := testConfig()
	cfg.Assistant.URL = assistant.URL
	ts := setupTestSuite(t, cfg)
	ts.addBook(t, "Del amor y otros demonios")

	resp := ts.post(t, "/api/v1/assistant/search", map[string]string{"text": "demonios"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer struct {
		Books []catalog.Book `json:"books"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Len(t, answer.Books, 1)
}

func TestRateLimitOnMutations(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimit{PerSecond: 0.001, Burst: 1}
	ts := setupTestSuite(t, cfg)

	book := ts.addBook(t, "La hojarasca")
	resp := ts.post(t, fmt.Sprintf("/api/v1/books/%s/reservations", book.ID), reservation("Ana", "ana@x.com", 3))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp = ts.get(t, fmt.Sprintf("/api/v1/books/%s/availability", book.ID))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := setupTestSuite(t, testConfig())
	resp := ts.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLockTimeoutThroughRouter(t *testing.T) {
	cfg := testConfig()
	cfg.Circulation.LockTimeout = 100 * time.Millisecond
	ts := setupTestSuite(t, cfg)
	book := ts.addBook(t, "El coronel no tiene quien le escriba")

	held := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	go ts.app.Locker.WithBook(context.Background(), book.ID, func(context.Context) error {
		close(held)
		<-release
		return nil
	})
	<-held

	start := time.Now()
	resp := ts.post(t, fmt.Sprintf("/api/v1/books/%s/reservations", book.ID), reservation("Ana", "ana@x.com", 3))
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Less(t, elapsed, 2*time.Second)
}
