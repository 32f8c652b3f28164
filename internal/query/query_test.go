package query

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biblioteca/internal/catalog"
	"biblioteca/internal/clock"
	"biblioteca/internal/storage/storagetest"
)

var epoch = time.Date(2024, 5, 2, 18, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type shelf struct {
	store                       *catalog.MemoryStore
	cien, amor, rayuela, ficcio *catalog.Book
}

func newShelf(t *testing.T) *shelf {
	t.Helper()
	s := &shelf{
		store: catalog.NewMemoryStore(),
		cien: &catalog.Book{ID: uuid.New(), Title: "Cien años de soledad", Author: "Gabriel García Márquez",
			Category: "Realismo mágico", Synopsis: "La historia de los Buendía en Macondo."},
		amor: &catalog.Book{ID: uuid.New(), Title: "El amor en los tiempos del cólera", Author: "Gabriel García Márquez",
			Category: "Novela", Synopsis: "Un amor que espera medio siglo."},
		rayuela: &catalog.Book{ID: uuid.New(), Title: "Rayuela", Author: "Julio Cortázar",
			Category: "Novela", Synopsis: "Horacio Oliveira entre París y Buenos Aires."},
		ficcio: &catalog.Book{ID: uuid.New(), Title: "Ficciones", Author: "Jorge Luis Borges",
			Category: "Cuentos", Synopsis: "Laberintos, bibliotecas y espejos."},
	}
	for _, b := range []*catalog.Book{s.cien, s.amor, s.rayuela, s.ficcio} {
		b.Available = true
		require.NoError(t, s.store.Put(context.Background(), b))
	}
	return s
}

func TestKeywordGatewayRanksByOverlap(t *testing.T) {
	s := newShelf(t)
	g := NewKeywordGateway(s.store, 0)

	result, err := g.Search(context.Background(), Request{Text: "libros de García Márquez sobre el amor"})
	require.NoError(t, err)
	require.Len(t, result.BookIDs, 2)
	assert.Equal(t, s.amor.ID, result.BookIDs[0])
	assert.Equal(t, s.cien.ID, result.BookIDs[1])
	assert.Contains(t, result.Suggestions, "More by Gabriel García Márquez")
	assert.NotEmpty(t, result.Explanation)
}

func TestKeywordGatewayNoMatch(t *testing.T) {
	s := newShelf(t)
	g := NewKeywordGateway(s.store, 2)

	result, err := g.Search(context.Background(), Request{Text: "astrofísica cuántica"})
	require.NoError(t, err)
	assert.Empty(t, result.BookIDs)
	assert.NotNil(t, result.BookIDs)

	result, err = g.Search(context.Background(), Request{Text: "de la"})
	require.NoError(t, err)
	assert.Empty(t, result.BookIDs)
}

func TestKeywordGatewayLimit(t *testing.T) {
	s := newShelf(t)
	result, err := NewKeywordGateway(s.store, 1).Search(context.Background(), Request{Text: "novela"})
	require.NoError(t, err)
	assert.Len(t, result.BookIDs, 1)
}

type fakeIndex struct {
	hits []meilisearch.Hit
	err  error
	last *meilisearch.SearchRequest
}

func (f *fakeIndex) SearchWithContext(_ context.Context, _ string, req *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &meilisearch.SearchResponse{Hits: f.hits}, nil
}

func TestMeiliGatewayReadsIDs(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	idx := &fakeIndex{hits: []meilisearch.Hit{
		{"id": json.RawMessage(`"` + first.String() + `"`), "title": json.RawMessage(`"Rayuela"`)},
		{"title": json.RawMessage(`"sin id"`)},
		{"id": json.RawMessage(`"not-a-uuid"`)},
		{"id": json.RawMessage(`"` + second.String() + `"`)},
	}}

	result, err := newMeiliGateway(idx, 5).Search(context.Background(), Request{Text: "rayuela"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, result.BookIDs)
	assert.Equal(t, int64(5), idx.last.Limit)

	idx.err = errors.New("connection refused")
	_, err = newMeiliGateway(idx, 5).Search(context.Background(), Request{Text: "rayuela"})
	assert.ErrorContains(t, err, "connection refused")
}

type stubGateway struct {
	calls  atomic.Int32
	result *Result
	err    error
	delay  time.Duration
}

func (g *stubGateway) Search(ctx context.Context, _ Request) (*Result, error) {
	g.calls.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.result, g.err
}

func TestResilientFallsBackAndTrips(t *testing.T) {
	primary := &stubGateway{err: errors.New("assistant down")}
	fallback := &stubGateway{result: &Result{Explanation: "fallback"}}
	g := NewResilient(primary, fallback, time.Second, BreakerSettings{
		Name:                "assistant",
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	}, discard())

	for i := 0; i < 5; i++ {
		result, err := g.Search(context.Background(), Request{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, "fallback", result.Explanation)
	}
	assert.Equal(t, int32(2), primary.calls.Load())
	assert.Equal(t, int32(5), fallback.calls.Load())
	assert.Equal(t, "open", g.State())
}

func TestResilientTimesOutSlowPrimary(t *testing.T) {
	primary := &stubGateway{result: &Result{Explanation: "slow"}, delay: time.Second}
	fallback := &stubGateway{result: &Result{Explanation: "fallback"}}
	g := NewResilient(primary, fallback, 20*time.Millisecond, BreakerSettings{Name: "slow"}, discard())

	result, err := g.Search(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Explanation)
}

func TestResilientUsesHealthyPrimary(t *testing.T) {
	primary := &stubGateway{result: &Result{Explanation: "primary"}}
	fallback := &stubGateway{result: &Result{Explanation: "fallback"}}
	g := NewResilient(primary, fallback, time.Second, BreakerSettings{Name: "ok"}, discard())

	result, err := g.Search(context.Background(), Request{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "primary", result.Explanation)
	assert.Zero(t, fallback.calls.Load())
	assert.Equal(t, "closed", g.State())
}

func TestServiceResolvesInRankOrderAndLogs(t *testing.T) {
	s := newShelf(t)
	unknown := uuid.New()
	gateway := &stubGateway{result: &Result{
		BookIDs:     []uuid.UUID{s.ficcio.ID, unknown, s.cien.ID},
		Explanation: "dos clásicos",
	}}
	log := NewMemoryLog()
	svc := NewService(gateway, s.store, log, clock.NewFake(epoch), discard())

	answer, err := svc.Search(context.Background(), Request{Text: "  clásicos  "})
	require.NoError(t, err)
	require.Len(t, answer.Books, 2)
	assert.Equal(t, s.ficcio.ID, answer.Books[0].ID)
	assert.Equal(t, s.cien.ID, answer.Books[1].ID)
	assert.Equal(t, []string{}, answer.Suggestions)

	queries, err := svc.Queries(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, "clásicos", queries[0].Text)
	assert.Equal(t, []uuid.UUID{s.ficcio.ID, s.cien.ID}, queries[0].BookIDs)
	assert.Equal(t, epoch, queries[0].CreatedAt)

	_, err = svc.Search(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestServiceSuggestExcludesTheBook(t *testing.T) {
	s := newShelf(t)
	svc := NewService(NewKeywordGateway(s.store, 0), s.store, NewMemoryLog(), clock.NewFake(epoch), discard())

	answer, err := svc.Suggest(context.Background(), s.cien.ID)
	require.NoError(t, err)
	require.NotEmpty(t, answer.Books)
	assert.Equal(t, s.amor.ID, answer.Books[0].ID)
	for _, b := range answer.Books {
		assert.NotEqual(t, s.cien.ID, b.ID)
	}

	_, err = svc.Suggest(context.Background(), uuid.New())
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestMemoryLogRecentNewestFirst(t *testing.T) {
	log := NewMemoryLog()
	for i := 0; i < 5; i++ {
		require.NoError(t, log.Record(context.Background(), Query{ID: uuid.New(), Text: string(rune('a' + i))}))
	}

	recent, err := log.Recent(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].Text)
	assert.Equal(t, "c", recent[2].Text)
}

func TestPostgresLog(t *testing.T) {
	log := NewPostgresLog(storagetest.Open(t))
	ctx := context.Background()
	ids := []uuid.UUID{uuid.New(), uuid.New()}

	require.NoError(t, log.Record(ctx, Query{ID: uuid.New(), Text: "primera", CreatedAt: epoch, BookIDs: []uuid.UUID{}}))
	require.NoError(t, log.Record(ctx, Query{ID: uuid.New(), Text: "segunda", Explanation: "dos", CreatedAt: epoch.Add(time.Minute), BookIDs: ids}))

	recent, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "segunda", recent[0].Text)
	assert.Equal(t, ids, recent[0].BookIDs)
	assert.Empty(t, recent[1].BookIDs)
}

func TestHandlers(t *testing.T) {
	s := newShelf(t)
	svc := NewService(NewKeywordGateway(s.store, 0), s.store, NewMemoryLog(), clock.NewFake(epoch), discard())
	r := chi.NewRouter()
	NewHandler(svc, discard()).Routes(r)

	do := func(method, target, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
		return rec
	}

	rec := do(http.MethodPost, "/assistant/search", `{"text":"borges laberintos"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var answer Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answer))
	require.Len(t, answer.Books, 1)
	assert.Equal(t, "Ficciones", answer.Books[0].Title)

	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/assistant/search", `{"text":""}`).Code)
	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/assistant/books/"+uuid.NewString()+"/suggestions", "").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/assistant/books/"+s.rayuela.ID.String()+"/suggestions", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodGet, "/assistant/queries?limit=x", "").Code)

	rec = do(http.MethodGet, "/assistant/queries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var queries []Query
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queries))
	require.Len(t, queries, 1)
	assert.Equal(t, "borges laberintos", queries[0].Text)
}
