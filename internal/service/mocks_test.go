package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/events"
	"github.com/bigkaa/goartstore/archive-module/internal/lock"
	"github.com/bigkaa/goartstore/archive-module/internal/repository"
)

// --- Mock ArchiveRepository ---

// memArchiveRepo — in-memory реализация ArchiveRepository с compare-and-swap,
// как у PostgreSQL-реализации. Поля *Fn позволяют подменить поведение.
type memArchiveRepo struct {
	mu      sync.Mutex
	records map[string]*model.Archive

	getCalls    atomic.Int32
	updateCalls atomic.Int32

	updateStatusFn func(ctx context.Context, accessionID string, from, to model.Status, id string) (*model.Archive, error)
	listFn         func(ctx context.Context, statuses []model.Status, limit int) ([]*model.Archive, error)
	// afterGet вызывается после чтения записи, до возврата результата
	afterGet func()
}

func newMemRepo(archives ...*model.Archive) *memArchiveRepo {
	r := &memArchiveRepo{records: make(map[string]*model.Archive)}
	for _, a := range archives {
		r.records[a.AccessionID] = a.Clone()
	}
	return r
}

func (r *memArchiveRepo) GetByAccessionID(_ context.Context, accessionID string) (*model.Archive, error) {
	r.getCalls.Add(1)
	r.mu.Lock()
	a, ok := r.records[accessionID]
	if ok {
		a = a.Clone()
	}
	r.mu.Unlock()

	if r.afterGet != nil {
		r.afterGet()
	}
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a, nil
}

func (r *memArchiveRepo) UpdateArchivematicaID(_ context.Context, accessionID, id string) (*model.Archive, error) {
	r.updateCalls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.records[accessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	a.ArchivematicaID = id
	a.UpdatedAt = time.Now()
	return a.Clone(), nil
}

func (r *memArchiveRepo) UpdateStatus(
	ctx context.Context, accessionID string, from, to model.Status, id string,
) (*model.Archive, error) {
	r.updateCalls.Add(1)
	if r.updateStatusFn != nil {
		return r.updateStatusFn(ctx, accessionID, from, to, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.records[accessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if a.Status != from {
		return nil, repository.ErrStatusConflict
	}
	a.Status = to
	if id != "" {
		a.ArchivematicaID = id
	}
	a.UpdatedAt = time.Now()
	return a.Clone(), nil
}

func (r *memArchiveRepo) ListByStatus(ctx context.Context, statuses []model.Status, limit int) ([]*model.Archive, error) {
	if r.listFn != nil {
		return r.listFn(ctx, statuses, limit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Archive
	for _, a := range r.records {
		for _, s := range statuses {
			if a.Status == s && len(out) < limit {
				out = append(out, a.Clone())
			}
		}
	}
	return out, nil
}

// set напрямую заменяет запись (имитация конкурентного изменения).
func (r *memArchiveRepo) set(a *model.Archive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[a.AccessionID] = a.Clone()
}

// snapshot возвращает текущее состояние записи.
func (r *memArchiveRepo) snapshot(accessionID string) *model.Archive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[accessionID].Clone()
}

// --- Mock Publisher ---

// recordingPublisher запоминает опубликованные события.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// blockingPublisher ждёт отмены контекста публикации и запоминает, был ли у него дедлайн.
type blockingPublisher struct {
	mu        sync.Mutex
	deadlines []bool
}

func (p *blockingPublisher) Publish(ctx context.Context, _ events.Event) error {
	_, ok := ctx.Deadline()
	p.mu.Lock()
	p.deadlines = append(p.deadlines, ok)
	p.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

func (p *blockingPublisher) Close() {}

// --- Mock Archivematica ---

// mockArchivematica — httptest-сервер Archivematica. Ответы задаются по идентификатору.
type mockArchivematica struct {
	*httptest.Server

	mu       sync.Mutex
	transfer map[string]mockReply
	ingest   map[string]mockReply
	download map[string]mockReply
	calls    atomic.Int32
}

// mockReply — ответ mock-сервера.
type mockReply struct {
	status  int
	body    string
	headers map[string]string
	delay   time.Duration
}

func newMockArchivematica(t *testing.T) *mockArchivematica {
	t.Helper()
	m := &mockArchivematica{
		transfer: make(map[string]mockReply),
		ingest:   make(map[string]mockReply),
		download: make(map[string]mockReply),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

func (m *mockArchivematica) handle(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)

	var (
		table map[string]mockReply
		rest  string
	)
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/transfer/status/"):
		table, rest = m.transfer, strings.TrimPrefix(r.URL.Path, "/api/transfer/status/")
	case strings.HasPrefix(r.URL.Path, "/api/ingest/status/"):
		table, rest = m.ingest, strings.TrimPrefix(r.URL.Path, "/api/ingest/status/")
	case strings.HasPrefix(r.URL.Path, "/api/v2/file/"):
		table, rest = m.download, strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v2/file/"), "download/")
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := strings.TrimSuffix(rest, "/")

	m.mu.Lock()
	reply, ok := table[id]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if reply.delay > 0 {
		time.Sleep(reply.delay)
	}
	for k, v := range reply.headers {
		w.Header().Set(k, v)
	}
	if reply.status == 0 {
		reply.status = http.StatusOK
	}
	w.WriteHeader(reply.status)
	_, _ = w.Write([]byte(reply.body))
}

func (m *mockArchivematica) setTransfer(id string, reply mockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfer[id] = reply
}

func (m *mockArchivematica) setIngest(id string, reply mockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ingest[id] = reply
}

func (m *mockArchivematica) setDownload(id string, reply mockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.download[id] = reply
}

// --- Сборка сервисов ---

// testEnv — сервисы поверх mock-зависимостей.
type testEnv struct {
	repo      *memArchiveRepo
	am        *mockArchivematica
	publisher *recordingPublisher
	cache     *CacheService
	archives  *ArchiveService
	downloads *DownloadService
}

func newTestEnv(t *testing.T, archives ...*model.Archive) *testEnv {
	t.Helper()
	logger := slog.Default()

	am := newMockArchivematica(t)
	client, err := amclient.New(amclient.Options{
		Dashboard:       amclient.Credentials{BaseURL: am.URL, User: "dash", APIKey: "k1"},
		Storage:         amclient.Credentials{BaseURL: am.URL, User: "ss", APIKey: "k2"},
		PollTimeout:     2 * time.Second,
		DownloadTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("Ошибка создания amclient: %v", err)
	}

	repo := newMemRepo(archives...)
	publisher := &recordingPublisher{}
	cache := NewCacheService(100, time.Minute)
	dispatcher := NewDispatcher(repo, publisher, cache, 5*time.Second, logger)
	archiveSvc := NewArchiveService(repo, client, dispatcher, cache, lock.NewLocalLocker(), time.Second, logger)

	return &testEnv{
		repo:      repo,
		am:        am,
		publisher: publisher,
		cache:     cache,
		archives:  archiveSvc,
		downloads: NewDownloadService(archiveSvc, client, logger),
	}
}

func strPtr(s string) *string { return &s }
