package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/events"
	"github.com/bigkaa/goartstore/archive-module/internal/lock"
)

func archive(accessionID string, status model.Status, amID string) *model.Archive {
	return &model.Archive{
		AccessionID:     accessionID,
		SIPID:           "sip-" + accessionID,
		ArchivematicaID: amID,
		Status:          status,
	}
}

// TestGet_NotLive проверяет дешёвый путь: без опроса, повторное чтение из кэша.
func TestGet_NotLive(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))

	for range 3 {
		got, err := env.archives.Get(context.Background(), "acc-1", false)
		if err != nil {
			t.Fatalf("Get ошибка: %v", err)
		}
		if got.Status != model.StatusWaiting {
			t.Errorf("Status = %s, ожидался WAITING", got.Status)
		}
	}

	if n := env.repo.getCalls.Load(); n != 1 {
		t.Errorf("GetByAccessionID вызван %d раз, ожидался 1 (кэш)", n)
	}
	if n := env.am.calls.Load(); n != 0 {
		t.Errorf("обращений к Archivematica: %d, ожидалось 0", n)
	}
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, live := range []bool{false, true} {
		if _, err := env.archives.Get(context.Background(), "missing", live); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(live=%v) ошибка = %v, ожидалась ErrNotFound", live, err)
		}
	}
}

// TestGet_NoPollStatuses проверяет, что NEW, FAILED и пустой идентификатор не опрашиваются.
func TestGet_NoPollStatuses(t *testing.T) {
	tests := []struct {
		name string
		a    *model.Archive
	}{
		{"NEW без идентификатора", archive("acc-1", model.StatusNew, "")},
		{"NEW с идентификатором", archive("acc-1", model.StatusNew, "t-1")},
		{"FAILED", archive("acc-1", model.StatusFailed, "t-1")},
		{"WAITING без идентификатора", archive("acc-1", model.StatusWaiting, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.a)
			got, err := env.archives.Get(context.Background(), "acc-1", true)
			if err != nil {
				t.Fatalf("Get ошибка: %v", err)
			}
			if got.Status != tt.a.Status || got.ArchivematicaID != tt.a.ArchivematicaID {
				t.Errorf("запись изменена: %+v", got)
			}
			if n := env.am.calls.Load(); n != 0 {
				t.Errorf("обращений к Archivematica: %d, ожидалось 0", n)
			}
			if len(env.publisher.types()) != 0 {
				t.Errorf("Dispatcher вызван: %v", env.publisher.types())
			}
		})
	}
}

// TestGet_TransferProgress проверяет обычный переход на этапе transfer.
func TestGet_TransferProgress(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
	env.am.setTransfer("t-1", mockReply{body: `{"status":"PROCESSING","sip_uuid":""}`})

	got, err := env.archives.Get(context.Background(), "acc-1", true)
	if err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if got.Status != model.StatusProcessingTransfer || got.ArchivematicaID != "t-1" {
		t.Errorf("запись = %+v, ожидался PROCESSING_TRANSFER/t-1", got)
	}
	if types := env.publisher.types(); !slices.Equal(types, []string{events.TypeTransferProcessing}) {
		t.Errorf("события = %v", types)
	}
	if n := env.am.calls.Load(); n != 1 {
		t.Errorf("обращений к Archivematica: %d, ожидался 1 (без опроса ingest)", n)
	}
}

// TestGet_SameStatusNoDispatch проверяет отсутствие вызова Dispatcher при совпадении статуса.
func TestGet_SameStatusNoDispatch(t *testing.T) {
	t.Run("transfer", func(t *testing.T) {
		env := newTestEnv(t, archive("acc-1", model.StatusProcessingTransfer, "t-1"))
		env.am.setTransfer("t-1", mockReply{body: `{"status":"PROCESSING"}`})

		got, err := env.archives.Get(context.Background(), "acc-1", true)
		if err != nil {
			t.Fatalf("Get ошибка: %v", err)
		}
		if got.Status != model.StatusProcessingTransfer {
			t.Errorf("Status = %s", got.Status)
		}
		if len(env.publisher.types()) != 0 || env.repo.updateCalls.Load() != 0 {
			t.Error("Dispatcher не должен вызываться при совпадении статуса")
		}
	})

	t.Run("AIP", func(t *testing.T) {
		env := newTestEnv(t, archive("acc-1", model.StatusProcessingAIP, "aip-1"))
		env.am.setIngest("aip-1", mockReply{body: `{"status":"PROCESSING"}`})

		got, err := env.archives.Get(context.Background(), "acc-1", true)
		if err != nil {
			t.Fatalf("Get ошибка: %v", err)
		}
		if got.Status != model.StatusProcessingAIP || got.ArchivematicaID != "aip-1" {
			t.Errorf("запись = %+v", got)
		}
		if len(env.publisher.types()) != 0 || env.repo.updateCalls.Load() != 0 {
			t.Error("Dispatcher не должен вызываться при совпадении статуса")
		}
	})
}

// TestGet_Pivot проверяет переход transfer → AIP в одном вызове:
// два вызова Dispatcher, archivematica_id заменён идентификатором AIP.
func TestGet_Pivot(t *testing.T) {
	tests := []struct {
		name       string
		ingest     string
		wantStatus model.Status
		wantEvents []string
	}{
		{
			name:       "AIP в обработке",
			ingest:     `{"status":"PROCESSING"}`,
			wantStatus: model.StatusProcessingAIP,
			wantEvents: []string{events.TypeAIPProcessing},
		},
		{
			name:       "AIP зарегистрирован",
			ingest:     `{"status":"COMPLETE"}`,
			wantStatus: model.StatusRegistered,
			wantEvents: []string{events.TypeAIPProcessing, events.TypeRegistered},
		},
		{
			name:       "AIP с ошибкой",
			ingest:     `{"status":"FAILED"}`,
			wantStatus: model.StatusFailed,
			wantEvents: []string{events.TypeAIPProcessing, events.TypeFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
			env.am.setTransfer("t-1", mockReply{body: `{"status":"COMPLETE","sip_uuid":"P"}`})
			env.am.setIngest("P", mockReply{body: tt.ingest})

			got, err := env.archives.Get(context.Background(), "acc-1", true)
			if err != nil {
				t.Fatalf("Get ошибка: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %s, ожидался %s", got.Status, tt.wantStatus)
			}
			if got.ArchivematicaID != "P" {
				t.Errorf("ArchivematicaID = %q, ожидался P", got.ArchivematicaID)
			}
			if types := env.publisher.types(); !slices.Equal(types, tt.wantEvents) {
				t.Errorf("события = %v, ожидались %v", types, tt.wantEvents)
			}
			if stored := env.repo.snapshot("acc-1"); stored.Status != tt.wantStatus || stored.ArchivematicaID != "P" {
				t.Errorf("сохранено %+v", stored)
			}
		})
	}
}

// TestGet_PivotTwoDispatches проверяет свойство: после pivot Dispatcher вызван ровно дважды.
func TestGet_PivotTwoDispatches(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
	env.am.setTransfer("t-1", mockReply{body: `{"status":"COMPLETE","sip_uuid":"P"}`})
	env.am.setIngest("P", mockReply{body: `{"status":"COMPLETE"}`})

	if _, err := env.archives.Get(context.Background(), "acc-1", true); err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}

	env.publisher.mu.Lock()
	evs := slices.Clone(env.publisher.events)
	env.publisher.mu.Unlock()

	if len(evs) != 2 {
		t.Fatalf("Dispatcher вызван %d раз, ожидалось 2", len(evs))
	}
	if evs[0].Status != "PROCESSING_AIP" || evs[0].ArchivematicaID != "P" || evs[0].PreviousStatus != "WAITING" {
		t.Errorf("первое событие = %+v", evs[0])
	}
	if evs[1].Status != "REGISTERED" || evs[1].PreviousStatus != "PROCESSING_AIP" {
		t.Errorf("второе событие = %+v", evs[1])
	}
}

// TestGet_PivotWithoutSIPUUID — завершённый transfer без sip_uuid не меняет запись.
func TestGet_PivotWithoutSIPUUID(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
	env.am.setTransfer("t-1", mockReply{body: `{"status":"COMPLETE"}`})

	_, err := env.archives.Get(context.Background(), "acc-1", true)
	if !errors.Is(err, ErrUpstreamInvalid) {
		t.Fatalf("ошибка = %v, ожидалась ErrUpstreamInvalid", err)
	}
	if stored := env.repo.snapshot("acc-1"); stored.Status != model.StatusWaiting || stored.ArchivematicaID != "t-1" {
		t.Errorf("запись изменена: %+v", stored)
	}
}

// TestGet_PollFailures проверяет, что ошибка опроса не меняет запись.
func TestGet_PollFailures(t *testing.T) {
	t.Run("transfer 500", func(t *testing.T) {
		env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
		env.am.setTransfer("t-1", mockReply{status: http.StatusInternalServerError, body: "oops"})

		_, err := env.archives.Get(context.Background(), "acc-1", true)
		var upErr *amclient.UpstreamError
		if !errors.As(err, &upErr) || upErr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("ошибка = %v, ожидалась UpstreamError 500", err)
		}
		if stored := env.repo.snapshot("acc-1"); stored.Status != model.StatusWaiting || stored.ArchivematicaID != "t-1" {
			t.Errorf("запись изменена: %+v", stored)
		}
		if env.repo.updateCalls.Load() != 0 || len(env.publisher.types()) != 0 {
			t.Error("при ошибке опроса запись не должна меняться")
		}
	})

	t.Run("ingest недоступен", func(t *testing.T) {
		env := newTestEnv(t, archive("acc-1", model.StatusProcessingAIP, "aip-1"))
		env.am.Close()

		_, err := env.archives.Get(context.Background(), "acc-1", true)
		if !errors.Is(err, ErrUpstreamUnreachable) {
			t.Fatalf("ошибка = %v, ожидалась ErrUpstreamUnreachable", err)
		}
		if env.repo.updateCalls.Load() != 0 {
			t.Error("при ошибке опроса запись не должна меняться")
		}
	})

	t.Run("неизвестный статус", func(t *testing.T) {
		env := newTestEnv(t, archive("acc-1", model.StatusProcessingAIP, "aip-1"))
		env.am.setIngest("aip-1", mockReply{body: `{"status":"SOMETHING_NEW"}`})

		_, err := env.archives.Get(context.Background(), "acc-1", true)
		if !errors.Is(err, ErrUpstreamInvalid) {
			t.Fatalf("ошибка = %v, ожидалась ErrUpstreamInvalid", err)
		}
		if env.repo.updateCalls.Load() != 0 {
			t.Error("при неизвестном статусе запись не должна меняться")
		}
	})
}

// TestGet_StalePollDiscarded проверяет, что результат опроса отбрасывается,
// если запись изменилась за время сетевого вызова.
func TestGet_StalePollDiscarded(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
	env.am.setTransfer("t-1", mockReply{body: `{"status":"FAILED"}`, delay: 100 * time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.repo.set(archive("acc-1", model.StatusWaiting, "t-2"))
	}()

	got, err := env.archives.Get(context.Background(), "acc-1", true)
	if err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if got.ArchivematicaID != "t-2" || got.Status != model.StatusWaiting {
		t.Errorf("запись = %+v, ожидалась актуальная WAITING/t-2", got)
	}
	if len(env.publisher.types()) != 0 {
		t.Errorf("Dispatcher вызван по устаревшему опросу: %v", env.publisher.types())
	}
}

// TestGet_ConcurrentLiveSingleDispatch проверяет, что параллельные live-запросы
// приводят к одному переходу.
func TestGet_ConcurrentLiveSingleDispatch(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))
	env.am.setTransfer("t-1", mockReply{body: `{"status":"PROCESSING"}`, delay: 20 * time.Millisecond})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.archives.Get(context.Background(), "acc-1", true)
			if err != nil {
				t.Errorf("Get ошибка: %v", err)
				return
			}
			if got.Status != model.StatusProcessingTransfer {
				t.Errorf("Status = %s", got.Status)
			}
		}()
	}
	wg.Wait()

	if types := env.publisher.types(); len(types) != 1 {
		t.Errorf("переходов: %d (%v), ожидался 1", len(types), types)
	}
}

// TestGet_LiveInvalidatesCache проверяет, что переход инвалидирует кэш.
func TestGet_LiveInvalidatesCache(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusProcessingAIP, "aip-1"))
	env.am.setIngest("aip-1", mockReply{body: `{"status":"COMPLETE"}`})

	if _, err := env.archives.Get(context.Background(), "acc-1", false); err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if _, err := env.archives.Get(context.Background(), "acc-1", true); err != nil {
		t.Fatalf("Get(live) ошибка: %v", err)
	}

	got, err := env.archives.Get(context.Background(), "acc-1", false)
	if err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if got.Status != model.StatusRegistered {
		t.Errorf("Status = %s после сверки, ожидался REGISTERED (кэш не инвалидирован)", got.Status)
	}
}

// --- Update ---

func TestUpdate_Status(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusNew, ""))

	got, err := env.archives.Update(context.Background(), "acc-1", UpdateParams{
		Status:          strPtr("WAITING"),
		ArchivematicaID: strPtr("t-1"),
	})
	if err != nil {
		t.Fatalf("Update ошибка: %v", err)
	}
	if got.Status != model.StatusWaiting || got.ArchivematicaID != "t-1" {
		t.Errorf("запись = %+v", got)
	}
	if types := env.publisher.types(); !slices.Equal(types, []string{events.TypeTransferStarted}) {
		t.Errorf("события = %v", types)
	}
	env.publisher.mu.Lock()
	ev := env.publisher.events[0]
	env.publisher.mu.Unlock()
	if ev.ArchivematicaID != "t-1" {
		t.Errorf("событие содержит archivematica_id %q, ожидался новый t-1", ev.ArchivematicaID)
	}
}

// TestUpdate_Idempotent проверяет, что повторная запись не вызывает Dispatcher.
func TestUpdate_Idempotent(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusNew, ""))
	params := UpdateParams{Status: strPtr("USER_INPUT"), ArchivematicaID: strPtr("t-1")}

	first, err := env.archives.Update(context.Background(), "acc-1", params)
	if err != nil {
		t.Fatalf("Update ошибка: %v", err)
	}
	updatesAfterFirst := env.repo.updateCalls.Load()

	second, err := env.archives.Update(context.Background(), "acc-1", params)
	if err != nil {
		t.Fatalf("повторный Update ошибка: %v", err)
	}

	if second.Status != first.Status || second.ArchivematicaID != first.ArchivematicaID {
		t.Errorf("повторный Update изменил запись: %+v → %+v", first, second)
	}
	if n := env.repo.updateCalls.Load(); n != updatesAfterFirst {
		t.Errorf("повторный Update выполнил %d записей в БД", n-updatesAfterFirst)
	}
	if types := env.publisher.types(); len(types) != 1 {
		t.Errorf("Dispatcher вызван %d раз, ожидался 1", len(types))
	}
}

// TestUpdate_InvalidStatus проверяет отказ для неизвестных статусов без изменения записи.
func TestUpdate_InvalidStatus(t *testing.T) {
	for _, status := range []string{"", "UNKNOWN", "registered", "PROCESSING_", "COMPLETED"} {
		t.Run(status, func(t *testing.T) {
			env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))

			_, err := env.archives.Update(context.Background(), "acc-1", UpdateParams{
				Status:          strPtr(status),
				ArchivematicaID: strPtr("t-2"),
			})
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("ошибка = %v, ожидалась ErrValidation", err)
			}
			if stored := env.repo.snapshot("acc-1"); stored.Status != model.StatusWaiting || stored.ArchivematicaID != "t-1" {
				t.Errorf("запись изменена: %+v", stored)
			}
			if env.repo.updateCalls.Load() != 0 {
				t.Error("при ошибке валидации не должно быть записей в БД")
			}
		})
	}
}

// TestUpdate_IDOnly проверяет замену идентификатора без смены статуса.
func TestUpdate_IDOnly(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))

	got, err := env.archives.Update(context.Background(), "acc-1", UpdateParams{ArchivematicaID: strPtr("t-2")})
	if err != nil {
		t.Fatalf("Update ошибка: %v", err)
	}
	if got.ArchivematicaID != "t-2" || got.Status != model.StatusWaiting {
		t.Errorf("запись = %+v", got)
	}
	if len(env.publisher.types()) != 0 {
		t.Error("смена идентификатора не вызывает Dispatcher")
	}

	// Пустой идентификатор не очищает текущий
	got, err = env.archives.Update(context.Background(), "acc-1", UpdateParams{ArchivematicaID: strPtr("")})
	if err != nil {
		t.Fatalf("Update ошибка: %v", err)
	}
	if got.ArchivematicaID != "t-2" {
		t.Errorf("ArchivematicaID = %q, пустое значение не должно очищать", got.ArchivematicaID)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.archives.Update(context.Background(), "missing", UpdateParams{Status: strPtr("WAITING")})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
}

func TestUpdate_EmptyParams(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusRegistered, "aip-1"))
	got, err := env.archives.Update(context.Background(), "acc-1", UpdateParams{})
	if err != nil {
		t.Fatalf("Update ошибка: %v", err)
	}
	if got.Status != model.StatusRegistered || got.ArchivematicaID != "aip-1" {
		t.Errorf("запись = %+v", got)
	}
}

// TestGet_NotLiveDoesNotCacheInvalidated проверяет, что запись, прочитанная
// до конкурентной смены статуса, не остаётся в кэше.
func TestGet_NotLiveDoesNotCacheInvalidated(t *testing.T) {
	env := newTestEnv(t, archive("acc-1", model.StatusWaiting, "t-1"))

	loaded := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.repo.afterGet = func() {
		once.Do(func() {
			close(loaded)
			<-release
		})
	}

	type result struct {
		a   *model.Archive
		err error
	}
	readDone := make(chan result, 1)
	go func() {
		a, err := env.archives.Get(context.Background(), "acc-1", false)
		readDone <- result{a, err}
	}()

	<-loaded
	if _, err := env.archives.Update(context.Background(), "acc-1", UpdateParams{Status: strPtr("FAILED")}); err != nil {
		t.Fatalf("Update ошибка: %v", err)
	}
	close(release)

	if res := <-readDone; res.err != nil {
		t.Fatalf("конкурентный Get ошибка: %v", res.err)
	}

	got, err := env.archives.Get(context.Background(), "acc-1", false)
	if err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if got.Status != model.StatusFailed {
		t.Errorf("Status = %s, ожидался FAILED (сохранённый в БД)", got.Status)
	}
}

// TestGet_PublishBoundedUnderLock проверяет, что зависшая публикация события
// ограничена по времени и не удерживает блокировку записи.
func TestGet_PublishBoundedUnderLock(t *testing.T) {
	logger := slog.Default()
	am := newMockArchivematica(t)
	am.setTransfer("t-1", mockReply{body: `{"status":"PROCESSING","sip_uuid":""}`})

	client, err := amclient.New(amclient.Options{
		Dashboard:       amclient.Credentials{BaseURL: am.URL, User: "dash", APIKey: "k1"},
		Storage:         amclient.Credentials{BaseURL: am.URL, User: "ss", APIKey: "k2"},
		PollTimeout:     2 * time.Second,
		DownloadTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("Ошибка создания amclient: %v", err)
	}

	repo := newMemRepo(archive("acc-1", model.StatusWaiting, "t-1"))
	pub := &blockingPublisher{}
	cache := NewCacheService(100, time.Minute)
	dispatcher := NewDispatcher(repo, pub, cache, 100*time.Millisecond, logger)
	svc := NewArchiveService(repo, client, dispatcher, cache, lock.NewLocalLocker(), time.Second, logger)

	start := time.Now()
	got, err := svc.Get(context.Background(), "acc-1", true)
	if err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Get выполнялся %v, ожидалось не дольше таймаута публикации", elapsed)
	}
	if got.Status != model.StatusProcessingTransfer {
		t.Errorf("Status = %s, ожидался PROCESSING_TRANSFER", got.Status)
	}

	pub.mu.Lock()
	deadlines := slices.Clone(pub.deadlines)
	pub.mu.Unlock()
	if len(deadlines) != 1 || !deadlines[0] {
		t.Errorf("дедлайны контекста публикации = %v, ожидалось [true]", deadlines)
	}

	// Блокировка освобождена: запись проходит без ErrNotAcquired
	if _, err := svc.Update(context.Background(), "acc-1", UpdateParams{ArchivematicaID: strPtr("t-2")}); err != nil {
		t.Fatalf("Update после зависшей публикации ошибка: %v", err)
	}
}
