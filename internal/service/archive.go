// archive.go — чтение и запись статуса архива.
//
// Чтение (Get): при wantLive=false возвращается снимок из кэша/БД. При wantLive=true
// статус сверяется с Archivematica:
//   - WAITING / PROCESSING_TRANSFER — опрос transfer status по archivematica_id;
//     завершённый transfer переводит архив в PROCESSING_AIP с идентификатором AIP
//     (sip_uuid из ответа) и в том же вызове опрашивается ingest status;
//   - остальные статусы (кроме NEW и FAILED) — опрос ingest status.
//
// Сетевые вызовы выполняются без блокировки. Под блокировкой accession_id
// выполняется только перечитывание записи и вызов Dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/lock"
	"github.com/bigkaa/goartstore/archive-module/internal/repository"
)

// Prometheus-метрики опроса Archivematica.
var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_archivematica_polls_total",
		Help: "Количество опросов Archivematica (по этапу и результату).",
	}, []string{"stage", "outcome"})

	pollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arc_archivematica_poll_duration_seconds",
		Help:    "Длительность опроса статуса в Archivematica.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"stage"})

	stalePollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arc_stale_polls_total",
		Help: "Количество результатов опроса, отброшенных из-за конкурентного изменения записи.",
	})
)

// ArchivematicaClient — операции Archivematica, используемые сервисами.
type ArchivematicaClient interface {
	TransferStatus(ctx context.Context, transferID string) (*amclient.TransferStatus, error)
	IngestStatus(ctx context.Context, sipID string) (*amclient.IngestStatus, error)
	Download(ctx context.Context, packageID, rangeHeader string) (*http.Response, error)
}

// UpdateParams — параметры записи. nil — поле не передано.
type UpdateParams struct {
	Status          *string
	ArchivematicaID *string
}

// ArchiveService — сверка и запись статусов архивов.
type ArchiveService struct {
	repo        repository.ArchiveRepository
	client      ArchivematicaClient
	dispatcher  *Dispatcher
	cache       *CacheService
	locker      lock.Locker
	lockTimeout time.Duration
	polls       singleflight.Group
	logger      *slog.Logger
}

// NewArchiveService создаёт ArchiveService.
// lockTimeout ограничивает ожидание блокировки записи.
func NewArchiveService(
	repo repository.ArchiveRepository,
	client ArchivematicaClient,
	dispatcher *Dispatcher,
	cache *CacheService,
	locker lock.Locker,
	lockTimeout time.Duration,
	logger *slog.Logger,
) *ArchiveService {
	return &ArchiveService{
		repo:        repo,
		client:      client,
		dispatcher:  dispatcher,
		cache:       cache,
		locker:      locker,
		lockTimeout: lockTimeout,
		logger:      logger.With(slog.String("component", "archive_service")),
	}
}

// Get возвращает запись архива, при wantLive — сверенную с Archivematica.
// Ошибка опроса возвращается без изменения записи.
func (s *ArchiveService) Get(ctx context.Context, accessionID string, wantLive bool) (*model.Archive, error) {
	if !wantLive {
		return s.cached(ctx, accessionID)
	}

	a, err := s.load(ctx, accessionID)
	if err != nil {
		return nil, err
	}
	if !needsPoll(a) {
		return a, nil
	}

	// Одновременные live-запросы одного архива разделяют один опрос.
	// Опрос не зависит от отмены запроса, запустившего его: его ждут и другие.
	v, err, _ := s.polls.Do(accessionID, func() (any, error) {
		return s.reconcile(context.WithoutCancel(ctx), a)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Archive).Clone(), nil
}

// Update применяет запись статуса и/или archivematica_id.
// Некорректный статус отклоняется с ErrValidation до любых изменений.
func (s *ArchiveService) Update(ctx context.Context, accessionID string, params UpdateParams) (*model.Archive, error) {
	var (
		newStatus model.Status
		hasStatus bool
	)
	if params.Status != nil {
		st, err := model.ConvertStatus(*params.Status, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		newStatus, hasStatus = st, true
	}

	unlock, err := s.lock(ctx, accessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.load(ctx, accessionID)
	if err != nil {
		return nil, err
	}

	if params.ArchivematicaID != nil && *params.ArchivematicaID != "" && *params.ArchivematicaID != a.ArchivematicaID {
		a, err = s.repo.UpdateArchivematicaID(ctx, accessionID, *params.ArchivematicaID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("обновление archivematica_id: %w", err)
		}
		s.cache.Delete(accessionID)
		s.logger.Info("archivematica_id обновлён",
			slog.String("accession_id", accessionID),
			slog.String("archivematica_id", a.ArchivematicaID),
		)
	}

	if hasStatus && newStatus != a.Status {
		return s.dispatcher.Dispatch(ctx, a, newStatus, a.ArchivematicaID)
	}
	return a, nil
}

// reconcile выполняет сверку статуса архива a с Archivematica.
func (s *ArchiveService) reconcile(ctx context.Context, a *model.Archive) (*model.Archive, error) {
	current := a

	if current.Status.IsTransferStage() {
		ts, err := s.pollTransfer(ctx, current.ArchivematicaID)
		if err != nil {
			return nil, err
		}

		polled, err := model.ConvertStatus(ts.Status, false)
		if err != nil {
			pollsTotal.WithLabelValues("transfer", "invalid").Inc()
			return nil, fmt.Errorf("%w: transfer %s: %w", ErrUpstreamInvalid, current.ArchivematicaID, err)
		}

		if polled != model.StatusRegistered {
			return s.transition(ctx, current, polled, "")
		}

		// Transfer завершён: идентификатор transfer заменяется идентификатором AIP
		if ts.SIPUUID == "" {
			return nil, fmt.Errorf("%w: transfer %s завершён без sip_uuid", ErrUpstreamInvalid, current.ArchivematicaID)
		}
		pivoted, err := s.transition(ctx, current, model.StatusProcessingAIP, ts.SIPUUID)
		if err != nil {
			return nil, err
		}
		if pivoted.Status != model.StatusProcessingAIP || pivoted.ArchivematicaID != ts.SIPUUID {
			// Запись изменена конкурентно, результат опроса неактуален
			return pivoted, nil
		}
		current = pivoted
	}

	is, err := s.pollIngest(ctx, current.ArchivematicaID)
	if err != nil {
		return nil, err
	}

	polled, err := model.ConvertStatus(is.Status, true)
	if err != nil {
		pollsTotal.WithLabelValues("ingest", "invalid").Inc()
		return nil, fmt.Errorf("%w: ingest %s: %w", ErrUpstreamInvalid, current.ArchivematicaID, err)
	}
	return s.transition(ctx, current, polled, "")
}

// transition применяет результат опроса, полученный для записи observed.
// Под блокировкой запись перечитывается: если статус или archivematica_id
// изменились после опроса, результат отбрасывается и возвращается актуальная запись.
func (s *ArchiveService) transition(
	ctx context.Context,
	observed *model.Archive,
	to model.Status,
	archivematicaID string,
) (*model.Archive, error) {
	unlock, err := s.lock(ctx, observed.AccessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	fresh, err := s.load(ctx, observed.AccessionID)
	if err != nil {
		return nil, err
	}

	if fresh.Status != observed.Status || fresh.ArchivematicaID != observed.ArchivematicaID {
		stalePollsTotal.Inc()
		s.logger.Debug("Результат опроса отброшен: запись изменена",
			slog.String("accession_id", observed.AccessionID),
			slog.String("observed_status", observed.Status.String()),
			slog.String("actual_status", fresh.Status.String()),
		)
		return fresh, nil
	}
	if fresh.Status == to {
		return fresh, nil
	}

	return s.dispatcher.Dispatch(ctx, fresh, to, archivematicaID)
}

// pollTransfer опрашивает transfer status с учётом метрик.
func (s *ArchiveService) pollTransfer(ctx context.Context, transferID string) (*amclient.TransferStatus, error) {
	start := time.Now()
	ts, err := s.client.TransferStatus(ctx, transferID)
	pollDuration.WithLabelValues("transfer").Observe(time.Since(start).Seconds())
	pollsTotal.WithLabelValues("transfer", upstreamOutcome(err)).Inc()
	if err != nil {
		s.logger.Warn("Ошибка опроса transfer status",
			slog.String("transfer_id", transferID),
			slog.String("error", err.Error()),
		)
		return nil, upstreamError("transfer status", err)
	}
	return ts, nil
}

// pollIngest опрашивает ingest status с учётом метрик.
func (s *ArchiveService) pollIngest(ctx context.Context, sipID string) (*amclient.IngestStatus, error) {
	start := time.Now()
	is, err := s.client.IngestStatus(ctx, sipID)
	pollDuration.WithLabelValues("ingest").Observe(time.Since(start).Seconds())
	pollsTotal.WithLabelValues("ingest", upstreamOutcome(err)).Inc()
	if err != nil {
		s.logger.Warn("Ошибка опроса ingest status",
			slog.String("sip_id", sipID),
			slog.String("error", err.Error()),
		)
		return nil, upstreamError("ingest status", err)
	}
	return is, nil
}

// cached возвращает запись из кэша или БД.
// Запись из БД кэшируется, только если за время чтения её не инвалидировали.
func (s *ArchiveService) cached(ctx context.Context, accessionID string) (*model.Archive, error) {
	if a, ok := s.cache.Get(accessionID); ok {
		return a, nil
	}
	gen := s.cache.Generation()
	a, err := s.load(ctx, accessionID)
	if err != nil {
		return nil, err
	}
	s.cache.SetIfCurrent(a, gen)
	return a, nil
}

// load читает запись из БД.
func (s *ArchiveService) load(ctx context.Context, accessionID string) (*model.Archive, error) {
	a, err := s.repo.GetByAccessionID(ctx, accessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение архива %s: %w", accessionID, err)
	}
	return a, nil
}

// lock захватывает блокировку записи с ограничением ожидания.
func (s *ArchiveService) lock(ctx context.Context, accessionID string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(lockCtx, accessionID)
	if err != nil {
		return nil, fmt.Errorf("блокировка архива %s: %w", accessionID, err)
	}
	return unlock, nil
}

// needsPoll — нужен ли опрос Archivematica для записи.
func needsPoll(a *model.Archive) bool {
	if a.Status == model.StatusNew || a.Status == model.StatusFailed {
		return false
	}
	return a.HasArchivematicaID()
}
