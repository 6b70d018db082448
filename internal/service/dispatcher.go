// dispatcher.go — единственная точка смены статуса архива.
// Каждому статусу соответствует ровно один обработчик: он сохраняет статус
// (compare-and-swap по предыдущему статусу) и публикует событие перехода.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/events"
	"github.com/bigkaa/goartstore/archive-module/internal/repository"
)

// Prometheus-метрики переходов статусов.
var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_status_transitions_total",
		Help: "Количество выполненных переходов статуса (по целевому статусу).",
	}, []string{"status"})

	transitionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arc_status_transition_conflicts_total",
		Help: "Количество переходов, отклонённых compare-and-swap (статус изменён конкурентно).",
	})

	eventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_events_published_total",
		Help: "Количество публикаций событий смены статуса (по результату).",
	}, []string{"result"})
)

// Dispatcher — реестр действий по статусам.
type Dispatcher struct {
	repo           repository.ArchiveRepository
	publisher      events.Publisher
	cache          *CacheService
	publishTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher создаёт Dispatcher.
// publishTimeout ограничивает публикацию одного события (она идёт под блокировкой записи).
func NewDispatcher(
	repo repository.ArchiveRepository,
	publisher events.Publisher,
	cache *CacheService,
	publishTimeout time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		repo:           repo,
		publisher:      publisher,
		cache:          cache,
		publishTimeout: publishTimeout,
		logger:         logger.With(slog.String("component", "dispatcher")),
	}
}

// Dispatch переводит архив current в статус status с внешним идентификатором archivematicaID
// (пустая строка — сохранить текущий). Возвращает актуальную запись.
//
// Вызывающий код обязан держать блокировку accession_id и передавать свежую запись.
// Если статус в БД уже не совпадает с current.Status, переход не выполняется,
// событие не публикуется и возвращается запись из БД.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	current *model.Archive,
	status model.Status,
	archivematicaID string,
) (*model.Archive, error) {
	if status == current.Status {
		return current, nil
	}

	switch status {
	case model.StatusNew:
		return d.onReset(ctx, current, archivematicaID)
	case model.StatusWaiting:
		return d.onTransferStarted(ctx, current, archivematicaID)
	case model.StatusProcessingTransfer:
		return d.onTransferProcessing(ctx, current, archivematicaID)
	case model.StatusProcessingAIP:
		return d.onAIPProcessing(ctx, current, archivematicaID)
	case model.StatusRegistered:
		return d.onRegistered(ctx, current, archivematicaID)
	case model.StatusFailed:
		return d.onFailed(ctx, current, archivematicaID)
	default:
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}
}

func (d *Dispatcher) onReset(ctx context.Context, a *model.Archive, id string) (*model.Archive, error) {
	updated, applied, err := d.commit(ctx, a, model.StatusNew, id)
	if err != nil || !applied {
		return updated, err
	}
	d.logger.Info("Архив возвращён в статус NEW",
		slog.String("accession_id", a.AccessionID),
		slog.String("previous_status", a.Status.String()),
	)
	d.publish(ctx, events.TypeReset, a.Status, updated)
	return updated, nil
}

func (d *Dispatcher) onTransferStarted(ctx context.Context, a *model.Archive, id string) (*model.Archive, error) {
	updated, applied, err := d.commit(ctx, a, model.StatusWaiting, id)
	if err != nil || !applied {
		return updated, err
	}
	d.logger.Info("Transfer передан в Archivematica",
		slog.String("accession_id", a.AccessionID),
		slog.String("transfer_id", updated.ArchivematicaID),
	)
	d.publish(ctx, events.TypeTransferStarted, a.Status, updated)
	return updated, nil
}

func (d *Dispatcher) onTransferProcessing(ctx context.Context, a *model.Archive, id string) (*model.Archive, error) {
	updated, applied, err := d.commit(ctx, a, model.StatusProcessingTransfer, id)
	if err != nil || !applied {
		return updated, err
	}
	d.logger.Info("Transfer обрабатывается",
		slog.String("accession_id", a.AccessionID),
		slog.String("transfer_id", updated.ArchivematicaID),
	)
	d.publish(ctx, events.TypeTransferProcessing, a.Status, updated)
	return updated, nil
}

// onAIPProcessing — transfer завершён, archivematica_id теперь указывает на AIP.
func (d *Dispatcher) onAIPProcessing(ctx context.Context, a *model.Archive, id string) (*model.Archive, error) {
	updated, applied, err := d.commit(ctx, a, model.StatusProcessingAIP, id)
	if err != nil || !applied {
		return updated, err
	}
	d.logger.Info("Формирование AIP",
		slog.String("accession_id", a.AccessionID),
		slog.String("previous_id", a.ArchivematicaID),
		slog.String("aip_id", updated.ArchivematicaID),
	)
	d.publish(ctx, events.TypeAIPProcessing, a.Status, updated)
	return updated, nil
}

func (d *Dispatcher) onRegistered(ctx context.Context, a *model.Archive, id string) (*model.Archive, error) {
	updated, applied, err := d.commit(ctx, a, model.StatusRegistered, id)
	if err != nil || !applied {
		return updated, err
	}
	d.logger.Info("AIP зарегистрирован в хранилище",
		slog.String("accession_id", a.AccessionID),
		slog.String("aip_id", updated.ArchivematicaID),
	)
	d.publish(ctx, events.TypeRegistered, a.Status, updated)
	return updated, nil
}

func (d *Dispatcher) onFailed(ctx context.Context, a *model.Archive, id string) (*model.Archive, error) {
	updated, applied, err := d.commit(ctx, a, model.StatusFailed, id)
	if err != nil || !applied {
		return updated, err
	}
	d.logger.Warn("Архивация завершилась ошибкой",
		slog.String("accession_id", a.AccessionID),
		slog.String("previous_status", a.Status.String()),
		slog.String("archivematica_id", updated.ArchivematicaID),
	)
	d.publish(ctx, events.TypeFailed, a.Status, updated)
	return updated, nil
}

// commit сохраняет переход a.Status → to. applied=false — переход отклонён
// compare-and-swap, возвращается актуальная запись из БД.
func (d *Dispatcher) commit(
	ctx context.Context,
	a *model.Archive,
	to model.Status,
	archivematicaID string,
) (*model.Archive, bool, error) {
	updated, err := d.repo.UpdateStatus(ctx, a.AccessionID, a.Status, to, archivematicaID)
	switch {
	case err == nil:
		d.cache.Delete(a.AccessionID)
		transitionsTotal.WithLabelValues(to.String()).Inc()
		return updated, true, nil

	case errors.Is(err, repository.ErrStatusConflict):
		transitionConflictsTotal.Inc()
		d.cache.Delete(a.AccessionID)
		fresh, getErr := d.repo.GetByAccessionID(ctx, a.AccessionID)
		if getErr != nil {
			return nil, false, fmt.Errorf("перечитывание архива после конфликта: %w", getErr)
		}
		d.logger.Warn("Переход статуса отклонён: запись изменена конкурентно",
			slog.String("accession_id", a.AccessionID),
			slog.String("expected_status", a.Status.String()),
			slog.String("actual_status", fresh.Status.String()),
			slog.String("target_status", to.String()),
		)
		return fresh, false, nil

	case errors.Is(err, repository.ErrNotFound):
		return nil, false, ErrNotFound

	default:
		return nil, false, fmt.Errorf("сохранение статуса %s: %w", to, err)
	}
}

// publish отправляет событие перехода не дольше publishTimeout. Ошибка публикации
// не отменяет сохранённый переход: она логируется и учитывается в метрике.
func (d *Dispatcher) publish(ctx context.Context, eventType string, previous model.Status, a *model.Archive) {
	ev := events.New(eventType, a.AccessionID, a.SIPID, a.ArchivematicaID, previous.String(), a.Status.String())

	pubCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	if err := d.publisher.Publish(pubCtx, ev); err != nil {
		eventsPublishedTotal.WithLabelValues("error").Inc()
		d.logger.Error("Ошибка публикации события",
			slog.String("event_id", ev.ID),
			slog.String("type", eventType),
			slog.String("accession_id", a.AccessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	eventsPublishedTotal.WithLabelValues("ok").Inc()
}
