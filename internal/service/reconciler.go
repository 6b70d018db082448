// reconciler.go — фоновая сверка незавершённых архивов с Archivematica.
// Периодически выбирает архивы в WAITING / PROCESSING_TRANSFER / PROCESSING_AIP
// и выполняет для каждого тот же live-путь, что и GET с realStatus=true.
// Запускается как горутина с тикером (ARC_RECONCILE_INTERVAL, 0 — выключено).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/repository"
)

// Prometheus-метрики фоновой сверки.
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arc_reconcile_runs_total",
		Help: "Общее количество циклов фоновой сверки.",
	})

	reconcileArchivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_reconcile_archives_total",
		Help: "Количество архивов, обработанных фоновой сверкой (по результату).",
	}, []string{"result"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arc_reconcile_duration_seconds",
		Help:    "Длительность цикла фоновой сверки.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// inProgressStatuses — статусы, требующие сверки (WAITING, PROCESSING_TRANSFER, PROCESSING_AIP).
var inProgressStatuses = model.InProgressStatuses()

// ReconcileResult — итог одного цикла сверки.
type ReconcileResult struct {
	Checked int
	Changed int
	Failed  int
}

// Reconciler — фоновая сверка статусов.
type Reconciler struct {
	repo      repository.ArchiveRepository
	archives  *ArchiveService
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconciler создаёт Reconciler.
func NewReconciler(
	repo repository.ArchiveRepository,
	archives *ArchiveService,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		repo:      repo,
		archives:  archives,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Start запускает фоновую горутину сверки.
func (r *Reconciler) Start(ctx context.Context) {
	rCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(rCtx)

	r.logger.Info("Фоновая сверка запущена",
		slog.String("interval", r.interval.String()),
		slog.Int("batch_size", r.batchSize),
	)
}

// Stop останавливает сверку и дожидается завершения текущего цикла.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("Фоновая сверка остановлена")
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл сверки. Если цикл уже выполняется, возвращает false.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileResult, bool) {
	r.mu.Lock()
	if r.inProcess {
		r.mu.Unlock()
		r.logger.Warn("Сверка уже выполняется, пропуск")
		return ReconcileResult{}, false
	}
	r.inProcess = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inProcess = false
		r.mu.Unlock()
	}()

	start := time.Now()
	reconcileRunsTotal.Inc()

	var result ReconcileResult
	list, err := r.repo.ListByStatus(ctx, inProgressStatuses, r.batchSize)
	if err != nil {
		r.logger.Error("Ошибка выборки архивов для сверки",
			slog.String("error", err.Error()),
		)
		return result, true
	}

	for _, a := range list {
		if ctx.Err() != nil {
			break
		}
		result.Checked++

		updated, err := r.archives.Get(ctx, a.AccessionID, true)
		switch {
		case err != nil:
			result.Failed++
			reconcileArchivesTotal.WithLabelValues("error").Inc()
			r.logger.Warn("Ошибка сверки архива",
				slog.String("accession_id", a.AccessionID),
				slog.String("error", err.Error()),
			)
		case updated.Status != a.Status:
			result.Changed++
			reconcileArchivesTotal.WithLabelValues("changed").Inc()
		default:
			reconcileArchivesTotal.WithLabelValues("unchanged").Inc()
		}
	}

	duration := time.Since(start)
	reconcileDurationSeconds.Observe(duration.Seconds())

	r.logger.Info("Сверка завершена",
		slog.Int("checked", result.Checked),
		slog.Int("changed", result.Changed),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", duration),
	)
	return result, true
}
