// download.go — proxy download AIP из Archivematica Storage Service.
// Pipeline: запись архива (кэш/БД) → проверка статуса REGISTERED → streaming download
// с пробросом Range и заголовков ответа. Тело не буферизуется целиком.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-module/internal/amclient"
	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
)

// downloadBufferSize — размер буфера копирования тела ответа.
const downloadBufferSize = 10 * 1024

// Prometheus-метрики download.
var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_downloads_total",
		Help: "Общее количество запросов на скачивание (по результату).",
	}, []string{"status"})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arc_download_duration_seconds",
		Help:    "Длительность proxy download (от запроса до завершения streaming).",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arc_download_bytes_total",
		Help: "Общее количество переданных байт при скачивании.",
	})

	activeDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arc_active_downloads",
		Help: "Количество активных proxy downloads.",
	})
)

// hopByHopHeaders — заголовки соединения, не пробрасываемые клиенту.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// DownloadService — proxy download пакетов из Storage Service.
type DownloadService struct {
	archives *ArchiveService
	client   ArchivematicaClient
	logger   *slog.Logger
}

// NewDownloadService создаёт DownloadService.
func NewDownloadService(archives *ArchiveService, client ArchivematicaClient, logger *slog.Logger) *DownloadService {
	return &DownloadService{
		archives: archives,
		client:   client,
		logger:   logger.With(slog.String("component", "download_service")),
	}
}

// Download передаёт пакет архива accessionID в w.
//
// Ошибки до начала передачи:
//   - ErrNotFound — архив неизвестен;
//   - ErrNotRegistered — статус не REGISTERED или нет archivematica_id (запрос не выполняется);
//   - ErrUpstreamUnreachable — транспортная ошибка Storage Service;
//   - *amclient.UpstreamError — Storage Service ответил неуспешным статусом.
//
// После отправки заголовков ошибки копирования только логируются.
func (ds *DownloadService) Download(ctx context.Context, w http.ResponseWriter, accessionID, rangeHeader string) error {
	start := time.Now()
	activeDownloads.Inc()
	defer activeDownloads.Dec()

	a, err := ds.archives.Get(ctx, accessionID, false)
	if err != nil {
		downloadsTotal.WithLabelValues("error").Inc()
		return err
	}

	if a.Status != model.StatusRegistered || !a.HasArchivematicaID() {
		downloadsTotal.WithLabelValues("not_registered").Inc()
		return fmt.Errorf("%w: %s в статусе %s", ErrNotRegistered, accessionID, a.Status)
	}

	resp, err := ds.client.Download(ctx, a.ArchivematicaID, rangeHeader)
	if err != nil {
		downloadsTotal.WithLabelValues("unreachable").Inc()
		return upstreamError("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		downloadsTotal.WithLabelValues("upstream_error").Inc()
		ds.logger.Warn("Storage Service вернул ошибку",
			slog.String("accession_id", accessionID),
			slog.String("aip_id", a.ArchivematicaID),
			slog.Int("status", resp.StatusCode),
		)
		return &amclient.UpstreamError{StatusCode: resp.StatusCode, Endpoint: "download"}
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(resp.StatusCode)

	written, err := io.CopyBuffer(w, resp.Body, make([]byte, downloadBufferSize))
	if err != nil {
		ds.logger.Error("Ошибка streaming download",
			slog.String("accession_id", accessionID),
			slog.Int64("bytes_written", written),
			slog.String("error", err.Error()),
		)
		downloadsTotal.WithLabelValues("stream_error").Inc()
		return nil
	}

	duration := time.Since(start)
	downloadsTotal.WithLabelValues("success").Inc()
	downloadDuration.Observe(duration.Seconds())
	downloadBytesTotal.Add(float64(written))

	ds.logger.Debug("Download завершён",
		slog.String("accession_id", accessionID),
		slog.Int64("bytes", written),
		slog.Duration("duration", duration),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// copyHeaders копирует заголовки ответа Storage Service, кроме hop-by-hop.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
