// Пакет amclient — HTTP-клиент Archivematica.
// Dashboard API: статус transfer и ingest (AIP). Storage Service API: streaming download пакета.
// Учётные данные передаются query-параметрами username/api_key отдельно для каждого API.
package amclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Ошибки клиента Archivematica.
var (
	// ErrUnreachable — транспортная ошибка (соединение, DNS, таймаут) при обращении к Archivematica.
	ErrUnreachable = errors.New("Archivematica недоступна")
	// ErrInvalidResponse — успешный HTTP-ответ с некорректным телом.
	ErrInvalidResponse = errors.New("некорректный ответ Archivematica")
)

// UpstreamError — Archivematica ответила неуспешным HTTP-статусом.
type UpstreamError struct {
	// StatusCode — HTTP-статус ответа Archivematica
	StatusCode int
	// Endpoint — логическое имя вызванного API (transfer_status, ingest_status, download)
	Endpoint string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("Archivematica %s вернула статус %d", e.Endpoint, e.StatusCode)
}

// Credentials — учётные данные одного API Archivematica.
type Credentials struct {
	// BaseURL — базовый URL (Dashboard или Storage Service)
	BaseURL string
	// User — имя пользователя API
	User string
	// APIKey — API-ключ пользователя
	APIKey string //nolint:gosec // G101: поле конфигурации, не литерал секрета
}

// Options — параметры клиента.
type Options struct {
	Dashboard Credentials
	Storage   Credentials
	// CACertPath — путь к CA-сертификату (пустая строка — системный пул)
	CACertPath string
	// PollTimeout — таймаут запросов статуса
	PollTimeout time.Duration
	// DownloadTimeout — таймаут скачивания (включая чтение тела)
	DownloadTimeout time.Duration
}

// TransferStatus — ответ GET /api/transfer/status/{id}/.
type TransferStatus struct {
	// Status — статус transfer в словаре Archivematica
	Status string `json:"status"`
	// SIPUUID — UUID SIP/AIP, созданного из transfer (заполнен после завершения transfer)
	SIPUUID string `json:"sip_uuid"`
}

// IngestStatus — ответ GET /api/ingest/status/{id}/.
type IngestStatus struct {
	// Status — статус ingest в словаре Archivematica
	Status string `json:"status"`
}

// Client — HTTP-клиент Archivematica.
type Client struct {
	pollClient     *http.Client
	downloadClient *http.Client
	dashboard      Credentials
	storage        Credentials
	logger         *slog.Logger
}

// New создаёт клиент Archivematica.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 10,
	}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата Archivematica: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		logger.Info("CA-сертификат Archivematica добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	opts.Dashboard.BaseURL = normalizeURL(opts.Dashboard.BaseURL)
	opts.Storage.BaseURL = normalizeURL(opts.Storage.BaseURL)

	return &Client{
		pollClient:     &http.Client{Timeout: opts.PollTimeout, Transport: transport},
		downloadClient: &http.Client{Timeout: opts.DownloadTimeout, Transport: transport},
		dashboard:      opts.Dashboard,
		storage:        opts.Storage,
		logger:         logger.With(slog.String("component", "archivematica_client")),
	}, nil
}

// TransferStatus запрашивает статус transfer по его UUID.
// GET {dashboard}/api/transfer/status/{id}/?username=&api_key=
func (c *Client) TransferStatus(ctx context.Context, transferID string) (*TransferStatus, error) {
	var resp TransferStatus
	if err := c.getJSON(ctx, c.dashboard, "transfer_status", "/api/transfer/status/"+url.PathEscape(transferID)+"/", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestStatus запрашивает статус ingest по UUID SIP/AIP.
// GET {dashboard}/api/ingest/status/{id}/?username=&api_key=
func (c *Client) IngestStatus(ctx context.Context, sipID string) (*IngestStatus, error) {
	var resp IngestStatus
	if err := c.getJSON(ctx, c.dashboard, "ingest_status", "/api/ingest/status/"+url.PathEscape(sipID)+"/", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download выполняет streaming-загрузку пакета из Storage Service.
// Возвращает *http.Response при любом HTTP-статусе — вызывающий код ОБЯЗАН закрыть resp.Body.
// Транспортные ошибки оборачиваются в ErrUnreachable.
//
// GET {storage}/api/v2/file/{id}/download/?username=&api_key=
// rangeHeader — значение заголовка Range от клиента (пустая строка — без Range).
func (c *Client) Download(ctx context.Context, packageID, rangeHeader string) (*http.Response, error) {
	reqURL := buildURL(c.storage, "/api/v2/file/"+url.PathEscape(packageID)+"/download/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса download: %w", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.downloadClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %w", ErrUnreachable, packageID, stripCredentials(err))
	}

	// Не закрываем resp.Body — вызывающий код отвечает за это (streaming)
	return resp, nil
}

// getJSON выполняет GET к API Archivematica и декодирует JSON-ответ.
func (c *Client) getJSON(ctx context.Context, creds Credentials, endpoint, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(creds, path), http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.pollClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, endpoint, stripCredentials(err))
	}
	defer resp.Body.Close()

	c.logger.Debug("Ответ Archivematica",
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return &UpstreamError{StatusCode: resp.StatusCode, Endpoint: endpoint}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: декодирование ответа %s: %w", ErrInvalidResponse, endpoint, err)
	}
	return nil
}

// buildURL формирует URL запроса с учётными данными API.
func buildURL(creds Credentials, path string) string {
	q := url.Values{}
	q.Set("username", creds.User)
	q.Set("api_key", creds.APIKey)
	return creds.BaseURL + path + "?" + q.Encode()
}

// stripCredentials убирает URL (с api_key) из транспортной ошибки, оставляя причину.
func stripCredentials(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// normalizeURL убирает trailing slash из URL.
func normalizeURL(rawURL string) string {
	return strings.TrimRight(rawURL, "/")
}
