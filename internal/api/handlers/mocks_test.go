package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"github.com/bigkaa/goartstore/archive-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/archive-module/internal/api/openapi"
	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
	"github.com/bigkaa/goartstore/archive-module/internal/service"
)

// --- Mock ArchiveService ---

type mockArchiveService struct {
	getFn    func(ctx context.Context, accessionID string, wantLive bool) (*model.Archive, error)
	updateFn func(ctx context.Context, accessionID string, params service.UpdateParams) (*model.Archive, error)

	liveCalls int
}

func (m *mockArchiveService) Get(ctx context.Context, accessionID string, wantLive bool) (*model.Archive, error) {
	if wantLive {
		m.liveCalls++
	}
	if m.getFn != nil {
		return m.getFn(ctx, accessionID, wantLive)
	}
	return nil, service.ErrNotFound
}

func (m *mockArchiveService) Update(ctx context.Context, accessionID string, params service.UpdateParams) (*model.Archive, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, accessionID, params)
	}
	return nil, service.ErrNotFound
}

// --- Mock DownloadService ---

type mockDownloadService struct {
	downloadFn func(ctx context.Context, w http.ResponseWriter, accessionID, rangeHeader string) error
}

func (m *mockDownloadService) Download(ctx context.Context, w http.ResponseWriter, accessionID, rangeHeader string) error {
	return m.downloadFn(ctx, w, accessionID, rangeHeader)
}

// --- Mock Authorizer ---

type mockAuthorizer struct {
	err   error
	calls []middleware.Action
}

func (m *mockAuthorizer) Authorize(_ context.Context, action middleware.Action, _ string) error {
	m.calls = append(m.calls, action)
	return m.err
}

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testArchive(status model.Status, amID string) *model.Archive {
	return &model.Archive{
		AccessionID:     "AC-1",
		SIPID:           "sip-1",
		ArchivematicaID: amID,
		Status:          status,
	}
}

// newTestHandler собирает APIHandler с реальным OpenAPI-валидатором.
func newTestHandler(t *testing.T, archives ArchiveService, downloads DownloadService, authz middleware.Authorizer) *APIHandler {
	t.Helper()
	v, err := openapi.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return NewAPIHandler(NewHealthHandler(nil, nil), archives, downloads, authz, v, testLogger())
}
