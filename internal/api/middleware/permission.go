// permission.go — права на операции с архивами.
// Пользователь: readonly читает, admin читает и пишет.
// Service Account: archive:read читает, archive:write читает и пишет.
package middleware

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/archive-module/internal/api/errors"
)

// Action — операция над архивом.
type Action string

const (
	ActionArchiveRead  Action = "archive-read"
	ActionArchiveWrite Action = "archive-write"
)

var (
	// ErrUnauthenticated — в контексте нет Principal.
	ErrUnauthenticated = errors.New("запрос не аутентифицирован")
	// ErrForbidden — у субъекта нет права на операцию.
	ErrForbidden = errors.New("недостаточно прав")
)

// Authorizer проверяет право субъекта запроса на операцию с архивом.
type Authorizer interface {
	Authorize(ctx context.Context, action Action, accessionID string) error
}

// RoleAuthorizer — Authorizer на основе роли и scopes из JWT.
// Права не зависят от конкретного accession_id.
type RoleAuthorizer struct{}

// Authorize возвращает ErrUnauthenticated или ErrForbidden, если операция запрещена.
func (RoleAuthorizer) Authorize(ctx context.Context, action Action, _ string) error {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return ErrUnauthenticated
	}
	if !p.Can(action) {
		return ErrForbidden
	}
	return nil
}

// Can сообщает, разрешена ли субъекту операция.
func (p *Principal) Can(action Action) bool {
	switch p.Kind {
	case KindUser:
		switch action {
		case ActionArchiveRead:
			return p.Role == RoleAdmin || p.Role == RoleReadonly
		case ActionArchiveWrite:
			return p.Role == RoleAdmin
		}
	case KindServiceAccount:
		switch action {
		case ActionArchiveRead:
			return p.HasScope(ScopeArchiveRead) || p.HasScope(ScopeArchiveWrite)
		case ActionArchiveWrite:
			return p.HasScope(ScopeArchiveWrite)
		}
	}
	return false
}

// RequireArchiveAccess пропускает субъектов, у которых есть хотя бы одна
// archive-роль или archive-scope. Право на конкретную операцию
// проверяет обработчик. Используется после JWTAuth.Middleware().
func RequireArchiveAccess() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				apierrors.Unauthorized(w, "Запрос не аутентифицирован")
				return
			}
			if !p.Can(ActionArchiveRead) {
				apierrors.Forbidden(w, "Нет доступа к архивам: требуется роль admin/readonly или scope archive:read/archive:write")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
