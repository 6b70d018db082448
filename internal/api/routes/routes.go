// Пакет routes — таблица маршрутов Archive Module и привязка параметров
// (path, query, header) к типизированным аргументам обработчиков
// через oapi-codegen runtime. Маршруты соответствуют internal/api/openapi/openapi.yaml.
package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ArchivePrefix — точка монтирования archive endpoints.
const ArchivePrefix = "/oais"

// GetArchiveParams — параметры GET /oais/archive/{id}/.
type GetArchiveParams struct {
	// RealStatus — сверить статус с Archivematica перед ответом
	RealStatus *bool `form:"realStatus,omitempty" json:"realStatus,omitempty"`
}

// DownloadArchiveParams — параметры GET /oais/archive/{id}/download/.
type DownloadArchiveParams struct {
	Range *string `json:"Range,omitempty"`
}

// ServerInterface — обработчики всех маршрутов.
type ServerInterface interface {
	// (GET /health/live)
	HealthLive(w http.ResponseWriter, r *http.Request)
	// (GET /health/ready)
	HealthReady(w http.ResponseWriter, r *http.Request)
	// (GET /metrics)
	GetMetrics(w http.ResponseWriter, r *http.Request)
	// (GET /api/openapi.yaml)
	GetOpenAPI(w http.ResponseWriter, r *http.Request)
	// (GET /oais/archive/{id}/)
	GetArchive(w http.ResponseWriter, r *http.Request, id string, params GetArchiveParams)
	// (PATCH /oais/archive/{id}/)
	UpdateArchive(w http.ResponseWriter, r *http.Request, id string)
	// (GET /oais/archive/{id}/download/)
	DownloadArchive(w http.ResponseWriter, r *http.Request, id string, params DownloadArchiveParams)
}

// MiddlewareFunc — middleware отдельного маршрута.
type MiddlewareFunc func(http.Handler) http.Handler

// InvalidParamFormatError — параметр не удалось привести к типу.
type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("некорректный формат параметра %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

// Options — параметры регистрации маршрутов.
type Options struct {
	BaseRouter chi.Router
	// ArchiveMiddlewares применяются только к archive endpoints
	ArchiveMiddlewares []MiddlewareFunc
	// ErrorHandlerFunc вызывается при ошибке привязки параметров
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// wrapper привязывает параметры и вызывает ServerInterface.
type wrapper struct {
	handler          ServerInterface
	archive          []MiddlewareFunc
	errorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *wrapper) withArchive(h http.Handler) http.Handler {
	for _, mw := range siw.archive {
		h = mw(h)
	}
	return h
}

// bindID извлекает {id} из пути.
func (siw *wrapper) bindID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		siw.errorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "id", Err: err})
		return "", false
	}
	return id, true
}

func (siw *wrapper) GetArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindID(w, r)
	if !ok {
		return
	}

	var params GetArchiveParams
	if err := runtime.BindQueryParameter("form", true, false, "realStatus", r.URL.Query(), &params.RealStatus); err != nil {
		siw.errorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "realStatus", Err: err})
		return
	}

	siw.withArchive(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.handler.GetArchive(w, r, id, params)
	})).ServeHTTP(w, r)
}

func (siw *wrapper) UpdateArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindID(w, r)
	if !ok {
		return
	}

	siw.withArchive(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.handler.UpdateArchive(w, r, id)
	})).ServeHTTP(w, r)
}

func (siw *wrapper) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	id, ok := siw.bindID(w, r)
	if !ok {
		return
	}

	var params DownloadArchiveParams
	if values := r.Header.Values("Range"); len(values) > 0 {
		var rangeHeader string
		err := runtime.BindStyledParameterWithOptions("simple", "Range", values[0], &rangeHeader,
			runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationHeader, Explode: false, Required: false})
		if err != nil {
			siw.errorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "Range", Err: err})
			return
		}
		params.Range = &rangeHeader
	}

	siw.withArchive(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siw.handler.DownloadArchive(w, r, id, params)
	})).ServeHTTP(w, r)
}

// Handler регистрирует маршруты на новом chi.Router.
func Handler(si ServerInterface) http.Handler {
	return HandlerWithOptions(si, Options{})
}

// HandlerWithOptions регистрирует маршруты si на opts.BaseRouter.
func HandlerWithOptions(si ServerInterface, opts Options) http.Handler {
	r := opts.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if opts.ErrorHandlerFunc == nil {
		opts.ErrorHandlerFunc = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}

	siw := &wrapper{
		handler:          si,
		archive:          opts.ArchiveMiddlewares,
		errorHandlerFunc: opts.ErrorHandlerFunc,
	}

	r.Get("/health/live", si.HealthLive)
	r.Get("/health/ready", si.HealthReady)
	r.Get("/metrics", si.GetMetrics)
	r.Get("/api/openapi.yaml", si.GetOpenAPI)

	r.Route(ArchivePrefix+"/archive/{id}", func(r chi.Router) {
		r.Get("/", siw.GetArchive)
		r.Patch("/", siw.UpdateArchive)
		r.Get("/download/", siw.DownloadArchive)
	})

	return r
}
