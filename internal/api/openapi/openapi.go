// Пакет openapi — OpenAPI-контракт Archive Module: встроенный документ,
// его раздача по HTTP и проверка входящих запросов на соответствие контракту.
package openapi

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
)

//go:embed openapi.yaml
var document []byte

// Document возвращает исходный YAML-документ контракта.
func Document() []byte {
	return document
}

// ServeDocument отдаёт контракт (GET /api/openapi.yaml).
func ServeDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(document)
}

// Validator проверяет запросы по контракту.
type Validator struct {
	router routers.Router
}

// NewValidator загружает и валидирует встроенный документ.
func NewValidator() (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI документа: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("невалидный OpenAPI документ: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("создание OpenAPI router: %w", err)
	}
	return &Validator{router: router}, nil
}

// Validate проверяет параметры и тело запроса. Запросы к путям и методам,
// отсутствующим в контракте, не проверяются. Security-схемы не проверяются
// (это делает JWT middleware). Тело запроса после проверки остаётся доступным для чтения.
func (v *Validator) Validate(r *http.Request) error {
	route, pathParams, err := v.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return err
	}

	return openapi3filter.ValidateRequest(r.Context(), &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	})
}

// Message формирует короткое описание ошибки проверки для ответа клиенту.
func Message(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			return fmt.Sprintf("некорректный параметр %s: %s", reqErr.Parameter.Name, reqErr.Error())
		case reqErr.RequestBody != nil:
			return "некорректное тело запроса: " + reqErr.Error()
		}
		return reqErr.Error()
	}
	return err.Error()
}
