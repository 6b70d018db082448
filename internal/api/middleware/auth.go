// auth.go — JWT-аутентификация запросов к Archive Module.
// Bearer token проверяется по JWKS Keycloak (RS256). Из claims формируется
// Principal: пользователь с ролью из групп IdP либо Service Account со scopes.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/archive-module/internal/api/errors"
)

type contextKey string

const (
	// principalKey — ключ Principal в контексте запроса.
	principalKey contextKey = "archive_principal"
	holderKey    contextKey = "archive_principal_holder"
)

// Kind — тип субъекта JWT.
type Kind string

const (
	// KindUser — пользователь (OIDC, Authorization Code).
	KindUser Kind = "user"
	// KindServiceAccount — Service Account (Client Credentials).
	KindServiceAccount Kind = "service_account"
)

// Роли пользователей.
const (
	RoleReadonly = "readonly"
	RoleAdmin    = "admin"
)

// Scopes Service Accounts.
const (
	ScopeArchiveRead  = "archive:read"
	ScopeArchiveWrite = "archive:write"
)

var roleRank = map[string]int{RoleReadonly: 1, RoleAdmin: 2}

// Principal — аутентифицированный субъект запроса.
type Principal struct {
	Subject  string
	Kind     Kind
	Username string
	ClientID string
	// Role — итоговая роль пользователя (admin, readonly или пусто)
	Role   string
	Groups []string
	Scopes []string
}

// HasScope сообщает, выдан ли Service Account scope.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Name — имя субъекта для логов.
func (p *Principal) Name() string {
	switch {
	case p.Username != "":
		return p.Username
	case p.ClientID != "":
		return p.ClientID
	default:
		return p.Subject
	}
}

// tokenClaims — claims Keycloak access token.
type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups,omitempty"`
	Scope             string   `json:"scope,omitempty"`
	ClientID          string   `json:"client_id,omitempty"`
	RealmAccess       *struct {
		Roles []string `json:"roles"`
	} `json:"realm_access,omitempty"`
}

// JWTOptions — параметры проверки токенов.
type JWTOptions struct {
	JWKSURL    string
	CACertPath string
	// Issuer — ожидаемый iss (пусто — не проверяется)
	Issuer          string
	AdminGroups     []string
	ReadonlyGroups  []string
	ClientTimeout   time.Duration
	RefreshInterval time.Duration
	Leeway          time.Duration
}

// JWTAuth — проверка Bearer token через JWKS Keycloak.
type JWTAuth struct {
	keys           keyfunc.Keyfunc
	issuer         string
	leeway         time.Duration
	adminGroups    map[string]bool
	readonlyGroups map[string]bool
	logger         *slog.Logger
}

// NewJWTAuth создаёт JWTAuth с фоновым обновлением JWKS.
// Недоступность Keycloak при старте не является ошибкой: ключи будут
// загружены при следующем обновлении.
func NewJWTAuth(opts JWTOptions, logger *slog.Logger) (*JWTAuth, error) {
	client, err := newHTTPClient(opts.CACertPath, opts.ClientTimeout)
	if err != nil {
		return nil, err
	}

	storage, err := jwkset.NewStorageFromHTTP(opts.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("url", opts.JWKSURL),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(kf, opts, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт JWTAuth с готовым keyfunc.
// Поля JWKSURL, CACertPath и интервалы opts не используются.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, opts JWTOptions, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		keys:           kf,
		issuer:         opts.Issuer,
		leeway:         opts.Leeway,
		adminGroups:    toSet(opts.AdminGroups),
		readonlyGroups: toSet(opts.ReadonlyGroups),
		logger:         logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware проверяет токен и помещает Principal в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				apierrors.Unauthorized(w, "Требуется заголовок Authorization: Bearer <token>")
				return
			}

			p, err := j.authenticate(r.Context(), raw)
			if err != nil {
				j.logger.Debug("Токен отклонён",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// authenticate проверяет подпись и срок действия токена и строит Principal.
func (j *JWTAuth) authenticate(ctx context.Context, raw string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.leeway),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &tokenClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, j.keys.KeyfuncCtx(ctx), opts...); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("в токене нет sub")
	}

	p := &Principal{
		Subject:  claims.Subject,
		Username: claims.PreferredUsername,
	}
	if claims.ClientID != "" && claims.Scope != "" {
		p.Kind = KindServiceAccount
		p.ClientID = claims.ClientID
		p.Scopes = strings.Fields(claims.Scope)
		return p, nil
	}

	p.Kind = KindUser
	p.Groups = claims.Groups
	p.Role = j.roleFromGroups(claims.Groups)
	if p.Role == "" && claims.RealmAccess != nil {
		// Fallback: роль из realm_access.roles, если группы не сопоставлены
		p.Role = highestRole(claims.RealmAccess.Roles)
	}
	return p, nil
}

// roleFromGroups сопоставляет группы IdP роли. Admin старше readonly.
func (j *JWTAuth) roleFromGroups(groups []string) string {
	var roles []string
	for _, g := range groups {
		if j.adminGroups[g] {
			roles = append(roles, RoleAdmin)
		}
		if j.readonlyGroups[g] {
			roles = append(roles, RoleReadonly)
		}
	}
	return highestRole(roles)
}

// highestRole возвращает старшую из известных ролей.
func highestRole(roles []string) string {
	best := ""
	for _, r := range roles {
		if roleRank[r] > roleRank[best] {
			best = r
		}
	}
	return best
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}

// newHTTPClient создаёт HTTP-клиент, доверяющий дополнительному CA (если задан).
func newHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	if caCertPath == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата %s: %w", caCertPath, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA-сертификат %s не содержит PEM-блоков", caCertPath)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
		},
	}, nil
}

// --- Context helpers ---

// principalHolder передаёт Principal наружу, в RequestLogger.
type principalHolder struct {
	p *Principal
}

func withPrincipalHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderKey, h)
}

// WithPrincipal помещает Principal в контекст.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if h, ok := ctx.Value(holderKey).(*principalHolder); ok {
		h.p = p
	}
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext извлекает Principal из контекста (nil — запрос без аутентификации).
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
