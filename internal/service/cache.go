// cache.go — LRU-кэш снимков архивов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable. Кэш обслуживает только
// дешёвый путь чтения (realStatus=false); любая смена записи его инвалидирует.
//
// Запись, прочитанная из БД до инвалидации, в кэш не попадает: перед чтением
// берётся поколение (Generation), SetIfCurrent сохраняет запись, только если
// с тех пор не было ни одного Delete.
package service

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arc_cache_hits_total",
		Help: "Общее количество попаданий в кэш архивов.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arc_cache_misses_total",
		Help: "Общее количество промахов кэша архивов.",
	})
)

// CacheService — per-instance кэш записей архивов по accession_id.
// Хранит и отдаёт копии: вызывающий код может менять полученную запись.
// CacheService без LRU (NewDisabledCacheService) всегда возвращает промах.
type CacheService struct {
	cache *expirable.LRU[string, *model.Archive]

	mu         sync.Mutex
	generation uint64
}

// NewCacheService создаёт кэш с указанным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	return &CacheService{cache: expirable.NewLRU[string, *model.Archive](maxSize, nil, ttl)}
}

// NewDisabledCacheService создаёт выключенный кэш. Используется при нескольких
// репликах: смена статуса на одной реплике не инвалидирует кэш другой.
func NewDisabledCacheService() *CacheService {
	return &CacheService{}
}

// Enabled сообщает, хранит ли кэш записи.
func (c *CacheService) Enabled() bool {
	return c.cache != nil
}

// Get возвращает копию записи из кэша.
func (c *CacheService) Get(accessionID string) (*model.Archive, bool) {
	if c.cache == nil {
		return nil, false
	}
	val, ok := c.cache.Get(accessionID)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return val.Clone(), true
}

// Generation возвращает текущее поколение кэша. Берётся до чтения записи из БД.
func (c *CacheService) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// SetIfCurrent сохраняет копию записи, если после Generation() не было Delete.
// Возвращает false, если запись отброшена.
func (c *CacheService) SetIfCurrent(a *model.Archive, generation uint64) bool {
	if c.cache == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.cache.Add(a.AccessionID, a.Clone())
	return true
}

// Delete инвалидирует запись и сдвигает поколение.
func (c *CacheService) Delete(accessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	if c.cache != nil {
		c.cache.Remove(accessionID)
	}
}

// Len возвращает количество записей в кэше.
func (c *CacheService) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}
