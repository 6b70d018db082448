// Пакет lock — блокировки записей по accession_id.
// Мутация статуса одного архива (перечитывание записи + Dispatcher) выполняется
// под блокировкой; сетевые вызовы Archivematica под блокировкой не выполняются.
// LocalLocker — внутри процесса, RedisLocker — между репликами.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired — блокировку не удалось получить до отмены контекста.
var ErrNotAcquired = errors.New("блокировка не получена")

// Locker — эксклюзивная блокировка по ключу.
// Lock блокируется до получения блокировки или отмены ctx.
// Возвращаемая функция unlock освобождает блокировку; повторный вызов безопасен.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
