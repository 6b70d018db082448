package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/archive-module/internal/domain/model"
)

// archiveColumns — список столбцов таблицы archives для SELECT/RETURNING.
const archiveColumns = `accession_id, sip_id, archivematica_id, status, created_at, updated_at`

// ArchiveRepository — интерфейс доступа к таблице archives.
type ArchiveRepository interface {
	// GetByAccessionID возвращает запись по accession_id или ErrNotFound.
	GetByAccessionID(ctx context.Context, accessionID string) (*model.Archive, error)
	// UpdateArchivematicaID заменяет внешний идентификатор.
	// Пустое значение не принимается: назначенный идентификатор не очищается.
	UpdateArchivematicaID(ctx context.Context, accessionID, archivematicaID string) (*model.Archive, error)
	// UpdateStatus переводит запись из статуса from в статус to и одновременно
	// записывает archivematicaID. Выполняется как compare-and-swap:
	// если текущий статус отличается от from, возвращается ErrStatusConflict.
	UpdateStatus(ctx context.Context, accessionID string, from, to model.Status, archivematicaID string) (*model.Archive, error)
	// ListByStatus возвращает до limit записей в указанных статусах,
	// начиная с давно не обновлявшихся.
	ListByStatus(ctx context.Context, statuses []model.Status, limit int) ([]*model.Archive, error)
}

// archiveRepo — реализация ArchiveRepository через pgx.
type archiveRepo struct {
	db DBTX
}

// NewArchiveRepository создаёт репозиторий архивов.
func NewArchiveRepository(db DBTX) ArchiveRepository {
	return &archiveRepo{db: db}
}

// GetByAccessionID возвращает запись по accession_id или ErrNotFound.
func (r *archiveRepo) GetByAccessionID(ctx context.Context, accessionID string) (*model.Archive, error) {
	query := fmt.Sprintf(`SELECT %s FROM archives WHERE accession_id = $1`, archiveColumns)

	a, err := scanArchive(r.db.QueryRow(ctx, query, accessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения архива: %w", err)
	}
	return a, nil
}

// UpdateArchivematicaID заменяет archivematica_id записи.
func (r *archiveRepo) UpdateArchivematicaID(ctx context.Context, accessionID, archivematicaID string) (*model.Archive, error) {
	if archivematicaID == "" {
		return nil, fmt.Errorf("пустой archivematica_id для %s", accessionID)
	}

	query := fmt.Sprintf(`
		UPDATE archives
		SET archivematica_id = $2, updated_at = NOW()
		WHERE accession_id = $1
		RETURNING %s`, archiveColumns)

	a, err := scanArchive(r.db.QueryRow(ctx, query, accessionID, archivematicaID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка обновления archivematica_id: %w", err)
	}
	return a, nil
}

// UpdateStatus выполняет compare-and-swap статуса.
// Пустой archivematicaID оставляет текущее значение без изменений.
func (r *archiveRepo) UpdateStatus(
	ctx context.Context,
	accessionID string,
	from, to model.Status,
	archivematicaID string,
) (*model.Archive, error) {
	query := fmt.Sprintf(`
		UPDATE archives
		SET status = $3,
		    archivematica_id = COALESCE(NULLIF($4, ''), archivematica_id),
		    updated_at = NOW()
		WHERE accession_id = $1 AND status = $2
		RETURNING %s`, archiveColumns)

	a, err := scanArchive(r.db.QueryRow(ctx, query, accessionID, string(from), string(to), archivematicaID))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка обновления статуса: %w", err)
	}

	// Ни одна строка не обновлена: либо записи нет, либо статус уже другой
	if _, getErr := r.GetByAccessionID(ctx, accessionID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrStatusConflict
}

// ListByStatus возвращает записи в указанных статусах.
func (r *archiveRepo) ListByStatus(ctx context.Context, statuses []model.Status, limit int) ([]*model.Archive, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM archives
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2`, archiveColumns)

	rows, err := r.db.Query(ctx, query, names, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки архивов: %w", err)
	}
	defer rows.Close()

	var result []*model.Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования архива: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка итерации результатов: %w", err)
	}
	return result, nil
}

// scanArchive сканирует одну строку archives (порядок archiveColumns).
func scanArchive(row pgx.Row) (*model.Archive, error) {
	a := &model.Archive{}
	var status string
	if err := row.Scan(
		&a.AccessionID, &a.SIPID, &a.ArchivematicaID, &status, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	a.Status = st
	return a, nil
}
