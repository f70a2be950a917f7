package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Код ошибки postgres при нарушении уникального ограничения
const uniqueViolation = "23505"

// Подключение к БД
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func NewPostgres(db *sqlx.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger.Named("storage")}
}

// Open подключается к БД и прогоняет миграции
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := NewPostgres(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

// ext возвращает транзакцию из контекста, если она есть, иначе пул соединений
func (s *Postgres) ext(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func (s *Postgres) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	if !ok {
		return s.InTx(ctx, fn)
	}

	// Имя одно на все уровни: ROLLBACK TO и RELEASE берут последнюю точку с таким именем
	if _, err := tx.ExecContext(ctx, `SAVEPOINT sp`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT sp`); rbErr != nil {
			s.logger.Error("rollback to savepoint failed", zap.Error(rbErr))
			return errors.Join(err, rbErr)
		}
		if _, relErr := tx.ExecContext(ctx, `RELEASE SAVEPOINT sp`); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT sp`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}

	return nil
}

// Migrate применяет встроенные sql миграции, которые еще не применены
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var applied int
		if err := s.db.GetContext(ctx, &applied, `SELECT COUNT(*) FROM schema_version WHERE version = $1`, version); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = s.InTx(ctx, func(ctx context.Context) error {
			if _, err := s.ext(ctx).ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("applying migration %s: %w", entry.Name(), err)
			}
			if _, err := s.ext(ctx).ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version); err != nil {
				return fmt.Errorf("recording migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.logger.Info("migration applied", zap.Int("version", version), zap.String("file", entry.Name()))
	}

	return nil
}

// parseMigrationVersion достает номер из имени файла вида 0001_init.sql
func parseMigrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %s: missing version prefix", name)
	}

	version, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, fmt.Errorf("migration %s: invalid version: %w", name, err)
	}

	return version, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
