// Package alerts заводит операционные алерты и рассылает их в чат дежурных.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Повторный алерт с тем же ключом раньше этого интервала не отправляется
const ResendInterval = 15 * time.Minute

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type AlertStorage interface {
	LatestAlert(ctx context.Context, dedupKey string) (*model.Alert, error)
	CreateAlert(ctx context.Context, alert model.Alert) (int64, error)
	MuteAlert(ctx context.Context, id int64, until time.Time) error
}

type Notifier interface {
	NotifyAlert(ctx context.Context, text string) error
}

type Service struct {
	store    AlertStorage
	notifier Notifier
	clock    clock.Clock
	logger   *zap.Logger
}

// notifier может быть nil, тогда алерты только сохраняются
func NewService(store AlertStorage, notifier Notifier, c clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		notifier: notifier,
		clock:    c,
		logger:   logger.Named("alerts"),
	}
}

// Raise заводит алерт. Если последний алерт с этим ключом заглушен или
// отправлялся меньше ResendInterval назад, возвращается он же.
func (s *Service) Raise(ctx context.Context, key, title, message, severity string) (*model.Alert, error) {
	now := s.clock.Now()

	last, err := s.latest(ctx, key)
	if err != nil {
		return nil, err
	}
	if last != nil {
		if last.MutedUntil != nil && last.MutedUntil.After(now) {
			return last, nil
		}
		if last.LastSentAt != nil && now.Sub(*last.LastSentAt) < ResendInterval {
			return last, nil
		}
	}

	return s.create(ctx, model.Alert{
		DedupKey: key,
		Title:    title,
		Message:  message,
		Severity: lo.Ternary(severity == "", SeverityWarning, severity),
		Status:   model.AlertStatusOpen,
	}, title+"\n"+message)
}

// Resolve записывает и отправляет закрывающий алерт, даже если ключ заглушен
func (s *Service) Resolve(ctx context.Context, key, message string) (*model.Alert, error) {
	return s.create(ctx, model.Alert{
		DedupKey: key,
		Title:    "RESOLVED",
		Message:  message,
		Severity: SeverityInfo,
		Status:   model.AlertStatusResolved,
	}, "RESOLVED\n"+message)
}

// ResolveIfOpen закрывает алерт, только если последний по ключу открыт
func (s *Service) ResolveIfOpen(ctx context.Context, key, message string) (bool, error) {
	last, err := s.latest(ctx, key)
	if err != nil {
		return false, err
	}
	if last == nil || last.Status != model.AlertStatusOpen {
		return false, nil
	}

	if _, err := s.Resolve(ctx, key, message); err != nil {
		return false, err
	}
	return true, nil
}

// Mute глушит последний алерт с ключом на duration
func (s *Service) Mute(ctx context.Context, key string, duration time.Duration) error {
	last, err := s.latest(ctx, key)
	if err != nil {
		return err
	}
	if last == nil {
		return storage.ErrNotFound
	}

	return s.store.MuteAlert(ctx, last.ID, s.clock.Now().Add(duration))
}

func (s *Service) latest(ctx context.Context, key string) (*model.Alert, error) {
	last, err := s.store.LatestAlert(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest alert %q: %w", key, err)
	}
	return last, nil
}

func (s *Service) create(ctx context.Context, alert model.Alert, text string) (*model.Alert, error) {
	now := s.clock.Now()
	alert.CreatedAt = now
	alert.LastSentAt = &now

	id, err := s.store.CreateAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("create alert %q: %w", alert.DedupKey, err)
	}
	alert.ID = id

	s.logger.Warn("alert", zap.String("key", alert.DedupKey), zap.String("status", alert.Status), zap.String("title", alert.Title))

	if s.notifier != nil {
		if err := s.notifier.NotifyAlert(ctx, text); err != nil {
			s.logger.Error("failed to send alert", zap.String("key", alert.DedupKey), zap.Error(err))
		}
	}

	return &alert, nil
}
