package usage

import "github.com/kovalyov-valentin/infra-bot/internal/model"

const (
	MessageJobsPlan     = "Jobs доступны только на PRO."
	MessageJobsDisabled = "Включите Jobs в профиле."
)

// JobsAccess проверяет, может ли пользователь смотреть вакансии
func JobsAccess(user model.User) error {
	if user.Plan != model.PlanPro {
		return &LimitError{Message: MessageJobsPlan}
	}
	if !user.JobsEnabled {
		return &LimitError{Message: MessageJobsDisabled}
	}
	return nil
}
