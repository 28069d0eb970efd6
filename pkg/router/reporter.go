package router

import (
	"github.com/arzzra/hasip/pkg/command"
)

// Reporter получает диагностику обработки команд.
// Канала ответа отправителю команды нет, поэтому диагностика идет в лог
// и в Reporter, который можно проверить в тестах.
type Reporter interface {
	// Rejected команда не прошла разбор или проверку
	Rejected(err error)
	// NotInProgress звонок id не активен, snapshot снимок реестра
	NotInProgress(id string, snapshot []string)
	// AlreadyInProgress dial для уже активного или набираемого номера
	AlreadyInProgress(id string)
	// Snapshot ответ на команду state
	Snapshot(ids []string)
	// CollaboratorFailed ошибка звонка или внешнего сервиса
	CollaboratorFailed(verb command.Verb, id string, err error)
}

// NopReporter игнорирует диагностику
type NopReporter struct{}

func (NopReporter) Rejected(error)                                 {}
func (NopReporter) NotInProgress(string, []string)                 {}
func (NopReporter) AlreadyInProgress(string)                       {}
func (NopReporter) Snapshot([]string)                              {}
func (NopReporter) CollaboratorFailed(command.Verb, string, error) {}

type nopMetrics struct{}

func (nopMetrics) CommandDispatched(string, string) {}
