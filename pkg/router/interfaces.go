package router

import (
	"context"
	"time"

	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/menu"
)

// Call активный звонок, которым владеет телефонный слой.
// Роутер только вызывает операции и никогда не создает и не уничтожает звонок.
type Call interface {
	Hangup(ctx context.Context) error
	Answer(ctx context.Context, m *menu.Menu) error
	Transfer(ctx context.Context, target string) error
	SendDTMF(ctx context.Context, digits string, method command.DTMFMethod) error
	// PlayAudioFile и PlayMessage запускают проигрывание и возвращаются сразу,
	// WaitPlayback блокирует до конца текущего проигрывания или звонка.
	PlayAudioFile(ctx context.Context, file string, cache bool) error
	PlayMessage(ctx context.Context, message, language string, cache bool) error
	WaitPlayback(ctx context.Context) error
	StopPlayback(ctx context.Context) error
	BridgeAudio(ctx context.Context, other Call) error
}

// DialRequest параметры исходящего звонка
type DialRequest struct {
	Number                  string
	Menu                    *menu.Menu
	RingTimeout             time.Duration
	WebhookAfterEstablished string
	Webhooks                map[string]string
}

// Line линия (SIP аккаунт), через которую набирается номер.
// Dial должен зарегистрировать звонок (событие CALL) до возврата без ошибки.
type Line interface {
	Dial(ctx context.Context, req DialRequest) error
}

// Lines набор настроенных линий
type Lines interface {
	Line(index int) (Line, bool)
	First() (Line, bool)
}

// ServiceCaller клиент сервисов Home Assistant
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error
}

// Registry реестр активных звонков, см. callstate.Registry
type Registry interface {
	IsActive(id string) bool
	Get(id string) (Call, bool)
	Reserve(id string) bool
	Release(id string)
	Snapshot() []string
	Output()
}

// Metrics счетчики обработки команд
type Metrics interface {
	CommandDispatched(verb string, result string)
}

// Результаты обработки команды для метрик
const (
	ResultOK                = "ok"
	ResultRejected          = "rejected"
	ResultNotInProgress     = "not_in_progress"
	ResultAlreadyInProgress = "already_in_progress"
	ResultFailed            = "failed"
)
