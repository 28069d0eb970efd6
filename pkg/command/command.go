// Package command описывает входящие команды управления звонками.
//
// Команда приходит как JSON объект вида {"command": <verb>, "number": ...}.
// Decode разбирает объект один раз и возвращает одну из структур этого пакета
// с уже проверенными и типизированными полями. Неизвестная команда, отсутствие
// обязательного поля или неверное значение перечисления отклоняются здесь,
// до любого побочного эффекта.
package command

import (
	"time"

	"github.com/arzzra/hasip/pkg/menu"
)

// Verb значение поля "command"
type Verb string

const (
	VerbCallService   Verb = "call_service"
	VerbDial          Verb = "dial"
	VerbHangup        Verb = "hangup"
	VerbAnswer        Verb = "answer"
	VerbTransfer      Verb = "transfer"
	VerbBridgeAudio   Verb = "bridge_audio"
	VerbSendDTMF      Verb = "send_dtmf"
	VerbPlayAudioFile Verb = "play_audio_file"
	VerbPlayMessage   Verb = "play_message"
	VerbStopPlayback  Verb = "stop_playback"
	VerbState         Verb = "state"
	VerbQuit          Verb = "quit"
)

// Verbs все известные команды
var Verbs = []Verb{
	VerbCallService, VerbDial, VerbHangup, VerbAnswer, VerbTransfer, VerbBridgeAudio,
	VerbSendDTMF, VerbPlayAudioFile, VerbPlayMessage, VerbStopPlayback, VerbState, VerbQuit,
}

// Command закрытый набор команд
type Command interface {
	Verb() Verb
	isCommand()
}

// Targeted команда, адресованная конкретному звонку
type Targeted interface {
	Command
	Target() string
}

// CallService вызов сервиса Home Assistant. Команда по умолчанию,
// если поле "command" отсутствует.
type CallService struct {
	Domain      string
	Service     string
	EntityID    string
	ServiceData map[string]any
}

// Dial исходящий звонок
type Dial struct {
	Number string
	Menu   *menu.Menu
	// RingTimeout ноль означает значение из конфигурации
	RingTimeout time.Duration
	// SIPAccount индекс аккаунта, -1 означает первый настроенный
	SIPAccount              int
	WebhookAfterEstablished string
	Webhooks                map[string]string
}

// Hangup завершение звонка
type Hangup struct {
	Number string
}

// Answer ответ на входящий звонок с необязательным меню
type Answer struct {
	Number string
	Menu   *menu.Menu
}

// Transfer перевод звонка
type Transfer struct {
	Number     string
	TransferTo string
}

// BridgeAudio соединение аудио двух звонков. Любая сторона может быть "self".
type BridgeAudio struct {
	Number   string
	BridgeTo string
}

// SendDTMF отправка DTMF цифр
type SendDTMF struct {
	Number string
	Digits string
	Method DTMFMethod
}

// PlayAudioFile проигрывание файла
type PlayAudioFile struct {
	Number     string
	AudioFile  string
	CacheAudio bool
	Wait       bool
}

// PlayMessage синтез речи и проигрывание.
// Пустой Language означает язык из конфигурации.
type PlayMessage struct {
	Number     string
	Message    string
	Language   string
	CacheAudio bool
	Wait       bool
}

// StopPlayback остановка текущего проигрывания
type StopPlayback struct {
	Number string
}

// State вывод списка активных звонков
type State struct{}

// Quit завершение процесса
type Quit struct{}

func (CallService) Verb() Verb   { return VerbCallService }
func (Dial) Verb() Verb          { return VerbDial }
func (Hangup) Verb() Verb        { return VerbHangup }
func (Answer) Verb() Verb        { return VerbAnswer }
func (Transfer) Verb() Verb      { return VerbTransfer }
func (BridgeAudio) Verb() Verb   { return VerbBridgeAudio }
func (SendDTMF) Verb() Verb      { return VerbSendDTMF }
func (PlayAudioFile) Verb() Verb { return VerbPlayAudioFile }
func (PlayMessage) Verb() Verb   { return VerbPlayMessage }
func (StopPlayback) Verb() Verb  { return VerbStopPlayback }
func (State) Verb() Verb         { return VerbState }
func (Quit) Verb() Verb          { return VerbQuit }

func (CallService) isCommand()   {}
func (Dial) isCommand()          {}
func (Hangup) isCommand()        {}
func (Answer) isCommand()        {}
func (Transfer) isCommand()      {}
func (BridgeAudio) isCommand()   {}
func (SendDTMF) isCommand()      {}
func (PlayAudioFile) isCommand() {}
func (PlayMessage) isCommand()   {}
func (StopPlayback) isCommand()  {}
func (State) isCommand()         {}
func (Quit) isCommand()          {}

func (c Dial) Target() string          { return c.Number }
func (c Hangup) Target() string        { return c.Number }
func (c Answer) Target() string        { return c.Number }
func (c Transfer) Target() string      { return c.Number }
func (c BridgeAudio) Target() string   { return c.Number }
func (c SendDTMF) Target() string      { return c.Number }
func (c PlayAudioFile) Target() string { return c.Number }
func (c PlayMessage) Target() string   { return c.Number }
func (c StopPlayback) Target() string  { return c.Number }
