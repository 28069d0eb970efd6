package sipua

import "github.com/pkg/errors"

var (
	// ErrNotEstablished операция требует установленного звонка
	ErrNotEstablished = errors.New("call is not established")
	// ErrNotRinging ответить можно только на входящий звонок до ответа
	ErrNotRinging = errors.New("call is not ringing")
	// ErrClosed UA закрыт
	ErrClosed = errors.New("user agent closed")
	// ErrBridgeSelf мост звонка с самим собой
	ErrBridgeSelf = errors.New("cannot bridge call with itself")
	// ErrNoCommands обработчик действий меню не задан
	ErrNoCommands = errors.New("no command handler for menu actions")
)
