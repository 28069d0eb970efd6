package media

import "github.com/pkg/errors"

var (
	// ErrNoCommonCodec в SDP нет ни PCMU, ни PCMA
	ErrNoCommonCodec = errors.New("no common audio codec")
	// ErrNoAudio в SDP нет аудио потока
	ErrNoAudio = errors.New("no audio media in session description")
	// ErrDTMFNotNegotiated собеседник не поддерживает telephone-event
	ErrDTMFNotNegotiated = errors.New("telephone-event not negotiated")
	// ErrSessionClosed сессия уже закрыта
	ErrSessionClosed = errors.New("media session closed")
	// ErrUnsupportedAudio WAV файл в неподдерживаемом формате
	ErrUnsupportedAudio = errors.New("unsupported audio file")
)
