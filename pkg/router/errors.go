package router

import (
	"errors"

	"github.com/arzzra/hasip/pkg/command"
)

var errNoLines = errors.New("no SIP account configured")

// rejectedVerb метка verb для отклоненной команды
func rejectedVerb(err error) string {
	var verr *command.ValidationError
	if errors.As(err, &verr) {
		return string(verr.Verb)
	}
	if errors.Is(err, command.ErrUnknownVerb) {
		return "unknown"
	}
	return "malformed"
}
