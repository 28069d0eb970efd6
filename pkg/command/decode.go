package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/hasip/pkg/menu"
)

// fields сырой JSON объект команды
type fields map[string]any

// Decode разбирает JSON объект в команду.
// Отсутствующее поле "command" означает call_service.
func Decode(data []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(ErrMalformedCommand, err.Error())
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedCommand, "not an object: %s", bytes.TrimSpace(data))
	}
	return FromMap(obj)
}

// FromMap строит команду из уже декодированного объекта
func FromMap(obj map[string]any) (Command, error) {
	f := fields(obj)

	verbRaw, present := f["command"]
	if !present || verbRaw == nil {
		return f.callService()
	}
	verb, ok := verbRaw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownVerb, verbRaw)
	}

	switch Verb(verb) {
	case VerbCallService:
		return f.callService()
	case VerbDial:
		return f.dial()
	case VerbHangup:
		n, err := f.number(VerbHangup)
		if err != nil {
			return nil, err
		}
		return Hangup{Number: n}, nil
	case VerbAnswer:
		n, err := f.number(VerbAnswer)
		if err != nil {
			return nil, err
		}
		m, err := f.menu(VerbAnswer)
		if err != nil {
			return nil, err
		}
		return Answer{Number: n, Menu: m}, nil
	case VerbTransfer:
		n, err := f.number(VerbTransfer)
		if err != nil {
			return nil, err
		}
		to := f.str("transfer_to")
		if to == "" {
			return nil, missing(VerbTransfer, "transfer_to")
		}
		return Transfer{Number: n, TransferTo: to}, nil
	case VerbBridgeAudio:
		n, err := f.number(VerbBridgeAudio)
		if err != nil {
			return nil, err
		}
		to := f.str("bridge_to")
		if to == "" {
			return nil, missing(VerbBridgeAudio, "bridge_to")
		}
		return BridgeAudio{Number: n, BridgeTo: to}, nil
	case VerbSendDTMF:
		return f.sendDTMF()
	case VerbPlayAudioFile:
		n, err := f.number(VerbPlayAudioFile)
		if err != nil {
			return nil, err
		}
		file := f.str("audio_file")
		if file == "" {
			return nil, missing(VerbPlayAudioFile, "audio_file")
		}
		return PlayAudioFile{
			Number:     n,
			AudioFile:  file,
			CacheAudio: f.boolean("cache_audio"),
			Wait:       f.boolean("wait_for_audio_to_finish"),
		}, nil
	case VerbPlayMessage:
		n, err := f.number(VerbPlayMessage)
		if err != nil {
			return nil, err
		}
		msg := f.str("message")
		if msg == "" {
			return nil, missing(VerbPlayMessage, "message")
		}
		return PlayMessage{
			Number:     n,
			Message:    msg,
			Language:   f.str("tts_language"),
			CacheAudio: f.boolean("cache_audio"),
			Wait:       f.boolean("wait_for_audio_to_finish"),
		}, nil
	case VerbStopPlayback:
		n, err := f.number(VerbStopPlayback)
		if err != nil {
			return nil, err
		}
		return StopPlayback{Number: n}, nil
	case VerbState:
		return State{}, nil
	case VerbQuit:
		return Quit{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}
}

func (f fields) callService() (Command, error) {
	c := CallService{
		Domain:   f.str("domain"),
		Service:  f.str("service"),
		EntityID: f.str("entity_id"),
	}
	if c.Domain == "" || c.Service == "" || c.EntityID == "" {
		return nil, invalid(VerbCallService, "domain, service, entity_id", "one of domain, service or entity_id was not provided")
	}
	if data, ok := f["service_data"].(map[string]any); ok {
		c.ServiceData = data
	}
	return c, nil
}

func (f fields) dial() (Command, error) {
	n, err := f.number(VerbDial)
	if err != nil {
		return nil, err
	}
	m, err := f.menu(VerbDial)
	if err != nil {
		return nil, err
	}
	c := Dial{
		Number:                  n,
		Menu:                    m,
		SIPAccount:              -1,
		WebhookAfterEstablished: f.str("webhook_to_call_after_call_was_established"),
		Webhooks:                f.stringMap("webhook_to_call"),
	}
	if seconds, ok := f.float("ring_timeout"); ok && seconds > 0 {
		c.RingTimeout = time.Duration(seconds * float64(time.Second))
	}
	if idx, ok := f.float("sip_account"); ok {
		c.SIPAccount = int(idx)
	}
	return c, nil
}

func (f fields) sendDTMF() (Command, error) {
	n, err := f.number(VerbSendDTMF)
	if err != nil {
		return nil, err
	}
	method, err := ParseDTMFMethod(f.str("method"))
	if err != nil {
		return nil, invalid(VerbSendDTMF, "method", err.Error())
	}
	digits := f.str("digits")
	if digits == "" {
		return nil, missing(VerbSendDTMF, "digits")
	}
	return SendDTMF{Number: n, Digits: digits, Method: method}, nil
}

// number приводит "number" к строке: допускаются строка и число
func (f fields) number(verb Verb) (string, error) {
	v, ok := f["number"]
	if !ok || v == nil {
		return "", missing(verb, "number")
	}
	s, ok := scalarString(v)
	if !ok {
		return "", invalid(verb, "number", "must be a string or a number")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", missing(verb, "number")
	}
	return s, nil
}

func (f fields) menu(verb Verb) (*menu.Menu, error) {
	raw, ok := f["menu"]
	if !ok || raw == nil {
		return nil, nil
	}
	m, err := menu.FromRaw(raw)
	if err != nil {
		return nil, invalid(verb, "menu", err.Error())
	}
	if err := ValidateMenu(m); err != nil {
		return nil, invalid(verb, "menu", err.Error())
	}
	return m, nil
}

// ValidateMenu проверяет, что действия всех узлов меню являются командами
func ValidateMenu(m *menu.Menu) error {
	if m == nil {
		return nil
	}
	if m.Action != nil {
		if _, err := FromMap(m.Action); err != nil {
			return errors.Wrapf(err, "menu %q action", m.ID)
		}
	}
	for _, child := range m.Choices {
		if err := ValidateMenu(child); err != nil {
			return err
		}
	}
	return nil
}

func (f fields) str(key string) string {
	s, _ := scalarString(f[key])
	return s
}

func (f fields) boolean(key string) bool {
	switch v := f[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		return v != ""
	case json.Number:
		n, err := v.Float64()
		return err == nil && n != 0
	case int:
		return v != 0
	default:
		return false
	}
}

func (f fields) float(key string) (float64, bool) {
	switch v := f[key].(type) {
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	case int:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func (f fields) stringMap(key string) map[string]string {
	obj, ok := f[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if s, ok := scalarString(v); ok && s != "" {
			out[k] = s
		}
	}
	return out
}

func scalarString(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case json.Number:
		return numberString(v), true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// maxExactFloat граница, до которой float64 хранит целые числа точно
const maxExactFloat = 1 << 53

// numberString приводит целое число в любой записи (1e3, 1000.0) к виду 1000,
// чтобы номер совпадал с ключом реестра
func numberString(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := n.Float64(); err == nil && f == math.Trunc(f) && math.Abs(f) <= maxExactFloat {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return n.String()
}
