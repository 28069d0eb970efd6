// Package router принимает команды и применяет их к звонкам.
//
// Router единственная точка входа для всех источников команд (MQTT, кнопка
// Home Assistant, меню звонка). Команда проверяется один раз при разборе,
// затем роутер проверяет состояние реестра и вызывает операцию звонка или
// сервис Home Assistant. Ошибки не выходят за пределы Dispatch: они пишутся
// в лог и в Reporter.
//
// Команды для одного номера сериализуются блокировкой по ключу, для разных
// номеров выполняются параллельно. Ожидание конца проигрывания выполняется
// после снятия блокировки, чтобы stop_playback для того же номера не ждал.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/arzzra/hasip/pkg/callstate"
	"github.com/arzzra/hasip/pkg/command"
)

// Outcome результат обработки команды
type Outcome struct {
	// Shutdown процесс должен завершиться (команда quit)
	Shutdown bool
}

// Router обработчик команд
type Router struct {
	registry Registry
	lines    Lines
	services ServiceCaller
	reporter Reporter
	metrics  Metrics
	locks    keyLock

	ringTimeout time.Duration
	ttsLanguage string
	log         *slog.Logger
}

// New создает роутер
func New(registry Registry, lines Lines, services ServiceCaller, opts ...Option) *Router {
	r := &Router{
		registry:    registry,
		lines:       lines,
		services:    services,
		reporter:    NopReporter{},
		metrics:     nopMetrics{},
		ringTimeout: DefaultRingTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("component", "router"))
	return r
}

// HandleRaw разбирает полезную нагрузку и обрабатывает команду.
// Ошибки разбора логируются и передаются в Reporter.
func (r *Router) HandleRaw(ctx context.Context, payload []byte, from Call) Outcome {
	cmd, err := command.Decode(payload)
	if err != nil {
		r.reject(r.log, err)
		return Outcome{}
	}
	return r.Dispatch(ctx, cmd, from)
}

// Dispatch обрабатывает команду. from звонок, из которого пришла команда
// (меню), или nil.
func (r *Router) Dispatch(ctx context.Context, cmd command.Command, from Call) Outcome {
	if cmd == nil {
		r.reject(r.log, command.ErrMalformedCommand)
		return Outcome{}
	}
	verb := cmd.Verb()
	log := r.log.With(
		slog.String("dispatch_id", uuid.NewString()),
		slog.String("verb", string(verb)),
	)

	switch c := cmd.(type) {
	case command.CallService:
		r.callService(ctx, log, c)
	case command.Dial:
		r.dial(ctx, log, c)
	case command.Hangup:
		log.Info(`Got "hangup" command`, slog.String("number", c.Number))
		r.withActive(log, verb, c.Number, func(call Call) error {
			return call.Hangup(ctx)
		})
	case command.Answer:
		log.Info(`Got "answer" command`, slog.String("number", c.Number))
		r.withActive(log, verb, c.Number, func(call Call) error {
			return call.Answer(ctx, c.Menu)
		})
	case command.Transfer:
		log.Info(`Got "transfer" command`, slog.String("number", c.Number), slog.String("transfer_to", c.TransferTo))
		r.withActive(log, verb, c.Number, func(call Call) error {
			return call.Transfer(ctx, c.TransferTo)
		})
	case command.BridgeAudio:
		r.bridge(ctx, log, c, from)
	case command.SendDTMF:
		log.Info(`Got "send_dtmf" command`, slog.String("number", c.Number), slog.String("method", string(c.Method)))
		r.withActive(log, verb, c.Number, func(call Call) error {
			return call.SendDTMF(ctx, c.Digits, c.Method)
		})
	case command.PlayAudioFile:
		log.Info(`Got "play_audio_file" command`, slog.String("number", c.Number), slog.String("audio_file", c.AudioFile))
		call, ok := r.withActive(log, verb, c.Number, func(call Call) error {
			return call.PlayAudioFile(ctx, c.AudioFile, c.CacheAudio)
		})
		if ok && c.Wait {
			r.waitPlayback(ctx, log, verb, c.Number, call)
		}
	case command.PlayMessage:
		lang := c.Language
		if lang == "" {
			lang = r.ttsLanguage
		}
		log.Info(`Got "play_message" command`, slog.String("number", c.Number), slog.String("language", lang))
		call, ok := r.withActive(log, verb, c.Number, func(call Call) error {
			return call.PlayMessage(ctx, c.Message, lang, c.CacheAudio)
		})
		if ok && c.Wait {
			r.waitPlayback(ctx, log, verb, c.Number, call)
		}
	case command.StopPlayback:
		log.Info(`Got "stop_playback" command`, slog.String("number", c.Number))
		r.withActive(log, verb, c.Number, func(call Call) error {
			return call.StopPlayback(ctx)
		})
	case command.State:
		r.registry.Output()
		r.reporter.Snapshot(r.registry.Snapshot())
		r.metrics.CommandDispatched(string(verb), ResultOK)
	case command.Quit:
		log.Info("Quit.")
		r.metrics.CommandDispatched(string(verb), ResultOK)
		return Outcome{Shutdown: true}
	default:
		r.reject(log, command.ErrUnknownVerb)
	}
	return Outcome{}
}

func (r *Router) callService(ctx context.Context, log *slog.Logger, c command.CallService) {
	log.Info("Calling home assistant service",
		slog.String("domain", c.Domain),
		slog.String("service", c.Service),
		slog.String("entity_id", c.EntityID))

	if err := r.services.CallService(ctx, c.Domain, c.Service, c.EntityID, c.ServiceData); err != nil {
		log.Error("Error calling home-assistant service", slog.Any("error", err))
		r.reporter.CollaboratorFailed(c.Verb(), c.EntityID, err)
		r.metrics.CommandDispatched(string(c.Verb()), ResultFailed)
		return
	}
	r.metrics.CommandDispatched(string(c.Verb()), ResultOK)
}

func (r *Router) dial(ctx context.Context, log *slog.Logger, c command.Dial) {
	verb := string(c.Verb())
	log.Info(`Got "dial" command`, slog.String("number", c.Number))

	unlock := r.locks.Lock(c.Number)
	defer unlock()

	if !r.registry.Reserve(c.Number) {
		log.Warn("call already in progress", slog.String("number", c.Number))
		r.reporter.AlreadyInProgress(c.Number)
		r.metrics.CommandDispatched(verb, ResultAlreadyInProgress)
		return
	}
	defer r.registry.Release(c.Number)

	line, ok := r.selectLine(c.SIPAccount)
	if !ok {
		err := errNoLines
		log.Error("Cannot dial", slog.String("number", c.Number), slog.Any("error", err))
		r.reporter.CollaboratorFailed(c.Verb(), c.Number, err)
		r.metrics.CommandDispatched(verb, ResultFailed)
		return
	}

	timeout := c.RingTimeout
	if timeout <= 0 {
		timeout = r.ringTimeout
	}
	err := line.Dial(ctx, DialRequest{
		Number:                  c.Number,
		Menu:                    c.Menu,
		RingTimeout:             timeout,
		WebhookAfterEstablished: c.WebhookAfterEstablished,
		Webhooks:                c.Webhooks,
	})
	if err != nil {
		r.failed(log, c.Verb(), c.Number, err)
		return
	}
	r.metrics.CommandDispatched(verb, ResultOK)
}

// selectLine линия по индексу sip_account, иначе первая
func (r *Router) selectLine(index int) (Line, bool) {
	if r.lines == nil {
		return nil, false
	}
	if index >= 0 {
		if line, ok := r.lines.Line(index); ok {
			return line, true
		}
	}
	return r.lines.First()
}

func (r *Router) bridge(ctx context.Context, log *slog.Logger, c command.BridgeAudio, from Call) {
	log.Info(`Got "bridge_audio" command`, slog.String("number", c.Number), slog.String("bridge_to", c.BridgeTo))

	var keys []string
	for _, id := range []string{c.Number, c.BridgeTo} {
		if id != callstate.Self {
			keys = append(keys, id)
		}
	}
	unlock := r.locks.Lock(keys...)
	defer unlock()

	one, ok := r.resolve(c.Number, from)
	if !ok {
		r.notInProgress(log, c.Verb(), c.Number)
		return
	}
	two, ok := r.resolve(c.BridgeTo, from)
	if !ok {
		r.notInProgress(log, c.Verb(), c.BridgeTo)
		return
	}
	if err := one.BridgeAudio(ctx, two); err != nil {
		r.failed(log, c.Verb(), c.Number, err)
		return
	}
	r.metrics.CommandDispatched(string(c.Verb()), ResultOK)
}

// resolve "self" означает звонок-источник команды, иначе поиск в реестре
func (r *Router) resolve(id string, from Call) (Call, bool) {
	if id == callstate.Self {
		return from, from != nil
	}
	return r.registry.Get(id)
}

// withActive выполняет op под блокировкой номера, если звонок активен
func (r *Router) withActive(log *slog.Logger, verb command.Verb, id string, op func(Call) error) (Call, bool) {
	unlock := r.locks.Lock(id)
	defer unlock()

	call, ok := r.registry.Get(id)
	if !ok {
		r.notInProgress(log, verb, id)
		return nil, false
	}
	if err := op(call); err != nil {
		r.failed(log, verb, id, err)
		return nil, false
	}
	r.metrics.CommandDispatched(string(verb), ResultOK)
	return call, true
}

func (r *Router) waitPlayback(ctx context.Context, log *slog.Logger, verb command.Verb, id string, call Call) {
	log.Debug("waiting for playback to finish", slog.String("number", id))
	if err := call.WaitPlayback(ctx); err != nil {
		log.Warn("playback wait interrupted", slog.String("number", id), slog.Any("error", err))
		r.reporter.CollaboratorFailed(verb, id, err)
	}
}

func (r *Router) notInProgress(log *slog.Logger, verb command.Verb, id string) {
	log.Warn("Warning: call not in progress", slog.String("number", id))
	r.registry.Output()
	r.reporter.NotInProgress(id, r.registry.Snapshot())
	r.metrics.CommandDispatched(string(verb), ResultNotInProgress)
}

func (r *Router) failed(log *slog.Logger, verb command.Verb, id string, err error) {
	log.Error("call operation failed", slog.String("number", id), slog.Any("error", err))
	r.reporter.CollaboratorFailed(verb, id, err)
	r.metrics.CommandDispatched(string(verb), ResultFailed)
}

func (r *Router) reject(log *slog.Logger, err error) {
	log.Error("Rejected command", slog.Any("error", err))
	r.reporter.Rejected(err)
	r.metrics.CommandDispatched(rejectedVerb(err), ResultRejected)
}
