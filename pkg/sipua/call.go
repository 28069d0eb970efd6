package sipua

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/hasip/pkg/audiocache"
	"github.com/arzzra/hasip/pkg/callstate"
	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/media"
	"github.com/arzzra/hasip/pkg/menu"
	"github.com/arzzra/hasip/pkg/router"
)

// Направление звонка
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Состояния звонка
const (
	stateRinging     = "ringing"
	stateCalling     = "calling"
	stateEstablished = "established"
	stateEnded       = "ended"
)

// Итог звонка для метрик
const (
	resultAnswered   = "answered"
	resultUnanswered = "unanswered"
	resultFailed     = "failed"
)

const hangupTimeout = 5 * time.Second

// dialogSession общая часть sipgo.DialogServerSession и sipgo.DialogClientSession
type dialogSession interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	Bye(ctx context.Context) error
	ReadBye(req *sip.Request, tx sip.ServerTransaction) error
	ReadRequest(req *sip.Request, tx sip.ServerTransaction) error
	Context() context.Context
	Close() error
}

// Call звонок одного SIP диалога. Реализует router.Call.
type Call struct {
	id        callstate.CallerID
	direction string
	account   *Account
	ua        *UA
	media     *media.Session
	log       *slog.Logger
	state     *fsm.FSM

	mu        sync.Mutex
	dialog    dialogSession
	server    *sipgo.DialogServerSession
	dialogIDs []string
	answerSDP []byte
	menu      *menuRunner
	webhooks  map[string]string
	// вебхук webhook_to_call_after_call_was_established
	establishedWebhook string
	ringCancel         context.CancelFunc
	ringTimedOut       bool
	wasEstablished     bool

	// answered закрывается после финального ответа на входящий INVITE
	answered     chan struct{}
	answeredOnce sync.Once

	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
}

var _ router.Call = (*Call)(nil)

func newCall(a *Account, id, direction string, sess *media.Session) *Call {
	ctx, cancel := context.WithCancel(a.ua.ctx)
	c := &Call{
		id:        id,
		direction: direction,
		account:   a,
		ua:        a.ua,
		media:     sess,
		answered:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		log: a.log.With(
			slog.String("caller_id", id),
			slog.String("direction", direction)),
	}

	initial := stateCalling
	if direction == DirectionIncoming {
		initial = stateRinging
	}
	c.state = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: "answer", Src: []string{stateRinging, stateCalling}, Dst: stateEstablished},
			{Name: "end", Src: []string{stateRinging, stateCalling, stateEstablished}, Dst: stateEnded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug("call state changed", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	sess.OnDTMF(func(d media.DTMFDigit) { c.onDigit(d) })
	a.ua.add(c)
	return c
}

// ID идентификатор звонка в реестре
func (c *Call) ID() string { return c.id }

// Direction направление звонка
func (c *Call) Direction() string { return c.direction }

// State текущее состояние звонка
func (c *Call) State() string { return c.state.Current() }

// Done закрывается после завершения звонка
func (c *Call) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Call) transition(event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Event(context.Background(), event)
}

func (c *Call) setDialog(d dialogSession, ids ...string) {
	c.mu.Lock()
	c.dialog = d
	c.dialogIDs = append(c.dialogIDs, ids...)
	c.mu.Unlock()
	for _, id := range ids {
		c.ua.track(id, c)
	}
}

func (c *Call) currentDialog() dialogSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialog
}

func (c *Call) markAnswered() {
	c.answeredOnce.Do(func() { close(c.answered) })
}

// watch завершает звонок вместе с SIP диалогом
func (c *Call) watch(d dialogSession) {
	select {
	case <-d.Context().Done():
		c.finish("dialog ended")
	case <-c.ctx.Done():
	}
}

// Answer отвечает на входящий звонок и запускает меню, если оно задано.
// Меню выполняется асинхронно.
func (c *Call) Answer(ctx context.Context, m *menu.Menu) error {
	if c.direction != DirectionIncoming || c.State() != stateRinging {
		return ErrNotRinging
	}
	c.mu.Lock()
	server, answer := c.server, c.answerSDP
	c.mu.Unlock()

	c.log.Info("Answering call")
	err := server.RespondSDP(answer)
	c.markAnswered()
	if err != nil {
		c.finish("answer failed")
		return errors.Wrap(err, "respond 200")
	}
	return c.established(m)
}

// established переводит звонок в разговор: медиа, вебхуки, меню
func (c *Call) established(m *menu.Menu) error {
	if err := c.transition("answer"); err != nil {
		return errors.Wrap(err, "call state")
	}
	c.mu.Lock()
	c.wasEstablished = true
	hook := c.establishedWebhook
	c.mu.Unlock()

	c.media.Start()
	c.log.Info("Call established")
	c.emit(EventCallEstablished, nil)
	if hook != "" {
		c.ua.triggerWebhook(hook, c.eventData(EventCallEstablished, nil), c.log)
	}

	if m != nil {
		runner := newMenuRunner(c, c.log.With(slog.String("component", "menu")))
		c.mu.Lock()
		c.menu = runner
		c.mu.Unlock()
		go runner.run(c.ctx, m)
	}
	return nil
}

// Hangup завершает звонок в любом состоянии:
// входящий до ответа отклоняется 486, исходящий до ответа отменяется CANCEL,
// установленный завершается BYE.
func (c *Call) Hangup(ctx context.Context) error {
	switch c.State() {
	case stateEnded:
		return nil

	case stateRinging:
		c.log.Info("Declining call")
		c.mu.Lock()
		server := c.server
		c.mu.Unlock()
		err := server.Respond(sip.StatusBusyHere, "Busy Here", nil)
		c.markAnswered()
		c.finish("declined")
		return errors.Wrap(err, "decline")

	case stateCalling:
		c.log.Info("Cancelling call")
		c.mu.Lock()
		cancel := c.ringCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil

	default:
		c.log.Info("Hanging up call")
		d := c.currentDialog()
		byeCtx, cancel := context.WithTimeout(ctx, hangupTimeout)
		defer cancel()
		err := d.Bye(byeCtx)
		c.finish("local hangup")
		return errors.Wrap(err, "bye")
	}
}

// Transfer переводит звонок через REFER
func (c *Call) Transfer(ctx context.Context, target string) error {
	d, err := c.requireEstablished()
	if err != nil {
		return err
	}
	uri, err := c.account.targetURI(target)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.REFER, c.remoteTarget())
	req.AppendHeader(sip.NewHeader("Refer-To", "<"+uri.String()+">"))
	req.AppendHeader(sip.NewHeader("Referred-By", "<"+c.account.idURI.String()+">"))

	c.log.Info("Transferring call", slog.String("transfer_to", uri.String()))
	res, err := d.Do(ctx, req)
	if err != nil {
		return errors.Wrap(err, "refer")
	}
	if res.StatusCode != sip.StatusAccepted && res.StatusCode != sip.StatusOK {
		return errors.Errorf("refer rejected: %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// SendDTMF отправляет цифры выбранным способом
func (c *Call) SendDTMF(ctx context.Context, digits string, method command.DTMFMethod) error {
	d, err := c.requireEstablished()
	if err != nil {
		return err
	}
	c.log.Info("Sending DTMF", slog.String("digits", digits), slog.String("method", string(method)))

	switch method {
	case command.DTMFRFC2833:
		return c.media.SendDTMF(ctx, digits)
	case command.DTMFSIPInfo:
		parsed, err := media.ParseDTMFString(digits)
		if err != nil {
			return err
		}
		for _, digit := range parsed {
			req := sip.NewRequest(sip.INFO, c.remoteTarget())
			req.AppendHeader(sip.NewHeader("Content-Type", contentTypeDTMFRelay))
			req.SetBody(dtmfRelayBody(digit))
			res, err := d.Do(ctx, req)
			if err != nil {
				return errors.Wrap(err, "info")
			}
			if !res.IsSuccess() {
				return errors.Errorf("info rejected: %d %s", res.StatusCode, res.Reason)
			}
		}
		return nil
	default:
		return c.media.PlayTones(ctx, digits)
	}
}

// PlayAudioFile начинает проигрывание WAV файла
func (c *Call) PlayAudioFile(ctx context.Context, file string, cache bool) error {
	if _, err := c.requireEstablished(); err != nil {
		return err
	}
	path, cleanup, err := c.ua.audioFile(file, cache)
	if err != nil {
		return err
	}
	defer cleanup()
	return c.play(path, map[string]any{"type": string(audiocache.KindAudioFile), "audio_file": file})
}

// PlayMessage синтезирует сообщение через Home Assistant и проигрывает его
func (c *Call) PlayMessage(ctx context.Context, message, language string, cache bool) error {
	if _, err := c.requireEstablished(); err != nil {
		return err
	}
	if language == "" {
		language = c.ua.opts.TTSLanguage
	}
	path, cleanup, err := c.ua.messageFile(ctx, message, language, cache)
	if err != nil {
		return err
	}
	defer cleanup()
	return c.play(path, map[string]any{"type": string(audiocache.KindMessage), "message": message})
}

func (c *Call) play(path string, info map[string]any) error {
	p, err := c.media.PlayFile(path)
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-p.Done():
			if c.State() == stateEstablished {
				c.emit(EventPlaybackDone, info)
			}
		case <-c.ctx.Done():
		}
	}()
	return nil
}

// WaitPlayback ждет окончания текущего проигрывания или звонка
func (c *Call) WaitPlayback(ctx context.Context) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	err := c.media.Wait(waitCtx)
	if c.ctx.Err() != nil {
		return nil
	}
	return err
}

// StopPlayback прерывает проигрывание
func (c *Call) StopPlayback(context.Context) error {
	c.media.StopPlayback()
	return nil
}

// BridgeAudio соединяет аудио с другим звонком этого UA
func (c *Call) BridgeAudio(_ context.Context, other router.Call) error {
	peer, ok := other.(*Call)
	if !ok {
		return errors.Errorf("cannot bridge with %T", other)
	}
	if peer == c {
		return ErrBridgeSelf
	}
	if _, err := c.requireEstablished(); err != nil {
		return err
	}
	if _, err := peer.requireEstablished(); err != nil {
		return errors.Wrap(err, "bridge target")
	}
	c.log.Info("Bridging audio", slog.String("bridge_to", peer.id))
	c.media.Bridge(peer.media)
	return nil
}

// runAction выполняет действие меню как команду с этим звонком в роли self
func (c *Call) runAction(ctx context.Context, a menu.Action) error {
	cmd, err := command.FromMap(a)
	if err != nil {
		return err
	}
	handler := c.ua.commandHandler()
	if handler == nil {
		return ErrNoCommands
	}
	c.log.Info("Running menu action", slog.String("command", string(cmd.Verb())))
	if out := handler.Dispatch(ctx, cmd, c); out.Shutdown {
		c.log.Info("Shutdown requested from menu")
		c.ua.requestShutdown()
	}
	return nil
}

func (c *Call) onDigit(d media.DTMFDigit) {
	c.log.Info("DTMF received", slog.String("digit", d.String()))
	if c.ua.opts.Metrics != nil {
		c.ua.opts.Metrics.DTMFReceived()
	}
	c.emit(EventDTMFDigit, map[string]any{"digit": d.String()})

	c.mu.Lock()
	runner := c.menu
	c.mu.Unlock()
	if runner != nil {
		runner.feed([]rune(d.String())[0])
	}
}

// emit вызывает вебхук события, если он настроен для звонка
func (c *Call) emit(event string, extra map[string]any) {
	c.mu.Lock()
	hook := c.webhooks[event]
	c.mu.Unlock()
	if hook == "" {
		return
	}
	c.ua.triggerWebhook(hook, c.eventData(event, extra), c.log)
}

func (c *Call) eventData(event string, extra map[string]any) map[string]any {
	data := map[string]any{
		"event":         event,
		"caller":        c.id,
		"parsed_caller": c.id,
		"sip_account":   c.account.cfg.Index,
		"direction":     c.direction,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func (c *Call) requireEstablished() (dialogSession, error) {
	if c.State() != stateEstablished {
		return nil, ErrNotEstablished
	}
	return c.currentDialog(), nil
}

// remoteTarget Contact собеседника для запросов внутри диалога
func (c *Call) remoteTarget() sip.Uri {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch d := c.dialog.(type) {
	case *sipgo.DialogServerSession:
		if h := d.InviteRequest.Contact(); h != nil {
			return h.Address
		}
		return d.InviteRequest.From().Address
	case *sipgo.DialogClientSession:
		if d.InviteResponse != nil {
			if h := d.InviteResponse.Contact(); h != nil {
				return h.Address
			}
		}
		return d.InviteRequest.Recipient
	}
	return sip.Uri{}
}

// finish освобождает ресурсы звонка и публикует HANGUP. Вызывается один раз.
func (c *Call) finish(reason string) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		if c.state.Can("end") {
			_ = c.state.Event(context.Background(), "end")
		}
		established := c.wasEstablished
		ringTimedOut := c.ringTimedOut
		ids := c.dialogIDs
		d := c.dialog
		c.mu.Unlock()

		c.markAnswered()
		c.media.Unbridge()
		_ = c.media.Close()
		for _, id := range ids {
			c.ua.untrack(id)
		}
		c.ua.remove(c)
		if d != nil {
			_ = d.Close()
		}

		c.log.Info("Call disconnected", slog.String("reason", reason))
		if ringTimedOut {
			c.emit(EventRingTimeout, nil)
		}
		c.emit(EventCallDisconnected, nil)

		result := resultUnanswered
		if established {
			result = resultAnswered
		} else if reason == "dial failed" {
			result = resultFailed
		}
		if c.ua.opts.Metrics != nil {
			c.ua.opts.Metrics.CallFinished(c.direction, result)
		}

		c.ua.opts.State.OnStateChange(callstate.Hangup, c.id, c)
		c.cancel()
	})
}

func removeQuietly(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
