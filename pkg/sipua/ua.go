// Package sipua телефонный слой: SIP аккаунты, звонки, медиа и меню.
//
// UA владеет всеми звонками. Звонок регистрируется в реестре событием CALL
// при появлении и удаляется событием HANGUP ровно один раз при завершении.
// Команды приходят через router.Call и router.Line.
package sipua

import (
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/hasip/pkg/audiocache"
	"github.com/arzzra/hasip/pkg/callstate"
	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/config"
	"github.com/arzzra/hasip/pkg/media"
	"github.com/arzzra/hasip/pkg/router"
)

const (
	webhookTimeout = 10 * time.Second
	listenTimeout  = 5 * time.Second
)

// HomeAssistant операции Home Assistant, которые нужны звонкам
type HomeAssistant interface {
	TriggerWebhook(ctx context.Context, webhookID string, data map[string]any) error
	// Synthesize возвращает путь к временному WAV файлу с речью
	Synthesize(ctx context.Context, message, language string) (string, error)
}

// StateSink получатель событий CALL/HANGUP, см. callstate.Registry
type StateSink interface {
	OnStateChange(change callstate.StateChange, id callstate.CallerID, call router.Call)
}

// Metrics счетчики звонков
type Metrics interface {
	CallFinished(direction, result string)
	DTMFReceived()
}

// Commands обработчик команд из действий меню, см. router.Router.
// from звонок, в меню которого выполнено действие.
type Commands interface {
	Dispatch(ctx context.Context, cmd command.Command, from router.Call) router.Outcome
}

// Options параметры UA
type Options struct {
	SIP         config.SIP
	Accounts    []config.Account
	RingTimeout time.Duration
	TTSLanguage string
	Cache       *audiocache.Cache
	HA          HomeAssistant
	State       StateSink
	Metrics     Metrics
	// Commands может быть задан позже через SetCommands
	Commands Commands
	Log      *slog.Logger
}

// UA SIP user agent со всеми аккаунтами
type UA struct {
	opts     Options
	log      *slog.Logger
	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	host     string
	accounts []*Account

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex
	// calls звонки по ID диалога для запросов внутри диалога
	calls    map[string]*Call
	active   map[*Call]struct{}
	commands Commands

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

var _ router.Lines = (*UA)(nil)

// New создает UA и аккаунты. Сеть не используется до Start.
func New(opts Options) (*UA, error) {
	if opts.HA == nil || opts.State == nil {
		return nil, errors.New("sipua: HA and State are required")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	log := opts.Log.With(slog.String("component", "sipua"))
	if opts.Cache == nil {
		opts.Cache = audiocache.New("", log, nil)
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 300 * time.Second
	}

	host := opts.SIP.MediaHost
	if host == "" {
		host = opts.SIP.ListenHost
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = media.LocalIPv4()
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(opts.SIP.UserAgent),
		sipgo.WithUserAgentHostname(host),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sip user agent")
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(host),
		sipgo.WithClientLogger(log),
	)
	if err != nil {
		return nil, errors.Wrap(err, "sip client")
	}
	server, err := sipgo.NewServer(ua, sipgo.WithServerLogger(log))
	if err != nil {
		return nil, errors.Wrap(err, "sip server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &UA{
		opts:   opts,
		log:    log,
		ua:     ua,
		client: client,
		server: server,
		host:   host,
		ctx:    ctx,
		cancel: cancel,
		calls:    make(map[string]*Call),
		active:   make(map[*Call]struct{}),
		commands: opts.Commands,
		shutdown: make(chan struct{}),
	}
	for _, cfg := range opts.Accounts {
		if !cfg.Enabled {
			continue
		}
		a, err := newAccount(u, cfg)
		if err != nil {
			cancel()
			return nil, err
		}
		u.accounts = append(u.accounts, a)
	}

	server.OnInvite(u.onInvite)
	server.OnAck(u.onAck)
	server.OnBye(u.onBye)
	server.OnInfo(u.onInfo)
	server.OnNotify(u.onOK)
	server.OnOptions(u.onOK)
	return u, nil
}

// Start открывает SIP транспорт и запускает регистрацию аккаунтов.
// Возвращается после готовности транспорта.
func (u *UA) Start(ctx context.Context) error {
	addr := net.JoinHostPort(u.opts.SIP.ListenHost, strconv.Itoa(u.opts.SIP.Port))
	ready := make(chan struct{}, 1)
	listenCtx := context.WithValue(u.ctx, sipgo.ListenReadyCtxKey, sipgo.ListenReadyCtxValue(ready))

	errCh := make(chan error, 1)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if err := u.server.ListenAndServe(listenCtx, u.opts.SIP.Transport, addr); err != nil && u.ctx.Err() == nil {
			errCh <- err
		}
	}()

	select {
	case <-ready:
	case err := <-errCh:
		return errors.Wrapf(err, "listen %s/%s", u.opts.SIP.Transport, addr)
	case <-time.After(listenTimeout):
		return errors.Errorf("listen %s/%s: timeout", u.opts.SIP.Transport, addr)
	case <-ctx.Done():
		return ctx.Err()
	}
	u.log.Info("SIP transport ready", slog.String("transport", u.opts.SIP.Transport), slog.String("addr", addr))

	for _, a := range u.accounts {
		a := a
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			a.registerLoop(u.ctx)
		}()
	}
	return nil
}

// Close завершает все звонки, снимает регистрацию и закрывает транспорт
func (u *UA) Close(ctx context.Context) error {
	u.mu.RLock()
	calls := make([]*Call, 0, len(u.active))
	for c := range u.active {
		calls = append(calls, c)
	}
	u.mu.RUnlock()

	for _, c := range calls {
		if err := c.Hangup(ctx); err != nil {
			c.log.Warn("hangup on shutdown failed", slog.Any("error", err))
		}
	}
	for _, a := range u.accounts {
		a.unregister(ctx)
	}

	u.cancel()
	u.wg.Wait()
	_ = u.client.Close()
	return u.ua.Close()
}

// SetCommands задает обработчик действий меню. Роутер создается после UA,
// поэтому обработчик передается отдельно.
func (u *UA) SetCommands(c Commands) {
	u.mu.Lock()
	u.commands = c
	u.mu.Unlock()
}

func (u *UA) commandHandler() Commands {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.commands
}

// Shutdown закрывается после команды quit из действия меню
func (u *UA) Shutdown() <-chan struct{} {
	return u.shutdown
}

func (u *UA) requestShutdown() {
	u.shutdownOnce.Do(func() { close(u.shutdown) })
}

// Accounts настроенные аккаунты
func (u *UA) Accounts() []*Account { return u.accounts }

// Line аккаунт по номеру SIPn_
func (u *UA) Line(index int) (router.Line, bool) {
	for _, a := range u.accounts {
		if a.cfg.Index == index {
			return a, true
		}
	}
	return nil, false
}

// First первый включенный аккаунт
func (u *UA) First() (router.Line, bool) {
	if len(u.accounts) == 0 {
		return nil, false
	}
	return u.accounts[0], true
}

func (u *UA) contact(user string) sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      user,
			Host:      u.host,
			Port:      u.opts.SIP.Port,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
		Params: sip.NewParams(),
	}
}

func (u *UA) newMedia() (*media.Session, error) {
	listen := u.opts.SIP.ListenHost
	if ip := net.ParseIP(listen); ip != nil && ip.IsUnspecified() {
		listen = ""
	}
	return media.NewSession(media.Config{
		Host:          listen,
		AdvertiseHost: u.host,
		DSCP:          u.opts.SIP.RTPDSCP,
		Log:           u.log,
	})
}

func (u *UA) add(c *Call) {
	u.mu.Lock()
	u.active[c] = struct{}{}
	u.mu.Unlock()
}

func (u *UA) remove(c *Call) {
	u.mu.Lock()
	delete(u.active, c)
	u.mu.Unlock()
}

func (u *UA) track(dialogID string, c *Call) {
	u.mu.Lock()
	u.calls[dialogID] = c
	u.mu.Unlock()
}

func (u *UA) untrack(dialogID string) {
	u.mu.Lock()
	delete(u.calls, dialogID)
	u.mu.Unlock()
}

// lookup находит звонок по запросу внутри диалога для обеих ролей
func (u *UA) lookup(req *sip.Request) (*Call, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if id, err := sip.UASReadRequestDialogID(req); err == nil {
		if c, ok := u.calls[id]; ok {
			return c, true
		}
	}
	if id, err := sip.UACReadRequestDialogID(req); err == nil {
		if c, ok := u.calls[id]; ok {
			return c, true
		}
	}
	return nil, false
}

// accountFor выбирает аккаунт входящего звонка по user части Request-URI
func (u *UA) accountFor(req *sip.Request) (*Account, bool) {
	for _, a := range u.accounts {
		if a.idURI.User == req.Recipient.User {
			return a, true
		}
	}
	if len(u.accounts) == 0 {
		return nil, false
	}
	return u.accounts[0], true
}

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			u.onReInvite(req, tx)
			return
		}
	}
	if len(u.accounts) == 0 {
		respond(tx, req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		return
	}
	a, _ := u.accountFor(req)
	a.handleInvite(req, tx)
}

// onReInvite подтверждает смену медиа параметров внутри диалога
func (u *UA) onReInvite(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := u.lookup(req)
	if !ok {
		respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	answer, err := c.media.Answer(req.Body())
	if err != nil {
		c.log.Warn("re-invite rejected", slog.Any("error", err))
		respond(tx, req, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}
	res := sip.NewSDPResponseFromRequest(req, answer)
	contact := u.contact(c.account.idURI.User)
	res.AppendHeader(&contact)
	if err := tx.Respond(res); err != nil {
		c.log.Error("re-invite response failed", slog.Any("error", err))
	}
}

func (u *UA) onAck(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := u.lookup(req)
	if !ok {
		return
	}
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	if server != nil {
		if err := server.ReadAck(req, tx); err != nil {
			c.log.Debug("ack ignored", slog.Any("error", err))
		}
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := u.lookup(req)
	if !ok {
		respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	if err := c.currentDialog().ReadBye(req, tx); err != nil {
		c.log.Warn("bye rejected", slog.Any("error", err))
		return
	}
	c.finish("remote hangup")
}

// onInfo принимает DTMF через SIP INFO
func (u *UA) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	c, ok := u.lookup(req)
	if !ok {
		respond(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	if err := c.currentDialog().ReadRequest(req, tx); err != nil {
		c.log.Warn("info rejected", slog.Any("error", err))
		respond(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}
	respond(tx, req, sip.StatusOK, "OK")

	contentType := ""
	if h := req.ContentType(); h != nil {
		contentType = h.Value()
	}
	if d, ok := parseDTMFInfo(contentType, req.Body()); ok {
		c.onDigit(d)
	}
}

func (u *UA) onOK(req *sip.Request, tx sip.ServerTransaction) {
	respond(tx, req, sip.StatusOK, "OK")
}

func respond(tx sip.ServerTransaction, req *sip.Request, code int, reason string) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
}

// triggerWebhook вызывает вебхук асинхронно, ошибка только логируется
func (u *UA) triggerWebhook(hook string, data map[string]any, log *slog.Logger) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		log.Info("Calling webhook", slog.String("webhook_id", hook), slog.Any("event", data["event"]))
		if err := u.opts.HA.TriggerWebhook(ctx, hook, data); err != nil {
			log.Error("webhook failed", slog.String("webhook_id", hook), slog.Any("error", err))
		}
	}()
}

// audioFile готовит WAV файл к проигрыванию: из кэша или конвертацией.
// cleanup удаляет временный файл.
func (u *UA) audioFile(file string, cache bool) (string, func(), error) {
	if path, ok := u.opts.Cache.Lookup(cache, audiocache.KindAudioFile, file); ok {
		return path, func() {}, nil
	}
	tmp, err := u.convert(file)
	if err != nil {
		return "", nil, err
	}
	u.opts.Cache.Store(cache, audiocache.KindAudioFile, file, tmp)
	return tmp, func() { removeQuietly(tmp) }, nil
}

// messageFile синтезирует сообщение через Home Assistant или берет его из кэша
func (u *UA) messageFile(ctx context.Context, message, language string, cache bool) (string, func(), error) {
	if path, ok := u.opts.Cache.Lookup(cache, audiocache.KindMessage, message); ok {
		return path, func() {}, nil
	}
	synthesized, err := u.opts.HA.Synthesize(ctx, message, language)
	if err != nil {
		return "", nil, errors.Wrap(err, "tts")
	}
	defer removeQuietly(synthesized)

	tmp, err := u.convert(synthesized)
	if err != nil {
		return "", nil, err
	}
	u.opts.Cache.Store(cache, audiocache.KindMessage, message, tmp)
	return tmp, func() { removeQuietly(tmp) }, nil
}

// convert приводит WAV к 8 кГц mono 16 бит во временный файл
func (u *UA) convert(src string) (string, error) {
	f, err := os.CreateTemp("", "hasip-*.wav")
	if err != nil {
		return "", errors.Wrap(err, "temp file")
	}
	tmp := f.Name()
	_ = f.Close()
	if err := media.ConvertWAV(src, tmp); err != nil {
		removeQuietly(tmp)
		return "", errors.Wrapf(err, "convert %s", src)
	}
	return tmp, nil
}
