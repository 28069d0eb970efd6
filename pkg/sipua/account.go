package sipua

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/hasip/pkg/callstate"
	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/config"
	"github.com/arzzra/hasip/pkg/menu"
	"github.com/arzzra/hasip/pkg/router"
)

const (
	registerTimeout  = 10 * time.Second
	registerRetry    = 30 * time.Second
	minRegisterEvery = 10 * time.Second
)

// Account SIP аккаунт: регистрация, исходящие и входящие звонки.
// Реализует router.Line.
type Account struct {
	cfg         config.Account
	ua          *UA
	log         *slog.Logger
	registrar   sip.Uri
	idURI       sip.Uri
	displayName string
	incoming    *menu.Menu
	dialogUA    *sipgo.DialogUA

	mu         sync.Mutex
	registered bool
}

var _ router.Line = (*Account)(nil)

func newAccount(ua *UA, cfg config.Account) (*Account, error) {
	a := &Account{
		cfg: cfg,
		ua:  ua,
		log: ua.log.With(slog.Int("sip_account", cfg.Index)),
	}

	registrar := cfg.RegistrarURI
	if !strings.HasPrefix(registrar, "sip:") && !strings.HasPrefix(registrar, "sips:") {
		registrar = "sip:" + registrar
	}
	if err := sip.ParseUri(registrar, &a.registrar); err != nil {
		return nil, errors.Wrapf(err, "SIP%d registrar uri", cfg.Index)
	}

	name, uri := splitNameAddr(cfg.IDURI)
	if err := sip.ParseUri(uri, &a.idURI); err != nil {
		return nil, errors.Wrapf(err, "SIP%d id uri", cfg.Index)
	}
	a.displayName = name
	a.dialogUA = &sipgo.DialogUA{
		Client:     ua.client,
		ContactHDR: ua.contact(a.idURI.User),
	}

	if cfg.IncomingCallFile != "" {
		m, err := menu.Load(cfg.IncomingCallFile)
		if err == nil {
			err = command.ValidateMenu(m)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "SIP%d incoming call file", cfg.Index)
		}
		a.incoming = m
	}
	return a, nil
}

// splitNameAddr разбирает `"Name" <sip:user@host>` на имя и URI
func splitNameAddr(s string) (string, string) {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "<")
	end := strings.LastIndex(s, ">")
	if open < 0 || end < open {
		return "", s
	}
	name := strings.Trim(strings.TrimSpace(s[:open]), `"`)
	return name, s[open+1 : end]
}

// Index номер аккаунта SIPn_
func (a *Account) Index() int { return a.cfg.Index }

// Registered успешна ли последняя регистрация
func (a *Account) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// targetURI строит URI вызываемого абонента: "sip:..." используется как есть,
// иначе номер набирается через хост регистратора.
func (a *Account) targetURI(number string) (sip.Uri, error) {
	var uri sip.Uri
	number = strings.TrimSpace(number)
	if number == "" {
		return uri, errors.New("empty target")
	}
	if strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		if err := sip.ParseUri(number, &uri); err != nil {
			return uri, errors.Wrapf(err, "target %q", number)
		}
		return uri, nil
	}
	uri = sip.Uri{
		Scheme:    "sip",
		User:      number,
		Host:      a.registrar.Host,
		Port:      a.registrar.Port,
		UriParams: sip.NewParams(),
		Headers:   sip.NewParams(),
	}
	return uri, nil
}

// Dial начинает исходящий звонок. Звонок регистрируется под номером
// до возврата, ожидание ответа идет в фоне.
func (a *Account) Dial(ctx context.Context, req router.DialRequest) error {
	if a.ua.ctx.Err() != nil {
		return ErrClosed
	}
	target, err := a.targetURI(req.Number)
	if err != nil {
		return err
	}
	sess, err := a.ua.newMedia()
	if err != nil {
		return err
	}
	offer, err := sess.Offer()
	if err != nil {
		_ = sess.Close()
		return err
	}

	call := newCall(a, req.Number, DirectionOutgoing, sess)
	call.webhooks = req.Webhooks
	call.establishedWebhook = req.WebhookAfterEstablished

	ringTimeout := req.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = a.ua.opts.RingTimeout
	}
	ringCtx, ringCancel := context.WithTimeout(call.ctx, ringTimeout)
	call.ringCancel = ringCancel

	invite := sip.NewRequest(sip.INVITE, target)
	from := &sip.FromHeader{
		DisplayName: a.displayName,
		Address:     a.idURI,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	invite.AppendHeader(from)
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	invite.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	invite.SetBody(offer)

	a.log.Info("Dialing", slog.String("number", req.Number), slog.String("uri", target.String()))
	a.ua.opts.State.OnStateChange(callstate.Call, call.id, call)

	dialog, err := a.dialogUA.WriteInvite(ctx, invite)
	if err != nil {
		ringCancel()
		call.finish("dial failed")
		return errors.Wrap(err, "invite")
	}
	call.mu.Lock()
	call.dialog = dialog
	call.mu.Unlock()

	go a.waitAnswer(ringCtx, ringCancel, call, dialog, req.Menu)
	return nil
}

func (a *Account) waitAnswer(ctx context.Context, cancel context.CancelFunc, call *Call, dialog *sipgo.DialogClientSession, m *menu.Menu) {
	defer cancel()

	err := dialog.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: a.authUser(),
		Password: a.cfg.Password,
		OnResponse: func(res *sip.Response) error {
			call.log.Debug("invite response", slog.Int("status", res.StatusCode), slog.String("reason", res.Reason))
			return nil
		},
	})
	if err != nil {
		var resErr *sipgo.ErrDialogResponse
		switch {
		case errors.As(err, &resErr):
			call.log.Info("Call rejected", slog.Int("status", resErr.Res.StatusCode), slog.String("reason", resErr.Res.Reason))
			call.finish("rejected")
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			call.log.Info("Ring timeout")
			call.mu.Lock()
			call.ringTimedOut = true
			call.mu.Unlock()
			call.finish("ring timeout")
		case ctx.Err() != nil:
			call.finish("cancelled")
		default:
			call.log.Error("waiting for answer failed", slog.Any("error", err))
			call.finish("dial failed")
		}
		return
	}

	if err := call.media.ApplyAnswer(dialog.InviteResponse.Body()); err != nil {
		call.log.Error("remote sdp rejected", slog.Any("error", err))
		_ = dialog.Ack(context.Background())
		_ = dialog.Bye(context.Background())
		call.finish("dial failed")
		return
	}
	if err := dialog.Ack(context.Background()); err != nil {
		call.log.Error("ack failed", slog.Any("error", err))
		call.finish("dial failed")
		return
	}

	call.setDialog(dialog, dialog.ID)
	go call.watch(dialog)
	if err := call.established(m); err != nil {
		call.log.Error("call could not be established", slog.Any("error", err))
	}
}

// handleInvite обрабатывает новый входящий INVITE.
// Возвращается после финального ответа или завершения звонка.
func (a *Account) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	dialog, err := a.dialogUA.ReadInvite(req, tx)
	if err != nil {
		a.log.Error("invite rejected", slog.Any("error", err))
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil)
		_ = tx.Respond(res)
		return
	}

	sess, err := a.ua.newMedia()
	if err != nil {
		a.log.Error("media session failed", slog.Any("error", err))
		_ = dialog.Respond(sip.StatusInternalServerError, "Server Error", nil)
		return
	}
	answer, err := sess.Answer(req.Body())
	if err != nil {
		a.log.Warn("no acceptable media", slog.Any("error", err))
		_ = sess.Close()
		_ = dialog.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		return
	}

	callerID := callerIDOf(req)
	call := newCall(a, callerID, DirectionIncoming, sess)
	call.server = dialog
	call.answerSDP = answer
	call.setDialog(dialog, dialog.ID)

	call.log.Info("Incoming call", slog.String("from", req.From().Address.String()))
	a.ua.opts.State.OnStateChange(callstate.Call, callerID, call)
	go call.watch(dialog)

	if err := dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		call.log.Error("ringing failed", slog.Any("error", err))
		call.finish("ringing failed")
		return
	}

	if a.cfg.AnswerMode == config.AnswerModeAccept {
		go a.autoAnswer(call)
	}

	select {
	case <-call.answered:
	case <-call.ctx.Done():
	}
}

// autoAnswer отвечает на звонок через settle time в режиме accept
func (a *Account) autoAnswer(call *Call) {
	t := time.NewTimer(a.cfg.SettleTime)
	defer t.Stop()
	select {
	case <-t.C:
	case <-call.ctx.Done():
		return
	}
	if call.State() != stateRinging {
		return
	}
	if err := call.Answer(call.ctx, a.incoming); err != nil {
		call.log.Error("auto answer failed", slog.Any("error", err))
	}
}

// callerIDOf идентификатор звонящего: user часть From, иначе хост
func callerIDOf(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return "unknown"
	}
	if from.Address.User != "" {
		return from.Address.User
	}
	return from.Address.Host
}

// registerLoop поддерживает регистрацию до отмены ctx
func (a *Account) registerLoop(ctx context.Context) {
	for {
		expiry, err := a.register(ctx, a.cfg.RegisterExpiry)
		next := registerRetry
		if err != nil {
			a.log.Error("registration failed", slog.Any("error", err))
		} else {
			next = expiry * 9 / 10
			if next < minRegisterEvery {
				next = minRegisterEvery
			}
		}
		a.setRegistered(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

func (a *Account) setRegistered(ok bool) {
	a.mu.Lock()
	changed := a.registered != ok
	a.registered = ok
	a.mu.Unlock()
	if changed && ok {
		a.log.Info("Registered", slog.String("registrar", a.registrar.String()))
	}
}

// register отправляет REGISTER и возвращает срок, выданный регистратором.
// expiry 0 снимает регистрацию.
func (a *Account) register(ctx context.Context, expiry time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: a.displayName,
		Address:     a.idURI,
		Params:      sip.NewParams().Add("tag", sip.GenerateTagN(16)),
	})
	req.AppendHeader(&sip.ToHeader{DisplayName: a.displayName, Address: a.idURI, Params: sip.NewParams()})
	contact := a.ua.contact(a.idURI.User)
	req.AppendHeader(&contact)
	seconds := int(expiry / time.Second)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(seconds)))

	client := a.ua.client
	res, err := client.Do(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, errors.Wrap(err, "register")
	}
	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		res, err = client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: a.authUser(),
			Password: a.cfg.Password,
		})
		if err != nil {
			return 0, errors.Wrap(err, "register digest")
		}
	}
	if !res.IsSuccess() {
		return 0, errors.Errorf("register rejected: %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil {
			granted = time.Duration(v) * time.Second
		}
	}
	return granted, nil
}

func (a *Account) authUser() string {
	if a.cfg.UserName != "" {
		return a.cfg.UserName
	}
	return a.idURI.User
}

// unregister снимает регистрацию при остановке
func (a *Account) unregister(ctx context.Context) {
	if !a.Registered() {
		return
	}
	if _, err := a.register(ctx, 0); err != nil {
		a.log.Warn("unregister failed", slog.Any("error", err))
		return
	}
	a.setRegistered(false)
	a.log.Info("Unregistered")
}
