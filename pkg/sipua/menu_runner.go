package sipua

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/arzzra/hasip/pkg/menu"
)

// menuHost операции звонка, которые нужны меню
type menuHost interface {
	PlayMessage(ctx context.Context, message, language string, cache bool) error
	PlayAudioFile(ctx context.Context, file string, cache bool) error
	WaitPlayback(ctx context.Context) error
	StopPlayback(ctx context.Context) error
	Hangup(ctx context.Context) error
	runAction(ctx context.Context, action menu.Action) error
	emit(event string, extra map[string]any)
}

// menuRunner проводит звонок по дереву меню.
// Цифры приходят через digits, run выполняется в отдельной горутине.
type menuRunner struct {
	host   menuHost
	digits chan rune
	log    *slog.Logger
}

func newMenuRunner(host menuHost, log *slog.Logger) *menuRunner {
	return &menuRunner{
		host:   host,
		digits: make(chan rune, 32),
		log:    log,
	}
}

// feed передает цифру меню, при переполнении цифра отбрасывается
func (r *menuRunner) feed(d rune) {
	select {
	case r.digits <- d:
	default:
		r.log.Warn("menu input overflow, digit dropped", slog.String("digit", string(d)))
	}
}

func (r *menuRunner) run(ctx context.Context, root *menu.Menu) {
	for m := root; m != nil; {
		m = r.step(ctx, m)
	}
	r.log.Debug("menu finished")
}

// enter проигрывает сообщение меню и вызывает его action
func (r *menuRunner) enter(ctx context.Context, m *menu.Menu) {
	_ = r.host.StopPlayback(ctx)
	r.log.Info("Entered menu", slog.String("menu_id", m.ID))
	r.host.emit(EventEnteredMenu, map[string]any{"menu_id": m.ID})

	var err error
	switch {
	case m.Message != "":
		err = r.host.PlayMessage(ctx, m.Message, m.Language, m.CacheAudio)
	case m.AudioFile != "":
		err = r.host.PlayAudioFile(ctx, m.AudioFile, m.CacheAudio)
	}
	if err != nil {
		r.log.Error("menu playback failed", slog.String("menu_id", m.ID), slog.Any("error", err))
	}

	if m.Action != nil {
		if err := r.host.runAction(ctx, m.Action); err != nil {
			r.log.Error("menu action failed", slog.String("menu_id", m.ID), slog.Any("error", err))
		}
	}
}

// step обрабатывает одно меню и возвращает следующее или nil
func (r *menuRunner) step(ctx context.Context, m *menu.Menu) *menu.Menu {
	r.enter(ctx, m)

	playDone := r.waitPlayback(ctx)
	var timeout <-chan time.Time
	if len(m.Choices) > 0 {
		t := time.NewTimer(m.Timeout())
		defer t.Stop()
		timeout = t.C
	}

	input := ""
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-playDone:
			playDone = nil
			next, done := r.postAction(ctx, m)
			if done {
				return next
			}
			if m.PostAction == menu.PostActionRepeatMessage {
				r.enter(ctx, m)
				playDone = r.waitPlayback(ctx)
			}
			if len(m.Choices) == 0 && playDone == nil {
				return nil
			}

		case d := <-r.digits:
			if m.WaitForAudioToFinish && playDone != nil {
				r.log.Debug("digit ignored while message is playing", slog.String("digit", string(d)))
				continue
			}
			if !m.HasChoices() {
				continue
			}
			input += string(d)
			next, complete := selectChoice(m, input)
			if !complete {
				continue
			}
			if next != nil {
				return next
			}
			r.log.Info("No matching choice", slog.String("menu_id", m.ID), slog.String("input", input))
			input = ""

		case <-timeout:
			r.log.Info("Menu timeout", slog.String("menu_id", m.ID))
			r.host.emit(EventTimeout, map[string]any{"menu_id": m.ID})
			if next, ok := m.OnTimeout(); ok {
				return next
			}
			if err := r.host.Hangup(ctx); err != nil {
				r.log.Error("hangup on menu timeout failed", slog.Any("error", err))
			}
			return nil
		}
	}
}

// postAction выполняется после окончания проигрывания меню.
// done=true означает переход к next (nil завершает меню).
func (r *menuRunner) postAction(ctx context.Context, m *menu.Menu) (*menu.Menu, bool) {
	if target, ok := m.JumpTarget(); ok {
		next, found := m.Root().Find(target)
		if !found {
			r.log.Error("jump target not found", slog.String("menu_id", m.ID), slog.String("target", target))
			return nil, false
		}
		return next, true
	}

	switch m.PostAction {
	case menu.PostActionHangup:
		if err := r.host.Hangup(ctx); err != nil {
			r.log.Error("post action hangup failed", slog.Any("error", err))
		}
		return nil, true
	case menu.PostActionReturn:
		if parent := m.Parent(); parent != nil {
			return parent, true
		}
		return m, true
	}
	return nil, false
}

func (r *menuRunner) waitPlayback(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.host.WaitPlayback(ctx)
	}()
	return done
}

// selectChoice сопоставляет накопленный ввод с выбором меню.
// complete=false означает, что нужно ждать следующую цифру.
// complete=true и next=nil означает, что ввод не подошел и default нет.
func selectChoice(m *menu.Menu, input string) (next *menu.Menu, complete bool) {
	if child, ok := m.Choices[input]; ok && input != menu.ChoiceDefault && input != menu.ChoiceTimeout {
		return child, true
	}

	if m.ChoicesArePin {
		if len(input) < m.MaxChoiceLength() {
			return nil, false
		}
	} else {
		for key := range m.Choices {
			if key != menu.ChoiceDefault && key != menu.ChoiceTimeout && strings.HasPrefix(key, input) {
				return nil, false
			}
		}
	}

	child, ok := m.Choose(input)
	if !ok {
		return nil, true
	}
	return child, true
}
