package sipua

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/hasip/pkg/audiocache"
	"github.com/arzzra/hasip/pkg/callstate"
	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/config"
	"github.com/arzzra/hasip/pkg/media"
	"github.com/arzzra/hasip/pkg/menu"
	"github.com/arzzra/hasip/pkg/router"
)

type webhookCall struct {
	ID   string
	Data map[string]any
}

// fakeHA Home Assistant в памяти: синтез пишет тишину в WAV
type fakeHA struct {
	mu          sync.Mutex
	dir         string
	webhooks    []webhookCall
	services    []string
	synthesized []string
}

func (h *fakeHA) CallService(_ context.Context, domain, service, entityID string, _ map[string]any) error {
	h.mu.Lock()
	h.services = append(h.services, domain+"."+service+":"+entityID)
	h.mu.Unlock()
	return nil
}

func (h *fakeHA) TriggerWebhook(_ context.Context, id string, data map[string]any) error {
	h.mu.Lock()
	h.webhooks = append(h.webhooks, webhookCall{ID: id, Data: data})
	h.mu.Unlock()
	return nil
}

func (h *fakeHA) Synthesize(_ context.Context, message, _ string) (string, error) {
	h.mu.Lock()
	h.synthesized = append(h.synthesized, message)
	n := len(h.synthesized)
	h.mu.Unlock()

	path := filepath.Join(h.dir, "tts-"+string(rune('a'+n))+".wav")
	return path, media.WriteWAV(path, make([]int16, media.SampleRate/10))
}

func (h *fakeHA) Services() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.services...)
}

func (h *fakeHA) Webhooks() []webhookCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]webhookCall(nil), h.webhooks...)
}

func (h *fakeHA) hasWebhook(id string) bool {
	for _, w := range h.Webhooks() {
		if w.ID == id {
			return true
		}
	}
	return false
}

func (h *fakeHA) Synthesized() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.synthesized)
}

type fakeMetrics struct {
	mu       sync.Mutex
	finished map[string]int
	dtmf     int
}

func (m *fakeMetrics) CallFinished(direction, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = make(map[string]int)
	}
	m.finished[direction+"/"+result]++
}

func (m *fakeMetrics) DTMFReceived() {
	m.mu.Lock()
	m.dtmf++
	m.mu.Unlock()
}

func (m *fakeMetrics) Finished(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished[key]
}

type CallSuite struct {
	suite.Suite
	ha       *fakeHA
	metrics  *fakeMetrics
	registry *callstate.Registry[router.Call]
	cacheDir string
	ua       *UA
}

func TestCallSuite(t *testing.T) {
	suite.Run(t, new(CallSuite))
}

func (s *CallSuite) SetupTest() {
	s.ha = &fakeHA{dir: s.T().TempDir()}
	s.metrics = &fakeMetrics{}
	s.registry = callstate.NewRegistry[router.Call](nil)
	s.cacheDir = s.T().TempDir()

	ua, err := New(Options{
		SIP: config.SIP{
			Transport:  "udp",
			ListenHost: "127.0.0.1",
			Port:       5060,
			UserAgent:  "hasip-test",
			MediaHost:  "127.0.0.1",
		},
		Accounts: []config.Account{{
			Index:        1,
			Enabled:      true,
			RegistrarURI: "sip:pbx.local:5070",
			IDURI:        `"Home" <sip:ha@pbx.local>`,
			AnswerMode:   config.AnswerModeListen,
		}},
		Cache:   audiocache.New(s.cacheDir, nil, nil),
		HA:      s.ha,
		State:   s.registry,
		Metrics: s.metrics,
	})
	s.Require().NoError(err)
	s.ua = ua
}

func (s *CallSuite) TearDownTest() {
	s.ua.cancel()
}

// outgoing звонок без SIP диалога, зарегистрированный в реестре
func (s *CallSuite) outgoing(id string, webhooks map[string]string) *Call {
	sess, err := s.ua.newMedia()
	s.Require().NoError(err)
	c := newCall(s.ua.accounts[0], id, DirectionOutgoing, sess)
	c.webhooks = webhooks
	s.registry.OnStateChange(callstate.Call, id, c)
	s.T().Cleanup(func() { c.finish("test cleanup") })
	return c
}

func (s *CallSuite) TestOperationsBeforeAnswer() {
	c := s.outgoing("5551234", nil)
	ctx := context.Background()

	s.Equal(stateCalling, c.State())
	s.ErrorIs(c.PlayMessage(ctx, "hello", "", false), ErrNotEstablished)
	s.ErrorIs(c.PlayAudioFile(ctx, "/tmp/none.wav", false), ErrNotEstablished)
	s.ErrorIs(c.SendDTMF(ctx, "12", command.DTMFRFC2833), ErrNotEstablished)
	s.ErrorIs(c.Transfer(ctx, "100"), ErrNotEstablished)
	s.ErrorIs(c.Answer(ctx, nil), ErrNotRinging)
	s.ErrorIs(c.BridgeAudio(ctx, c), ErrBridgeSelf)
}

func (s *CallSuite) TestHangupWhileCallingCancelsRing() {
	c := s.outgoing("5551234", nil)
	cancelled := make(chan struct{})
	c.ringCancel = func() { close(cancelled) }

	s.Require().NoError(c.Hangup(context.Background()))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		s.Fail("ring context was not cancelled")
	}
}

func (s *CallSuite) TestFinishPublishesHangupOnce() {
	c := s.outgoing("5551234", map[string]string{EventCallDisconnected: "wh-disconnected"})
	s.True(s.registry.IsActive("5551234"))

	c.finish("remote hangup")
	c.finish("remote hangup")

	s.False(s.registry.IsActive("5551234"))
	s.Equal(stateEnded, c.State())
	s.Equal(1, s.metrics.Finished("outgoing/unanswered"))
	select {
	case <-c.Done():
	default:
		s.Fail("call context must be done")
	}
	s.Eventually(func() bool { return s.ha.hasWebhook("wh-disconnected") }, time.Second, 5*time.Millisecond)
	s.NoError(c.Hangup(context.Background()), "повторный hangup безопасен")
}

func (s *CallSuite) TestEstablishedCall() {
	c := s.outgoing("5551234", map[string]string{
		EventCallEstablished: "wh-established",
		EventPlaybackDone:    "wh-playback",
		EventDTMFDigit:       "wh-dtmf",
	})
	c.establishedWebhook = "wh-after"
	s.Require().NoError(c.established(nil))
	s.Equal(stateEstablished, c.State())

	s.Eventually(func() bool {
		return s.ha.hasWebhook("wh-established") && s.ha.hasWebhook("wh-after")
	}, time.Second, 5*time.Millisecond)

	for _, w := range s.ha.Webhooks() {
		if w.ID == "wh-established" {
			s.Equal(EventCallEstablished, w.Data["event"])
			s.Equal("5551234", w.Data["caller"])
			s.Equal(1, w.Data["sip_account"])
		}
	}

	s.Run("DTMF уходит в вебхук и метрики", func() {
		c.onDigit(media.DTMF7)
		s.Eventually(func() bool { return s.ha.hasWebhook("wh-dtmf") }, time.Second, 5*time.Millisecond)
		s.Equal(1, s.metrics.dtmf)
	})

	s.Run("сообщение синтезируется один раз при кэшировании", func() {
		ctx := context.Background()
		s.Require().NoError(c.PlayMessage(ctx, "Hello there", "en", true))
		s.Require().NoError(c.WaitPlayback(ctx))
		s.FileExists(audiocache.Path(s.cacheDir, audiocache.KindMessage, "Hello there"))

		s.Require().NoError(c.PlayMessage(ctx, "Hello there", "en", true))
		s.Require().NoError(c.WaitPlayback(ctx))
		s.Equal(1, s.ha.Synthesized())
		s.Eventually(func() bool { return s.ha.hasWebhook("wh-playback") }, time.Second, 5*time.Millisecond)
	})

	s.Run("аудиофайл без кэша не оставляет временных файлов в кэше", func() {
		ctx := context.Background()
		src := filepath.Join(s.T().TempDir(), "door.wav")
		s.Require().NoError(media.WriteWAV(src, make([]int16, media.SampleRate/20)))

		s.Require().NoError(c.PlayAudioFile(ctx, src, false))
		s.Require().NoError(c.WaitPlayback(ctx))
		_, err := os.Stat(audiocache.Path(s.cacheDir, audiocache.KindAudioFile, src))
		s.True(os.IsNotExist(err))
	})

	s.Run("мост с другим установленным звонком", func() {
		other := s.outgoing("5559876", nil)
		s.ErrorIs(c.BridgeAudio(context.Background(), other), ErrNotEstablished)
		s.Require().NoError(other.established(nil))
		s.NoError(c.BridgeAudio(context.Background(), other))
	})

	c.finish("local hangup")
	s.Equal(2, s.metrics.Finished("outgoing/answered"), "звонок из подтеста завершен его Cleanup")
}

func (s *CallSuite) TestMenuActionsGoThroughRouter() {
	s.ua.SetCommands(router.New(s.registry, s.ua, s.ha))
	ctx := context.Background()

	c := s.outgoing("5551234", nil)
	other := s.outgoing("42", nil)
	s.Require().NoError(c.established(nil))
	s.Require().NoError(other.established(nil))

	s.Run("bridge_audio с self соединяет звонок меню", func() {
		err := c.runAction(ctx, menu.Action{"command": "bridge_audio", "number": "self", "bridge_to": "42"})
		s.Require().NoError(err)
		s.Same(other.media, c.media.Bridged())
		s.Same(c.media, other.media.Bridged())
	})

	s.Run("действие из меню звонка", func() {
		m, err := menu.Parse([]byte(`
id: main
action:
  command: bridge_audio
  number: self
  bridge_to: 42
`))
		s.Require().NoError(err)
		third := s.outgoing("5550000", nil)
		s.Require().NoError(third.established(m))
		s.Eventually(func() bool { return third.media.Bridged() == other.media }, time.Second, 5*time.Millisecond)
	})

	s.Run("действие без command вызывает сервис", func() {
		err := c.runAction(ctx, menu.Action{"domain": "switch", "service": "turn_on", "entity_id": "switch.door"})
		s.Require().NoError(err)
		s.Equal([]string{"switch.turn_on:switch.door"}, s.ha.Services())
	})

	s.Run("неверное действие возвращает ошибку", func() {
		s.ErrorIs(c.runAction(ctx, menu.Action{"command": "hangup"}), command.ErrValidation)
	})

	s.Run("quit из меню закрывает Shutdown", func() {
		s.Require().NoError(c.runAction(ctx, menu.Action{"command": "quit"}))
		select {
		case <-s.ua.Shutdown():
		default:
			s.Fail("shutdown channel must be closed")
		}
	})
}

func (s *CallSuite) TestMenuActionWithoutHandler() {
	c := s.outgoing("5551234", nil)
	s.ErrorIs(c.runAction(context.Background(), menu.Action{"command": "state"}), ErrNoCommands)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestLines(t *testing.T) {
	ua, err := New(Options{
		SIP: config.SIP{Transport: "udp", ListenHost: "127.0.0.1", Port: 5060},
		Accounts: []config.Account{
			{Index: 2, Enabled: true, RegistrarURI: "pbx.local", IDURI: "sip:two@pbx.local"},
			{Index: 3, Enabled: true, RegistrarURI: "pbx.local", IDURI: "sip:three@pbx.local"},
		},
		HA:    &fakeHA{},
		State: callstate.NewRegistry[router.Call](nil),
	})
	require.NoError(t, err)
	defer ua.cancel()

	first, ok := ua.First()
	require.True(t, ok)
	assert.Equal(t, 2, first.(*Account).Index())

	line, ok := ua.Line(3)
	require.True(t, ok)
	assert.Equal(t, 3, line.(*Account).Index())

	_, ok = ua.Line(1)
	assert.False(t, ok)
}
