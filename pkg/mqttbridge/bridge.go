// Package mqttbridge источник команд из MQTT и публикация состояния в
// Home Assistant.
//
// Bridge подписывается на топик команд, отдает каждое сообщение в роутер и
// публикует discovery конфигурацию кнопки и сенсора состояния звонков.
// Команда quit не останавливает процесс напрямую: Bridge закрывает канал
// Shutdown, а решение о завершении принимает вызывающий код.
package mqttbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/config"
	"github.com/arzzra/hasip/pkg/router"
)

const (
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250 // ms

	// SourceCommand сообщения из топика команд
	SourceCommand = "command"
	// SourceButton нажатие кнопки Home Assistant
	SourceButton = "button"
)

// Handler обработчик команд, см. router.Router
type Handler interface {
	HandleRaw(ctx context.Context, payload []byte, from router.Call) router.Outcome
	Dispatch(ctx context.Context, cmd command.Command, from router.Call) router.Outcome
}

// Metrics счетчик входящих сообщений
type Metrics interface {
	MessageReceived(source string)
}

// Option настройка Bridge
type Option func(*Bridge)

// WithLogger логгер моста
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics счетчики сообщений
func WithMetrics(m Metrics) Option {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithClient подменяет MQTT клиента (тесты)
func WithClient(c mqtt.Client) Option {
	return func(b *Bridge) { b.client = c }
}

// WithButtonDelay пауза между answer и hangup для кнопки
func WithButtonDelay(d time.Duration) Option {
	return func(b *Bridge) { b.buttonDelay = d }
}

// Bridge MQTT источник команд
type Bridge struct {
	cfg         config.Broker
	handler     Handler
	client      mqtt.Client
	metrics     Metrics
	log         *slog.Logger
	topics      topics
	buttonDelay time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once

	mu     sync.Mutex
	active int
}

// New создает мост. Соединение открывает Start.
func New(cfg config.Broker, handler Handler, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:         cfg,
		handler:     handler,
		metrics:     nopMetrics{},
		log:         slog.Default(),
		topics:      newTopics(cfg),
		buttonDelay: time.Second,
		ctx:         ctx,
		cancel:      cancel,
		shutdown:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(slog.String("component", "mqtt"))
	if b.client == nil {
		b.client = mqtt.NewClient(b.clientOptions())
	}
	return b
}

func (b *Bridge) clientOptions() *mqtt.ClientOptions {
	clientID := b.cfg.ClientID
	if clientID == "" {
		clientID = "hasip-" + uuid.NewString()[:8]
	}
	return mqtt.NewClientOptions().
		AddBroker(b.cfg.URL()).
		SetClientID(clientID).
		SetUsername(b.cfg.Username).
		SetPassword(b.cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false).
		SetWill(b.topics.availability, availabilityOffline, 1, true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Error("Lost connection to mqtt broker", slog.Any("error", err))
		})
}

// Start подключается к брокеру. Подписка и discovery выполняются в
// обработчике подключения, поэтому повторяются после переподключения.
func (b *Bridge) Start(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return errors.Errorf("connect %s: timeout", b.cfg.URL())
	case <-ctx.Done():
		return ctx.Err()
	}
	return errors.Wrapf(token.Error(), "connect %s", b.cfg.URL())
}

// Stop прекращает прием команд и отключается от брокера
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()
	if b.client.IsConnected() {
		b.client.Unsubscribe(b.topics.command, b.topics.buttonCommand).WaitTimeout(publishTimeout)
		b.publish(b.topics.availability, availabilityOffline)
		b.client.Disconnect(disconnectQuiet)
	}
	b.wg.Wait()
	b.log.Info("Disconnected from mqtt broker")
}

// Shutdown закрывается после команды quit
func (b *Bridge) Shutdown() <-chan struct{} {
	return b.shutdown
}

func (b *Bridge) onConnect(c mqtt.Client) {
	b.log.Info("Connected to mqtt broker", slog.String("broker", b.cfg.URL()))

	filters := map[string]byte{
		b.topics.command:       1,
		b.topics.buttonCommand: 1,
	}
	if t := c.SubscribeMultiple(filters, b.onMessage); t.WaitTimeout(publishTimeout) && t.Error() != nil {
		b.log.Error("subscribe failed", slog.Any("error", t.Error()))
	}
	b.publishDiscovery()

	b.mu.Lock()
	active := b.active
	b.mu.Unlock()
	b.PublishState(active)
}

// onMessage вызывается paho в отдельной горутине (OrderMatters=false)
func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	b.log.Debug("Received mqtt payload", slog.String("topic", msg.Topic()), slog.String("payload", string(msg.Payload())))

	if msg.Topic() == b.topics.buttonCommand {
		b.metrics.MessageReceived(SourceButton)
		b.pressButton()
		return
	}

	b.metrics.MessageReceived(SourceCommand)
	if out := b.handler.HandleRaw(b.ctx, msg.Payload(), nil); out.Shutdown {
		b.log.Info("Shutdown requested")
		// следующие сообщения отбрасываются проверкой ctx выше
		b.mu.Lock()
		b.cancel()
		b.mu.Unlock()
		b.once.Do(func() { close(b.shutdown) })
	}
}

// pressButton отвечает на звонок кнопки и кладет трубку через паузу
func (b *Bridge) pressButton() {
	b.handler.Dispatch(b.ctx, command.Answer{Number: ButtonNumber}, nil)
	select {
	case <-time.After(b.buttonDelay):
	case <-b.ctx.Done():
		return
	}
	b.handler.Dispatch(b.ctx, command.Hangup{Number: ButtonNumber}, nil)
}

// PublishState публикует состояние сенсора по количеству активных звонков.
// Подходит как наблюдатель callstate.Registry.OnChange.
func (b *Bridge) PublishState(active int) {
	b.mu.Lock()
	b.active = active
	b.mu.Unlock()

	if !b.client.IsConnected() {
		return
	}
	b.publish(b.topics.state, stateValue(active))
}

func (b *Bridge) publish(topic string, payload any) {
	t := b.client.Publish(topic, 1, true, payload)
	if !t.WaitTimeout(publishTimeout) {
		b.log.Warn("publish timeout", slog.String("topic", topic))
		return
	}
	if err := t.Error(); err != nil {
		b.log.Error("publish failed", slog.String("topic", topic), slog.Any("error", err))
	}
}

func stateValue(active int) string {
	if active > 0 {
		return StateActive
	}
	return StateIdle
}

type nopMetrics struct{}

func (nopMetrics) MessageReceived(string) {}
