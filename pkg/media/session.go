package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

const (
	// DefaultPtime длительность одного RTP пакета
	DefaultPtime = 20 * time.Millisecond
	// DefaultDTMFDuration длительность RFC 4733 события
	DefaultDTMFDuration = 100 * time.Millisecond
	// пауза между событиями RFC 4733
	dtmfInterDigitGap = 60 * time.Millisecond
	// громкость события RFC 4733, -10 dBm
	dtmfVolume = 10

	maxPacketSize = 1500
)

// Config параметры медиа сессии
type Config struct {
	// Host адрес для bind, пустой означает все интерфейсы
	Host string
	// AdvertiseHost адрес в SDP, по умолчанию определяется автоматически
	AdvertiseHost string
	// DSCP маркировка исходящих RTP пакетов, 0 отключает
	DSCP  int
	Ptime time.Duration
	Log   *slog.Logger
}

// Session RTP сессия одного звонка
type Session struct {
	cfg  Config
	conn *net.UDPConn
	log  *slog.Logger
	ssrc uint32

	mu       sync.Mutex
	remote   *net.UDPAddr
	codec    Codec
	dtmfPT   uint8
	dtmfOK   bool
	playback *Playback
	peer     *Session
	onDTMF   func(DTMFDigit)
	started  bool
	closed   bool

	// writeMu сериализует запись пакетов и номера последовательности
	writeMu sync.Mutex
	seq     uint16
	tsBase  uint32
	epoch   time.Time

	dtmfIn  *DTMFReceiver
	dtmfOut *DTMFSender

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Playback воспроизведение, запущенное Play
type Playback struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Done закрывается по окончании или остановке воспроизведения
func (p *Playback) Done() <-chan struct{} { return p.done }

// Stop прерывает воспроизведение
func (p *Playback) Stop() { p.cancel() }

// NewSession открывает UDP сокет на случайном порту
func NewSession(cfg Config) (*Session, error) {
	if cfg.Ptime <= 0 {
		cfg.Ptime = DefaultPtime
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	addr := &net.UDPAddr{IP: net.ParseIP(cfg.Host)}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "listen rtp")
	}
	if raw, err := conn.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) {
			setVoiceSockOpts(int(fd), cfg.DSCP)
		})
	}

	s := &Session{
		cfg:     cfg,
		conn:    conn,
		ssrc:    randUint32(),
		seq:     uint16(randUint32()),
		tsBase:  randUint32(),
		epoch:   time.Now(),
		codec:   CodecPCMU,
		dtmfOut: NewDTMFSender(dtmfVolume),
		done:    make(chan struct{}),
	}
	s.log = cfg.Log.With(slog.String("component", "media"), slog.Int("rtp_port", s.LocalAddr().Port))
	return s, nil
}

// LocalAddr локальный адрес RTP сокета
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr адрес назначения RTP, nil до согласования
func (s *Session) RemoteAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Codec согласованный кодек
func (s *Session) Codec() Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

func (s *Session) apply(n negotiated) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = n.remote
	s.codec = n.codec
	s.dtmfPT = n.dtmfPT
	s.dtmfOK = n.dtmfOK
	if n.dtmfOK {
		s.dtmfIn = NewDTMFReceiver(n.dtmfPT)
		s.dtmfIn.SetCallback(s.emitDTMF)
	}
	s.log.Debug("media negotiated",
		slog.String("remote", n.remote.String()),
		slog.String("codec", n.codec.Name),
		slog.Bool("telephone_event", n.dtmfOK))
}

// OnDTMF устанавливает обработчик входящих RFC 4733 событий.
// Обработчик вызывается из цикла приема и не должен блокироваться.
func (s *Session) OnDTMF(fn func(DTMFDigit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDTMF = fn
}

func (s *Session) emitDTMF(d DTMFDigit) {
	s.mu.Lock()
	fn := s.onDTMF
	s.mu.Unlock()
	if fn != nil {
		fn(d)
	}
}

// Start запускает прием RTP. Повторный вызов ничего не делает.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.readLoop()
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Debug("rtp read failed", slog.Any("error", err))
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}

		s.mu.Lock()
		if s.remote == nil {
			s.remote = addr
		}
		codec, dtmfPT, dtmfOK := s.codec, s.dtmfPT, s.dtmfOK
		dtmfIn, peer := s.dtmfIn, s.peer
		s.mu.Unlock()

		switch {
		case dtmfOK && pkt.PayloadType == dtmfPT:
			if dtmfIn != nil {
				if _, err := dtmfIn.ProcessPacket(&pkt); err != nil {
					s.log.Debug("bad telephone-event packet", slog.Any("error", err))
				}
			}
		case pkt.PayloadType == codec.PayloadType && peer != nil:
			peer.forward(codec, pkt.Payload)
		}
	}
}

// forward отправляет аудио, принятое сессией-партнером по мосту
func (s *Session) forward(src Codec, payload []byte) {
	dst := s.Codec()
	if src.Name != dst.Name {
		payload = dst.Encode(src.Decode(payload))
	}
	if err := s.writeRTP(dst.PayloadType, false, s.clock(), payload); err != nil {
		s.log.Debug("bridge forward failed", slog.Any("error", err))
	}
}

// Play начинает воспроизведение отсчетов, прерывая текущее
func (s *Session) Play(samples []int16) *Playback {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Playback{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(p.done)
		return p
	}
	prev := s.playback
	s.playback = p
	// wg.Add под mu, чтобы не пересечься с Wait в Close
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
		<-prev.done
	}

	go s.runPlayback(ctx, p, samples)
	return p
}

// PlayFile воспроизводит WAV файл
func (s *Session) PlayFile(path string) (*Playback, error) {
	pcm, err := LoadWAV(path)
	if err != nil {
		return nil, err
	}
	return s.Play(pcm), nil
}

func (s *Session) runPlayback(ctx context.Context, p *Playback, samples []int16) {
	defer s.wg.Done()
	defer close(p.done)
	defer p.cancel()

	codec := s.Codec()
	frame := int(s.cfg.Ptime.Seconds() * SampleRate)
	ticker := time.NewTicker(s.cfg.Ptime)
	defer ticker.Stop()

	ts := s.clock()
	for i := 0; i < len(samples); i += frame {
		chunk := make([]int16, frame)
		copy(chunk, samples[i:])
		if err := s.writeRTP(codec.PayloadType, i == 0, ts, codec.Encode(chunk)); err != nil {
			s.log.Debug("rtp write failed", slog.Any("error", err))
		}
		ts += uint32(frame)

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// StopPlayback прерывает текущее воспроизведение
func (s *Session) StopPlayback() {
	s.mu.Lock()
	p := s.playback
	s.mu.Unlock()
	if p != nil {
		p.Stop()
		<-p.done
	}
}

// Wait ждет окончания текущего воспроизведения
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	p := s.playback
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Playing возвращает true пока идет воспроизведение
func (s *Session) Playing() bool {
	s.mu.Lock()
	p := s.playback
	s.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// SendDTMF отправляет цифры как RFC 4733 события
func (s *Session) SendDTMF(ctx context.Context, digits string) error {
	s.mu.Lock()
	pt, ok := s.dtmfPT, s.dtmfOK
	s.mu.Unlock()
	if !ok {
		return ErrDTMFNotNegotiated
	}
	parsed, err := ParseDTMFString(digits)
	if err != nil {
		return err
	}

	for _, d := range parsed {
		ts := s.clock()
		for _, f := range s.dtmfOut.frames(d, DefaultDTMFDuration, s.cfg.Ptime) {
			if err := s.writeRTP(pt, f.Marker, ts, f.Payload); err != nil {
				return errors.Wrap(err, "send telephone-event")
			}
			if !f.End {
				if err := s.sleep(ctx, s.cfg.Ptime); err != nil {
					return err
				}
			}
		}
		if err := s.sleep(ctx, dtmfInterDigitGap); err != nil {
			return err
		}
	}
	return nil
}

// PlayTones воспроизводит цифры тональным сигналом и ждет окончания
func (s *Session) PlayTones(ctx context.Context, digits string) error {
	pcm, err := ToneSequence(digits)
	if err != nil {
		return err
	}
	p := s.Play(pcm)
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

// Bridge соединяет аудио двух сессий в обе стороны
func (s *Session) Bridge(other *Session) {
	s.mu.Lock()
	s.peer = other
	s.mu.Unlock()

	other.mu.Lock()
	other.peer = s
	other.mu.Unlock()
}

// Bridged сессия на другой стороне моста или nil
func (s *Session) Bridged() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Unbridge разрывает мост, если он есть
func (s *Session) Unbridge() {
	s.mu.Lock()
	other := s.peer
	s.peer = nil
	s.mu.Unlock()

	if other != nil {
		other.mu.Lock()
		if other.peer == s {
			other.peer = nil
		}
		other.mu.Unlock()
	}
}

// Close останавливает воспроизведение, прием и закрывает сокет
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Unbridge()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Session) writeRTP(pt uint8, marker bool, ts uint32, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	remote := s.RemoteAddr()
	if remote == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: s.seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(data, remote)
	return err
}

// clock RTP timestamp по часам сессии
func (s *Session) clock() uint32 {
	return s.tsBase + uint32(time.Since(s.epoch).Milliseconds()*SampleRate/1000)
}

func (s *Session) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func randUint32() uint32 {
	var v uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}
