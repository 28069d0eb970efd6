package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession(Config{Host: "127.0.0.1", Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// connect выполняет offer/answer между двумя сессиями
func connect(t *testing.T, a, b *Session) {
	t.Helper()
	offer, err := a.Offer()
	require.NoError(t, err)
	answer, err := b.Answer(offer)
	require.NoError(t, err)
	require.NoError(t, a.ApplyAnswer(answer))
	a.Start()
	b.Start()
}

func rawOffer(port int, formats string, extra string) []byte {
	return []byte(fmt.Sprintf("v=0\r\n"+
		"o=- 1 1 IN IP4 127.0.0.1\r\n"+
		"s=peer\r\n"+
		"c=IN IP4 127.0.0.1\r\n"+
		"t=0 0\r\n"+
		"m=audio %d RTP/AVP %s\r\n%s", port, formats, extra))
}

func TestOfferAnswer(t *testing.T) {
	a := newTestSession(t)
	b := newTestSession(t)
	connect(t, a, b)

	assert.Equal(t, CodecPCMU, a.Codec())
	assert.Equal(t, CodecPCMU, b.Codec())
	assert.Equal(t, b.LocalAddr().Port, a.RemoteAddr().Port)
	assert.Equal(t, a.LocalAddr().Port, b.RemoteAddr().Port)
}

func TestAnswerPrefersOfferOrder(t *testing.T) {
	s := newTestSession(t)
	answer, err := s.Answer(rawOffer(40000, "8 0 101",
		"a=rtpmap:8 PCMA/8000\r\na=rtpmap:0 PCMU/8000\r\na=rtpmap:101 telephone-event/8000\r\n"))
	require.NoError(t, err)

	assert.Equal(t, CodecPCMA, s.Codec())
	assert.Contains(t, string(answer), "m=audio")
	assert.Contains(t, string(answer), "RTP/AVP 8 101")
	assert.Contains(t, string(answer), "a=rtpmap:101 telephone-event/8000")
	assert.Equal(t, 40000, s.RemoteAddr().Port)
}

func TestAnswerErrors(t *testing.T) {
	s := newTestSession(t)

	_, err := s.Answer(rawOffer(40000, "18", "a=rtpmap:18 G729/8000\r\n"))
	assert.ErrorIs(t, err, ErrNoCommonCodec)

	_, err = s.Answer([]byte("v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=x\r\nt=0 0\r\n"))
	assert.ErrorIs(t, err, ErrNoAudio)

	_, err = s.Answer([]byte("garbage"))
	assert.Error(t, err)
}

func TestSendDTMFRequiresTelephoneEvent(t *testing.T) {
	s := newTestSession(t)
	_, err := s.Answer(rawOffer(40000, "0", ""))
	require.NoError(t, err)

	assert.ErrorIs(t, s.SendDTMF(context.Background(), "1"), ErrDTMFNotNegotiated)
}

func TestDTMFBetweenSessions(t *testing.T) {
	a := newTestSession(t)
	b := newTestSession(t)

	got := make(chan DTMFDigit, 8)
	b.OnDTMF(func(d DTMFDigit) { got <- d })
	connect(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.SendDTMF(ctx, "1#"))

	var digits []DTMFDigit
	for len(digits) < 2 {
		select {
		case d := <-got:
			digits = append(digits, d)
		case <-ctx.Done():
			t.Fatalf("получено только %v", digits)
		}
	}
	assert.Equal(t, []DTMFDigit{DTMF1, DTMFPound}, digits)
}

func TestPlayWaitAndStop(t *testing.T) {
	a := newTestSession(t)
	b := newTestSession(t)
	connect(t, a, b)

	// 60 мс аудио
	p := a.Play(make([]int16, 480))
	require.NoError(t, a.Wait(context.Background()))
	select {
	case <-p.Done():
	default:
		t.Fatal("воспроизведение не завершено после Wait")
	}
	assert.False(t, a.Playing())

	// 10 секунд, прерывается StopPlayback
	long := a.Play(make([]int16, 10*SampleRate))
	assert.True(t, a.Playing())
	start := time.Now()
	a.StopPlayback()
	<-long.Done()
	assert.Less(t, time.Since(start), time.Second)

	// новое воспроизведение прерывает предыдущее
	first := a.Play(make([]int16, 10*SampleRate))
	second := a.Play(make([]int16, 160))
	<-first.Done()
	<-second.Done()
}

func TestWaitHonorsContext(t *testing.T) {
	a := newTestSession(t)
	a.Play(make([]int16, 10*SampleRate))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Wait(ctx), context.DeadlineExceeded)
}

func TestPlaySendsRTP(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	s := newTestSession(t)
	_, err = s.Answer(rawOffer(peer.LocalAddr().(*net.UDPAddr).Port, "0", ""))
	require.NoError(t, err)

	s.Play(make([]int16, 320))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))

	var seqs []uint16
	buf := make([]byte, 1500)
	for i := 0; i < 2; i++ {
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		assert.Equal(t, uint8(0), pkt.PayloadType)
		assert.Len(t, pkt.Payload, 160)
		assert.Equal(t, i == 0, pkt.Marker)
		seqs = append(seqs, pkt.SequenceNumber)
	}
	assert.Equal(t, seqs[0]+1, seqs[1])
}

func TestBridgeForwardsAudio(t *testing.T) {
	// caller <-> a ==мост== b <-> peer
	caller := newTestSession(t)
	a := newTestSession(t)
	connect(t, caller, a)

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	b := newTestSession(t)
	_, err = b.Answer(rawOffer(peer.LocalAddr().(*net.UDPAddr).Port, "8", ""))
	require.NoError(t, err)
	b.Start()

	a.Bridge(b)
	caller.Play(make([]int16, SampleRate))

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1500)
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	// PCMU от caller перекодирован в PCMA для peer
	assert.Equal(t, CodecPCMA.PayloadType, pkt.PayloadType)
	assert.Equal(t, b.ssrc, pkt.SSRC)

	a.Unbridge()
	b.mu.Lock()
	assert.Nil(t, b.peer)
	b.mu.Unlock()
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	s.Start()
	s.Play(make([]int16, 10*SampleRate))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()

	p := s.Play(make([]int16, 160))
	<-p.Done()
	assert.ErrorIs(t, s.writeRTP(0, false, 0, nil), ErrSessionClosed)
}
