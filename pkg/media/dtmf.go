package media

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// DTMFDigit DTMF событие согласно RFC 4733 (0-15)
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

// порядок символов совпадает с кодами событий RFC 4733
const dtmfSymbols = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if int(d) < len(dtmfSymbols) {
		return dtmfSymbols[d : d+1]
	}
	return "?"
}

// ParseDTMFDigit преобразует символ в событие
func ParseDTMFDigit(r rune) (DTMFDigit, error) {
	i := strings.IndexRune(dtmfSymbols, toUpperASCII(r))
	if i < 0 {
		return 0, fmt.Errorf("недопустимый DTMF символ: %c", r)
	}
	return DTMFDigit(i), nil
}

// ParseDTMFString преобразует строку в последовательность DTMF цифр
func ParseDTMFString(s string) ([]DTMFDigit, error) {
	digits := make([]DTMFDigit, 0, len(s))
	for _, r := range s {
		d, err := ParseDTMFDigit(r)
		if err != nil {
			return nil, err
		}
		digits = append(digits, d)
	}
	return digits, nil
}

func toUpperASCII(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// DTMFPayload payload события RFC 4733
type DTMFPayload struct {
	Event    uint8  // DTMF digit (0-15)
	EndFlag  bool   // End of event flag
	Volume   uint8  // Volume level (0-63, представляет -dBm)
	Duration uint16 // Duration in timestamp units
}

// Marshal сериализует payload согласно RFC 4733
func (p DTMFPayload) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = p.Event
	if p.EndFlag {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// UnmarshalDTMFPayload десериализует payload согласно RFC 4733
func UnmarshalDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < 4 {
		return DTMFPayload{}, fmt.Errorf("некорректный размер DTMF payload: %d", len(data))
	}
	return DTMFPayload{
		Event:    data[0],
		EndFlag:  data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// dtmfFrame один RTP пакет события
type dtmfFrame struct {
	Payload []byte
	Marker  bool
	End     bool
}

// DTMFSender формирует пакеты события: пакеты с растущей длительностью
// каждые ptime и три пакета с флагом End
type DTMFSender struct {
	volume uint8
}

// NewDTMFSender создает sender с уровнем -volume dBm
func NewDTMFSender(volume uint8) *DTMFSender {
	if volume > 63 {
		volume = 63
	}
	return &DTMFSender{volume: volume}
}

func (ds *DTMFSender) frames(digit DTMFDigit, duration, ptime time.Duration) []dtmfFrame {
	step := int(ptime.Seconds() * SampleRate)
	total := int(duration.Seconds() * SampleRate)
	if total < step {
		total = step
	}
	if total > 0xFFFF {
		total = 0xFFFF
	}

	var frames []dtmfFrame
	for elapsed := step; elapsed < total; elapsed += step {
		p := DTMFPayload{Event: uint8(digit), Volume: ds.volume, Duration: uint16(elapsed)}
		frames = append(frames, dtmfFrame{Payload: p.Marshal(), Marker: len(frames) == 0})
	}

	end := DTMFPayload{Event: uint8(digit), EndFlag: true, Volume: ds.volume, Duration: uint16(total)}
	for i := 0; i < 3; i++ {
		frames = append(frames, dtmfFrame{Payload: end.Marshal(), Marker: len(frames) == 0, End: true})
	}
	return frames
}

// DTMFReceiver принимает DTMF события
type DTMFReceiver struct {
	payloadType uint8

	mu            sync.Mutex
	onDTMF        func(DTMFDigit)
	lastTimestamp uint32
	seen          bool
}

// NewDTMFReceiver создает receiver для payload type события
func NewDTMFReceiver(payloadType uint8) *DTMFReceiver {
	return &DTMFReceiver{payloadType: payloadType}
}

// SetCallback устанавливает callback.
// Callback вызывается один раз на событие, по первому пакету.
func (dr *DTMFReceiver) SetCallback(callback func(DTMFDigit)) {
	dr.mu.Lock()
	dr.onDTMF = callback
	dr.mu.Unlock()
}

// ProcessPacket обрабатывает входящий RTP пакет на предмет DTMF.
// Событие определяется RTP timestamp, поэтому повторные пакеты и
// пакеты End одного события не дают повторного callback.
func (dr *DTMFReceiver) ProcessPacket(packet *rtp.Packet) (bool, error) {
	if packet.PayloadType != dr.payloadType {
		return false, nil
	}
	payload, err := UnmarshalDTMFPayload(packet.Payload)
	if err != nil {
		return false, err
	}
	if payload.Event > uint8(DTMFD) {
		return true, nil
	}

	dr.mu.Lock()
	if dr.seen && dr.lastTimestamp == packet.Timestamp {
		dr.mu.Unlock()
		return true, nil
	}
	dr.seen = true
	dr.lastTimestamp = packet.Timestamp
	callback := dr.onDTMF
	dr.mu.Unlock()

	if callback != nil {
		callback(DTMFDigit(payload.Event))
	}
	return true, nil
}
