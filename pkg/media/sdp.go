package media

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// DefaultDTMFPayloadType payload type telephone-event в нашем offer
const DefaultDTMFPayloadType = 101

// negotiated результат разбора SDP собеседника
type negotiated struct {
	remote *net.UDPAddr
	codec  Codec
	dtmfPT uint8
	dtmfOK bool
}

// Offer формирует SDP offer сессии: PCMU, PCMA и telephone-event
func (s *Session) Offer() ([]byte, error) {
	desc := s.description(SupportedCodecs, DefaultDTMFPayloadType, true)
	return desc.Marshal()
}

// Answer разбирает offer собеседника, выбирает кодек и формирует answer.
// Адрес собеседника запоминается как адрес назначения RTP.
func (s *Session) Answer(offer []byte) ([]byte, error) {
	n, err := parseRemote(offer)
	if err != nil {
		return nil, err
	}
	s.apply(n)
	desc := s.description([]Codec{n.codec}, n.dtmfPT, n.dtmfOK)
	return desc.Marshal()
}

// ApplyAnswer применяет answer собеседника на наш offer
func (s *Session) ApplyAnswer(answer []byte) error {
	n, err := parseRemote(answer)
	if err != nil {
		return err
	}
	s.apply(n)
	return nil
}

func (s *Session) description(codecs []Codec, dtmfPT uint8, withDTMF bool) *sdp.SessionDescription {
	host := s.advertiseHost()
	now := uint64(time.Now().Unix())

	conn := &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &sdp.Address{Address: host},
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: s.LocalAddr().Port},
			Protos: []string{"RTP", "AVP"},
		},
		ConnectionInformation: conn,
	}
	for _, c := range codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, SampleRate)))
	}
	if withDTMF {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(dtmfPT)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/%d", dtmfPT, SampleRate)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmfPT)))
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("ptime", strconv.Itoa(int(s.cfg.Ptime/time.Millisecond))),
		sdp.NewPropertyAttribute("sendrecv"))

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName:           sdp.SessionName("hasip"),
		ConnectionInformation: conn,
		TimeDescriptions:      []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions:     []*sdp.MediaDescription{md},
	}
}

func parseRemote(raw []byte) (negotiated, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return negotiated{}, errors.Wrap(err, "parse sdp")
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return negotiated{}, ErrNoAudio
	}

	host := ""
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		host = audio.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		host = desc.ConnectionInformation.Address.Address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return negotiated{}, errors.Errorf("invalid connection address %q", host)
	}

	rtpmap := map[string]string{}
	for _, a := range audio.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, enc, ok := strings.Cut(a.Value, " ")
		if ok {
			rtpmap[pt] = strings.ToUpper(enc)
		}
	}

	n := negotiated{remote: &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value}}
	found := false
	for _, f := range audio.MediaName.Formats {
		if !found {
			if c, ok := matchCodec(f, rtpmap[f]); ok {
				n.codec = c
				found = true
				continue
			}
		}
		if strings.HasPrefix(rtpmap[f], "TELEPHONE-EVENT/") {
			pt, err := strconv.Atoi(f)
			if err == nil && pt >= 0 && pt < 128 && !n.dtmfOK {
				n.dtmfPT = uint8(pt)
				n.dtmfOK = true
			}
		}
	}
	if !found {
		return negotiated{}, ErrNoCommonCodec
	}
	return n, nil
}

// matchCodec сопоставляет формат статическому payload type или rtpmap
func matchCodec(format, encoding string) (Codec, bool) {
	for _, c := range SupportedCodecs {
		if encoding != "" {
			if strings.HasPrefix(encoding, c.Name+"/") {
				pt, err := strconv.Atoi(format)
				if err != nil {
					return Codec{}, false
				}
				return Codec{PayloadType: uint8(pt), Name: c.Name}, true
			}
			continue
		}
		if format == strconv.Itoa(int(c.PayloadType)) {
			return c, true
		}
	}
	return Codec{}, false
}

func (s *Session) advertiseHost() string {
	if s.cfg.AdvertiseHost != "" {
		return s.cfg.AdvertiseHost
	}
	if ip := s.LocalAddr().IP; ip != nil && !ip.IsUnspecified() {
		return ip.String()
	}
	return LocalIPv4()
}

// LocalIPv4 первый не loopback IPv4 адрес хоста
func LocalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					return v4.String()
				}
			}
		}
	}
	return "127.0.0.1"
}
