package media

// Codec аудио кодек RTP с частотой 8 кГц
type Codec struct {
	PayloadType uint8
	Name        string
}

var (
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU"}
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA"}
)

// SupportedCodecs кодеки в порядке предпочтения
var SupportedCodecs = []Codec{CodecPCMU, CodecPCMA}

// Encode кодирует 16-битные отсчеты
func (c Codec) Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		if c.Name == CodecPCMA.Name {
			out[i] = linearToALaw(s)
		} else {
			out[i] = linearToULaw(s)
		}
	}
	return out
}

// Decode декодирует payload в 16-битные отсчеты
func (c Codec) Decode(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		if c.Name == CodecPCMA.Name {
			out[i] = aLawToLinear(b)
		} else {
			out[i] = uLawToLinear(b)
		}
	}
	return out
}

const (
	uLawBias = 0x84
	uLawClip = 32635
)

// linearToULaw G.711 μ-law
func linearToULaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > uLawClip {
		s = uLawClip
	}
	s += uLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func uLawToLinear(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	s := ((mantissa << 3) + uLawBias) << exponent
	s -= uLawBias
	if sign != 0 {
		return int16(-s)
	}
	return int16(s)
}

// linearToALaw G.711 A-law
func linearToALaw(sample int16) byte {
	s := int(sample) >> 3
	sign := 0x80
	if s < 0 {
		s = -s - 1
		sign = 0
	}
	var out int
	if s < 32 {
		out = s >> 1
	} else {
		exponent := 1
		for v := s >> 5; v > 1 && exponent < 7; v >>= 1 {
			exponent++
		}
		if s >= 4096 {
			exponent = 7
			s = 4095
		}
		out = exponent<<4 | (s>>exponent)&0x0F
	}
	return byte(out|sign) ^ 0x55
}

func aLawToLinear(b byte) int16 {
	b ^= 0x55
	sign := b & 0x80
	exponent := int(b>>4) & 0x07
	mantissa := int(b & 0x0F)
	var s int
	if exponent == 0 {
		s = mantissa<<4 + 8
	} else {
		s = (mantissa<<4 + 0x108) << (exponent - 1)
	}
	if sign == 0 {
		return int16(-s)
	}
	return int16(s)
}
