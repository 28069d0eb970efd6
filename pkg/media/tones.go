package media

import (
	"math"
	"time"
)

const (
	toneDuration = 160 * time.Millisecond
	toneGap      = 80 * time.Millisecond
	// амплитуда каждой из двух частот
	toneAmplitude = 0.35 * math.MaxInt16
)

// частоты DTMF: строка и столбец клавиатуры
var dtmfFrequencies = [16][2]float64{
	DTMF0:     {941, 1336},
	DTMF1:     {697, 1209},
	DTMF2:     {697, 1336},
	DTMF3:     {697, 1477},
	DTMF4:     {770, 1209},
	DTMF5:     {770, 1336},
	DTMF6:     {770, 1477},
	DTMF7:     {852, 1209},
	DTMF8:     {852, 1336},
	DTMF9:     {852, 1477},
	DTMFStar:  {941, 1209},
	DTMFPound: {941, 1477},
	DTMFA:     {697, 1633},
	DTMFB:     {770, 1633},
	DTMFC:     {852, 1633},
	DTMFD:     {941, 1633},
}

// Tone возвращает двухтональный сигнал цифры длительностью duration
func Tone(digit DTMFDigit, duration time.Duration) []int16 {
	n := int(duration.Seconds() * SampleRate)
	out := make([]int16, n)
	if int(digit) >= len(dtmfFrequencies) {
		return out
	}
	f := dtmfFrequencies[digit]
	for i := range out {
		t := float64(i) / SampleRate
		v := math.Sin(2*math.Pi*f[0]*t) + math.Sin(2*math.Pi*f[1]*t)
		out[i] = int16(v * toneAmplitude)
	}
	return out
}

// ToneSequence сигнал для строки цифр с паузами между ними
func ToneSequence(digits string) ([]int16, error) {
	parsed, err := ParseDTMFString(digits)
	if err != nil {
		return nil, err
	}
	gap := make([]int16, int(toneGap.Seconds()*SampleRate))
	var out []int16
	for _, d := range parsed {
		out = append(out, Tone(d, toneDuration)...)
		out = append(out, gap...)
	}
	return out, nil
}
