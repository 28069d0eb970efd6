package media

import (
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// SampleRate частота дискретизации G.711
const SampleRate = 8000

// LoadWAV читает PCM WAV файл и приводит его к 8 кГц моно 16 бит
func LoadWAV(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open audio file")
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.Wrapf(ErrUnsupportedAudio, "%s is not a valid wav file", path)
	}
	// 1 это PCM, 0xFFFE это WAVE_FORMAT_EXTENSIBLE
	if dec.WavAudioFormat != 1 && dec.WavAudioFormat != 0xFFFE {
		return nil, errors.Wrapf(ErrUnsupportedAudio, "%s: only PCM is supported, got format %d", path, dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "decode wav")
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 || buf.Format.SampleRate < 1 {
		return nil, errors.Wrapf(ErrUnsupportedAudio, "%s: missing format chunk", path)
	}

	mono := downmix(buf.Data, buf.Format.NumChannels, int(dec.BitDepth))
	return resample(mono, buf.Format.SampleRate, SampleRate), nil
}

// downmix усредняет каналы и приводит разрядность к 16 бит
func downmix(data []int, channels, bitDepth int) []int16 {
	frames := len(data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += to16(data[i*channels+c], bitDepth)
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func to16(v, bitDepth int) int {
	switch bitDepth {
	case 8:
		// 8-битный WAV беззнаковый
		return (v - 128) << 8
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

// resample линейная интерполяция from -> to
func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

// WriteWAV записывает 8 кГц моно 16-битный PCM WAV
func WriteWAV(path string, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create wav")
	}

	enc := wav.NewEncoder(f, SampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return errors.Wrap(err, "write wav")
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "finalize wav")
	}
	return f.Close()
}

// ConvertWAV приводит WAV файл src к формату звонка и сохраняет в dst
func ConvertWAV(src, dst string) error {
	pcm, err := LoadWAV(src)
	if err != nil {
		return err
	}
	return WriteWAV(dst, pcm)
}
