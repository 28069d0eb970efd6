package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestWAV(t *testing.T, rate, bitDepth, channels int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, bitDepth, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func TestLoadWAVResamplesAndDownmixes(t *testing.T) {
	// 16 кГц стерео, 1 секунда: левый канал 1000, правый 3000
	data := make([]int, 16000*2)
	for i := 0; i < len(data); i += 2 {
		data[i] = 1000
		data[i+1] = 3000
	}
	path := writeTestWAV(t, 16000, 16, 2, data)

	pcm, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Len(t, pcm, SampleRate)
	assert.Equal(t, int16(2000), pcm[100])
}

func TestLoadWAV8Bit(t *testing.T) {
	path := writeTestWAV(t, 8000, 8, 1, []int{128, 255, 0, 128})

	pcm, err := LoadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 127 << 8, -128 << 8, 0}, pcm)
}

func TestLoadWAVInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("not a wav"), 0o644))

	_, err := LoadWAV(path)
	assert.ErrorIs(t, err, ErrUnsupportedAudio)

	_, err = LoadWAV(filepath.Join(t.TempDir(), "missing.wav"))
	assert.Error(t, err)
}

func TestConvertWAV(t *testing.T) {
	data := make([]int, 44100)
	for i := range data {
		data[i] = 500
	}
	src := writeTestWAV(t, 44100, 16, 1, data)
	dst := filepath.Join(t.TempDir(), "out.wav")

	require.NoError(t, ConvertWAV(src, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.Equal(t, uint32(SampleRate), dec.SampleRate)
	assert.Equal(t, uint16(1), dec.NumChans)
	assert.Equal(t, uint16(16), dec.BitDepth)
}

func TestResample(t *testing.T) {
	assert.Equal(t, []int16{0, 10, 20}, resample([]int16{0, 10, 20}, 8000, 8000))
	// за последним отсчетом значение удерживается, экстраполяции нет
	assert.Equal(t, []int16{0, 5, 10, 10}, resample([]int16{0, 10}, 4000, 8000))
	assert.Equal(t, []int16{0, 20}, resample([]int16{0, 10, 20, 30}, 16000, 8000))
	assert.Empty(t, resample(nil, 16000, 8000))
}
