package audiocache

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	hits, misses int
}

func (o *countingObserver) CacheLookup(_ Kind, hit bool) {
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.wav")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKey(t *testing.T) {
	t.Run("детерминированность", func(t *testing.T) {
		assert.Equal(t, Key(KindAudioFile, "a"), Key(KindAudioFile, "a"))
		assert.Len(t, Key(KindMessage, "hello"), 10)
	})

	t.Run("разные kind дают разные ключи", func(t *testing.T) {
		assert.NotEqual(t, Key(KindAudioFile, "a"), Key(KindMessage, "a"))
		assert.NotEqual(t, Key(KindMessage, "a"), Key(KindMessage, "b"))
	})

	t.Run("известное значение", func(t *testing.T) {
		// sha1("message|hello")
		assert.Equal(t, "22492a22f5", Key(KindMessage, "hello"))
	})

	t.Run("путь", func(t *testing.T) {
		p := Path("/cache", KindAudioFile, "/audio/a.wav")
		assert.Equal(t, "/cache", filepath.Dir(p))
		assert.Equal(t, Key(KindAudioFile, "/audio/a.wav")+".wav", filepath.Base(p))
	})
}

func TestStoreLookupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log := discardLogger()
	source := writeSource(t, "RIFF-fake-wave")

	_, ok := Lookup(log, true, dir, KindMessage, "Hello there")
	assert.False(t, ok, "свежий ключ отсутствует")

	Store(log, true, dir, KindMessage, "Hello there", source)

	path, ok := Lookup(log, true, dir, KindMessage, "Hello there")
	require.True(t, ok)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "RIFF-fake-wave", string(data))

	_, ok = Lookup(log, true, dir, KindAudioFile, "Hello there")
	assert.False(t, ok)
}

func TestDisabledCacheNeverTouchesStorage(t *testing.T) {
	buf := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(buf, nil))
	source := writeSource(t, "data")

	// несуществующий каталог не важен при выключенном кэше
	dir := filepath.Join(t.TempDir(), "does", "not", "exist")
	Store(log, false, dir, KindAudioFile, "x", source)
	_, ok := Lookup(log, false, dir, KindAudioFile, "x")
	assert.False(t, ok)
	assert.NoDirExists(t, dir)

	empty := t.TempDir()
	Store(log, false, empty, KindAudioFile, "x", source)
	entries, err := os.ReadDir(empty)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, buf.String())
}

func TestMissingDirectoryWarns(t *testing.T) {
	buf := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(buf, nil))

	_, ok := Lookup(log, true, "", KindMessage, "x")
	assert.False(t, ok)
	assert.Contains(t, buf.String(), "no cache directory configured")
	assert.Contains(t, buf.String(), "level=WARN")

	buf.Reset()
	Store(log, true, "", KindMessage, "x", "/nowhere")
	assert.Contains(t, buf.String(), "no cache directory configured")
}

func TestStoreFailureIsNotFatal(t *testing.T) {
	buf := &bytes.Buffer{}
	log := slog.New(slog.NewTextHandler(buf, nil))
	dir := t.TempDir()

	assert.NotPanics(t, func() {
		Store(log, true, dir, KindAudioFile, "x", filepath.Join(dir, "missing.wav"))
	})
	assert.Contains(t, buf.String(), "Could not create cache file")

	_, ok := Lookup(log, true, dir, KindAudioFile, "x")
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "временный файл удален")
}

func TestCache(t *testing.T) {
	obs := &countingObserver{}
	c := New(t.TempDir(), discardLogger(), obs)
	source := writeSource(t, "abc")

	_, ok := c.Lookup(true, KindAudioFile, "/a.wav")
	assert.False(t, ok)

	c.Store(true, KindAudioFile, "/a.wav", source)
	path, ok := c.Lookup(true, KindAudioFile, "/a.wav")
	require.True(t, ok)
	assert.Equal(t, Path(c.Dir(), KindAudioFile, "/a.wav"), path)

	_, _ = c.Lookup(false, KindAudioFile, "/a.wav")

	assert.Equal(t, 1, obs.hits)
	assert.Equal(t, 1, obs.misses)
}
