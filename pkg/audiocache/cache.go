// Package audiocache кэширует аудиофайлы и синтезированные сообщения.
//
// Ключ кэша детерминирован: первые 10 hex символов SHA-1 от "kind|id",
// файл лежит в плоском каталоге как <ключ>.wav. Наличие файла является
// единственным признаком записи, манифеста нет. Записи не инвалидируются.
package audiocache

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Kind тип кэшируемого содержимого
type Kind string

const (
	KindAudioFile Kind = "audio_file"
	KindMessage   Kind = "message"
)

const keyLength = 10

// Observer получает результаты поиска в кэше
type Observer interface {
	CacheLookup(kind Kind, hit bool)
}

// Key вычисляет ключ кэша
func Key(kind Kind, contentID string) string {
	sum := sha1.Sum([]byte(string(kind) + "|" + contentID))
	return hex.EncodeToString(sum[:])[:keyLength]
}

// Path путь к файлу кэша в каталоге dir
func Path(dir string, kind Kind, contentID string) string {
	return filepath.Join(dir, Key(kind, contentID)+".wav")
}

// Lookup возвращает путь к кэшированному файлу, если он есть.
// Выключенный кэш не трогает диск и не пишет в лог.
func Lookup(log *slog.Logger, enabled bool, dir string, kind Kind, contentID string) (string, bool) {
	if !enabled {
		return "", false
	}
	if dir == "" {
		log.Warn("Caching enabled but no cache directory configured.")
		return "", false
	}
	path := Path(dir, kind, contentID)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		log.Info("Cache file not found", slog.String("file", path))
		return "", false
	}
	log.Info("Using cache from file", slog.String("file", path))
	return path, true
}

// Store копирует source в кэш. Ошибка копирования логируется и не возвращается.
func Store(log *slog.Logger, enabled bool, dir string, kind Kind, contentID, source string) {
	if !enabled {
		return
	}
	if dir == "" {
		log.Warn("Caching enabled but no cache directory configured.")
		return
	}
	path := Path(dir, kind, contentID)
	if err := copyFile(source, path); err != nil {
		log.Error("Could not create cache file", slog.String("file", path), slog.Any("error", err))
		return
	}
	log.Info("Created cache file", slog.String("file", path))
}

// copyFile пишет во временный файл рядом с целью и переименовывает,
// чтобы Lookup никогда не увидел недописанный файл.
func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), ".cache-*.wav")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return errors.Wrap(err, "copy")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmpName, target), "rename")
}

// Cache привязывает каталог, логгер и наблюдатель к функциям пакета
type Cache struct {
	dir      string
	log      *slog.Logger
	observer Observer
}

// New создает кэш в каталоге dir. Пустой dir допустим: каждый запрос
// с включенным кэшированием тогда пишет предупреждение.
func New(dir string, log *slog.Logger, observer Observer) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		dir:      dir,
		log:      log.With(slog.String("component", "audiocache")),
		observer: observer,
	}
}

// Dir каталог кэша
func (c *Cache) Dir() string {
	return c.dir
}

// Lookup см. пакетную функцию Lookup
func (c *Cache) Lookup(enabled bool, kind Kind, contentID string) (string, bool) {
	path, ok := Lookup(c.log, enabled, c.dir, kind, contentID)
	if enabled && c.observer != nil {
		c.observer.CacheLookup(kind, ok)
	}
	return path, ok
}

// Store см. пакетную функцию Store
func (c *Cache) Store(enabled bool, kind Kind, contentID, source string) {
	Store(c.log, enabled, c.dir, kind, contentID, source)
}
