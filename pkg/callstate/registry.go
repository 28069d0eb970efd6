// Package callstate хранит реестр активных звонков.
//
// Реестр изменяется из двух независимых источников: колбэки телефонии
// (CALL/HANGUP) и обработчик команд (резервирование номера при dial).
// Все операции защищены одним RWMutex, карта наружу не отдается.
package callstate

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// CallerID идентификатор линии: номер телефона или литерал "self"
type CallerID = string

// Self ссылается на звонок, из которого пришла команда
const Self CallerID = "self"

// ErrCallNotFound звонок с указанным идентификатором не активен
var ErrCallNotFound = errors.New("call not found")

// Registry реестр активных звонков CallerID -> C
type Registry[C any] struct {
	mu      sync.RWMutex
	calls   map[CallerID]C
	pending map[CallerID]struct{}

	observers []func(active int)
	log       *slog.Logger
}

// NewRegistry создает пустой реестр
func NewRegistry[C any](log *slog.Logger) *Registry[C] {
	if log == nil {
		log = slog.Default()
	}
	return &Registry[C]{
		calls:   make(map[CallerID]C),
		pending: make(map[CallerID]struct{}),
		log:     log.With(slog.String("component", "callstate")),
	}
}

// OnStateChange применяет событие телефонии.
// Call вставляет (перезаписывает) запись, Hangup удаляет ее.
// Hangup для отсутствующего ключа логируется как нарушение инварианта.
func (r *Registry[C]) OnStateChange(change StateChange, id CallerID, call C) {
	r.mu.Lock()
	switch change {
	case Call:
		r.calls[id] = call
		delete(r.pending, id)
	case Hangup:
		if _, ok := r.calls[id]; !ok {
			r.mu.Unlock()
			r.log.Error("hangup for unregistered call",
				slog.String("caller_id", id),
				slog.String("violation", "registry invariant"))
			return
		}
		delete(r.calls, id)
	default:
		r.mu.Unlock()
		r.log.Error("unknown state change", slog.Int("change", int(change)), slog.String("caller_id", id))
		return
	}
	active := len(r.calls)
	observers := r.observers
	r.mu.Unlock()

	msg := "Add to state"
	if change == Hangup {
		msg = "Remove from state"
	}
	r.log.Info(msg, slog.String("caller_id", id), slog.Int("active", active))

	for _, fn := range observers {
		fn(active)
	}
}

// IsActive проверяет наличие активного звонка
func (r *Registry[C]) IsActive(id CallerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.calls[id]
	return ok
}

// Get возвращает звонок или нулевое значение и false
func (r *Registry[C]) Get(id CallerID) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	call, ok := r.calls[id]
	return call, ok
}

// MustGet возвращает звонок или ErrCallNotFound
func (r *Registry[C]) MustGet(id CallerID) (C, error) {
	call, ok := r.Get(id)
	if !ok {
		return call, ErrCallNotFound
	}
	return call, nil
}

// Reserve атомарно проверяет, что номер не активен и не набирается,
// и помечает его как набираемый. Пометку снимает Release или событие Call.
func (r *Registry[C]) Reserve(id CallerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[id]; ok {
		return false
	}
	if _, ok := r.pending[id]; ok {
		return false
	}
	r.pending[id] = struct{}{}
	return true
}

// Release снимает пометку набора
func (r *Registry[C]) Release(id CallerID) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Len количество активных звонков
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Snapshot возвращает отсортированный список активных идентификаторов
func (r *Registry[C]) Snapshot() []CallerID {
	r.mu.RLock()
	ids := make([]CallerID, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Output пишет снимок реестра в лог
func (r *Registry[C]) Output() {
	ids := r.Snapshot()
	if len(ids) == 0 {
		r.log.Info("No active calls.")
		return
	}
	r.log.Info("Currently registered calls:")
	for _, id := range ids {
		r.log.Info("    " + id)
	}
}

// OnChange регистрирует наблюдателя за количеством активных звонков.
// Наблюдатель вызывается вне блокировки.
func (r *Registry[C]) OnChange(fn func(active int)) {
	r.mu.Lock()
	r.observers = append(append([]func(int){}, r.observers...), fn)
	r.mu.Unlock()
}
