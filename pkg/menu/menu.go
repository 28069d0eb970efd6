// Package menu описывает голосовое меню звонка: сообщение, выбор по DTMF
// и действие после проигрывания. Меню приходит в командах (JSON) и в файлах
// входящих звонков (YAML).
package menu

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PostAction действие после проигрывания меню
type PostAction string

const (
	PostActionNoop          PostAction = "noop"
	PostActionHangup        PostAction = "hangup"
	PostActionReturn        PostAction = "return"
	PostActionRepeatMessage PostAction = "repeat_message"
	postActionJumpPrefix               = "jump "
)

// Специальные ключи choices
const (
	ChoiceDefault = "default"
	ChoiceTimeout = "timeout"
)

// DefaultTimeout ожидание выбора, если в меню не задано
const DefaultTimeout = 300 * time.Second

var ErrInvalidMenu = errors.New("invalid menu")

// Menu узел голосового меню
type Menu struct {
	ID                   string           `json:"id,omitempty" yaml:"id,omitempty"`
	Message              string           `json:"message,omitempty" yaml:"message,omitempty"`
	AudioFile            string           `json:"audio_file,omitempty" yaml:"audio_file,omitempty"`
	Language             string           `json:"language,omitempty" yaml:"language,omitempty"`
	Action               Action           `json:"action,omitempty" yaml:"action,omitempty"`
	Choices              map[string]*Menu `json:"choices,omitempty" yaml:"choices,omitempty"`
	ChoicesArePin        bool             `json:"choices_are_pin,omitempty" yaml:"choices_are_pin,omitempty"`
	TimeoutSeconds       float64          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	PostAction           PostAction       `json:"post_action,omitempty" yaml:"post_action,omitempty"`
	CacheAudio           bool             `json:"cache_audio,omitempty" yaml:"cache_audio,omitempty"`
	WaitForAudioToFinish bool             `json:"wait_for_audio_to_finish,omitempty" yaml:"wait_for_audio_to_finish,omitempty"`

	parent *Menu
}

// Action команда, которая выполняется при входе в меню. Хранится сырым
// объектом в формате команд MQTT, без "command" это call_service.
// Разбор и проверку выполняет пакет command.
type Action map[string]any

// Parse разбирает меню из JSON или YAML и связывает дочерние узлы с родителями
func Parse(data []byte) (*Menu, error) {
	var m Menu
	// JSON является подмножеством YAML, поэтому одного декодера достаточно
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse menu")
	}
	if err := m.normalize(nil); err != nil {
		return nil, err
	}
	return &m, nil
}

// FromRaw строит меню из уже декодированного значения поля "menu" команды
func FromRaw(raw any) (*Menu, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "encode menu")
	}
	return Parse(data)
}

// Load читает меню из файла
func Load(path string) (*Menu, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read menu file %s", path)
	}
	return Parse(data)
}

func (m *Menu) normalize(parent *Menu) error {
	m.parent = parent
	if m.PostAction == "" {
		m.PostAction = PostActionNoop
	}
	switch m.PostAction {
	case PostActionNoop, PostActionHangup, PostActionReturn, PostActionRepeatMessage:
	default:
		if _, ok := m.JumpTarget(); !ok {
			return errors.Wrapf(ErrInvalidMenu, "unknown post_action %q", m.PostAction)
		}
	}
	if m.Action != nil && len(m.Action) == 0 {
		return errors.Wrapf(ErrInvalidMenu, "menu %q: empty action", m.ID)
	}
	for key, child := range m.Choices {
		if child == nil {
			return errors.Wrapf(ErrInvalidMenu, "menu %q: empty choice %q", m.ID, key)
		}
		if err := child.normalize(m); err != nil {
			return err
		}
	}
	return nil
}

// Parent родительское меню или nil для корня
func (m *Menu) Parent() *Menu {
	return m.parent
}

// Root корень дерева меню
func (m *Menu) Root() *Menu {
	root := m
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Timeout время ожидания выбора
func (m *Menu) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(m.TimeoutSeconds * float64(time.Second))
}

// JumpTarget возвращает id меню для post_action "jump <id>"
func (m *Menu) JumpTarget() (string, bool) {
	s := string(m.PostAction)
	if !strings.HasPrefix(s, postActionJumpPrefix) {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(s, postActionJumpPrefix))
	return id, id != ""
}

// Choose возвращает дочернее меню для введенной строки или default
func (m *Menu) Choose(input string) (*Menu, bool) {
	if child, ok := m.Choices[input]; ok {
		return child, true
	}
	if child, ok := m.Choices[ChoiceDefault]; ok {
		return child, true
	}
	return nil, false
}

// OnTimeout дочернее меню для таймаута
func (m *Menu) OnTimeout() (*Menu, bool) {
	child, ok := m.Choices[ChoiceTimeout]
	return child, ok
}

// HasChoices есть ли выбор по DTMF (кроме timeout)
func (m *Menu) HasChoices() bool {
	for key := range m.Choices {
		if key != ChoiceTimeout {
			return true
		}
	}
	return false
}

// MaxChoiceLength длина самого длинного ключа выбора, для PIN-режима
func (m *Menu) MaxChoiceLength() int {
	n := 1
	for key := range m.Choices {
		if key == ChoiceDefault || key == ChoiceTimeout {
			continue
		}
		if len(key) > n {
			n = len(key)
		}
	}
	return n
}

// Find ищет меню по id во всем дереве
func (m *Menu) Find(id string) (*Menu, bool) {
	if m.ID == id {
		return m, true
	}
	for _, child := range m.Choices {
		if found, ok := child.Find(id); ok {
			return found, true
		}
	}
	return nil, false
}
