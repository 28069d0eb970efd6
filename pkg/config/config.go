// Package config загружает конфигурацию процесса из окружения.
//
// Конфигурация читается один раз при старте и дальше не меняется.
// Имена переменных совпадают с ключами viper в верхнем регистре:
// BROKER_ADDRESS, MQTT_TOPIC, SIP1_REGISTRAR_URI и так далее.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/arzzra/hasip/pkg/logging"
)

// MaxAccounts количество SIP аккаунтов SIP1_ ... SIP3_
const MaxAccounts = 3

// Режимы ответа на входящий звонок
const (
	AnswerModeListen = "listen"
	AnswerModeAccept = "accept"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config конфигурация процесса
type Config struct {
	Broker     Broker
	HA         HomeAssistant
	SIP        SIP
	Accounts   []Account
	Call       Call
	Log        logging.Options
	StatusAddr string
}

// Broker MQTT брокер
type Broker struct {
	Address         string
	Port            int
	Username        string
	Password        string
	Topic           string
	ClientID        string
	DiscoveryPrefix string
	StateTopic      string
}

// URL адрес брокера для paho
func (b Broker) URL() string {
	return fmt.Sprintf("tcp://%s:%d", b.Address, b.Port)
}

// HomeAssistant REST API Home Assistant
type HomeAssistant struct {
	BaseURL     string
	Token       string
	TTSPlatform string
	TTSLanguage string
	Timeout     time.Duration
}

// SIP параметры UA и медиа
type SIP struct {
	Transport  string
	ListenHost string
	Port       int
	UserAgent  string
	// MediaHost адрес, который попадает в SDP
	MediaHost string
	RTPDSCP   int
}

// Account SIP аккаунт SIPn_
type Account struct {
	Index            int
	Enabled          bool
	RegistrarURI     string
	IDURI            string
	Realm            string
	UserName         string
	Password         string
	AnswerMode       string
	SettleTime       time.Duration
	IncomingCallFile string
	RegisterExpiry   time.Duration
}

// Call параметры звонков
type Call struct {
	RingTimeout time.Duration
	CacheDir    string
}

// SetDefaults задает значения по умолчанию
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker_address", "")
	v.SetDefault("broker_port", 1883)
	v.SetDefault("broker_username", "")
	v.SetDefault("broker_password", "")
	v.SetDefault("mqtt_topic", "hasip/execute")
	v.SetDefault("mqtt_client_id", "")
	v.SetDefault("mqtt_discovery_prefix", "homeassistant")
	v.SetDefault("mqtt_state_topic", "hasip/state")

	v.SetDefault("ha_base_url", "http://homeassistant.local:8123")
	v.SetDefault("ha_token", "")
	v.SetDefault("tts_platform", "google_translate")
	v.SetDefault("tts_language", "en")
	v.SetDefault("ha_timeout", "10s")

	v.SetDefault("sip_transport", "udp")
	v.SetDefault("sip_listen_host", "0.0.0.0")
	v.SetDefault("sip_port", 5060)
	v.SetDefault("sip_user_agent", "ha-sip")
	v.SetDefault("media_host", "")
	v.SetDefault("rtp_dscp", 46)

	v.SetDefault("ring_timeout", "300s")
	v.SetDefault("cache_dir", "")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)

	v.SetDefault("status_addr", ":8080")

	for i := 1; i <= MaxAccounts; i++ {
		p := accountPrefix(i)
		v.SetDefault(p+"enabled", i == 1)
		v.SetDefault(p+"registrar_uri", "")
		v.SetDefault(p+"id_uri", "")
		v.SetDefault(p+"realm", "*")
		v.SetDefault(p+"user_name", "")
		v.SetDefault(p+"password", "")
		v.SetDefault(p+"answer_mode", AnswerModeListen)
		v.SetDefault(p+"settle_time", "1s")
		v.SetDefault(p+"incoming_call_file", "")
		v.SetDefault(p+"register_expiry", "300s")
	}
}

// NewViper viper с окружением и значениями по умолчанию
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load строит Config из viper и проверяет его
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Broker: Broker{
			Address:         v.GetString("broker_address"),
			Port:            v.GetInt("broker_port"),
			Username:        v.GetString("broker_username"),
			Password:        v.GetString("broker_password"),
			Topic:           v.GetString("mqtt_topic"),
			ClientID:        v.GetString("mqtt_client_id"),
			DiscoveryPrefix: v.GetString("mqtt_discovery_prefix"),
			StateTopic:      v.GetString("mqtt_state_topic"),
		},
		HA: HomeAssistant{
			BaseURL:     strings.TrimRight(v.GetString("ha_base_url"), "/"),
			Token:       v.GetString("ha_token"),
			TTSPlatform: v.GetString("tts_platform"),
			TTSLanguage: v.GetString("tts_language"),
			Timeout:     v.GetDuration("ha_timeout"),
		},
		SIP: SIP{
			Transport:  strings.ToLower(v.GetString("sip_transport")),
			ListenHost: v.GetString("sip_listen_host"),
			Port:       v.GetInt("sip_port"),
			UserAgent:  v.GetString("sip_user_agent"),
			MediaHost:  v.GetString("media_host"),
			RTPDSCP:    v.GetInt("rtp_dscp"),
		},
		Call: Call{
			RingTimeout: v.GetDuration("ring_timeout"),
			CacheDir:    v.GetString("cache_dir"),
		},
		Log: logging.Options{
			Level:      v.GetString("log_level"),
			Format:     v.GetString("log_format"),
			File:       v.GetString("log_file"),
			MaxSizeMB:  v.GetInt("log_max_size_mb"),
			MaxBackups: v.GetInt("log_max_backups"),
			MaxAgeDays: v.GetInt("log_max_age_days"),
		},
		StatusAddr: v.GetString("status_addr"),
	}

	for i := 1; i <= MaxAccounts; i++ {
		p := accountPrefix(i)
		if !v.GetBool(p + "enabled") {
			continue
		}
		cfg.Accounts = append(cfg.Accounts, Account{
			Index:            i,
			Enabled:          true,
			RegistrarURI:     v.GetString(p + "registrar_uri"),
			IDURI:            v.GetString(p + "id_uri"),
			Realm:            v.GetString(p + "realm"),
			UserName:         v.GetString(p + "user_name"),
			Password:         v.GetString(p + "password"),
			AnswerMode:       strings.ToLower(v.GetString(p + "answer_mode")),
			SettleTime:       v.GetDuration(p + "settle_time"),
			IncomingCallFile: v.GetString(p + "incoming_call_file"),
			RegisterExpiry:   v.GetDuration(p + "register_expiry"),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "broker port %d", c.Broker.Port)
	}
	if c.Broker.Topic == "" {
		return errors.Wrap(ErrInvalidConfig, "mqtt topic is empty")
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return errors.Wrapf(ErrInvalidConfig, "sip port %d", c.SIP.Port)
	}
	switch c.SIP.Transport {
	case "udp", "tcp":
	default:
		return errors.Wrapf(ErrInvalidConfig, "sip transport %q", c.SIP.Transport)
	}
	if c.SIP.RTPDSCP < 0 || c.SIP.RTPDSCP > 63 {
		return errors.Wrapf(ErrInvalidConfig, "rtp dscp %d", c.SIP.RTPDSCP)
	}
	if c.Call.RingTimeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "ring timeout %s", c.Call.RingTimeout)
	}
	for _, a := range c.Accounts {
		if a.RegistrarURI == "" || a.IDURI == "" {
			return errors.Wrapf(ErrInvalidConfig, "SIP%d: registrar_uri and id_uri are required", a.Index)
		}
		if a.AnswerMode != AnswerModeListen && a.AnswerMode != AnswerModeAccept {
			return errors.Wrapf(ErrInvalidConfig, "SIP%d: answer_mode %q", a.Index, a.AnswerMode)
		}
	}
	return nil
}

func accountPrefix(i int) string {
	return fmt.Sprintf("sip%d_", i)
}
