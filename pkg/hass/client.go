// Package hass клиент REST API Home Assistant: вызов сервисов, вебхуки и
// получение синтезированной речи через /api/tts_get_url.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrUnexpectedStatus Home Assistant вернул статус не 2xx
var ErrUnexpectedStatus = errors.New("unexpected response status")

// Config параметры клиента
type Config struct {
	BaseURL     string
	Token       string
	TTSPlatform string
	Timeout     time.Duration
}

// Client клиент Home Assistant
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New создает клиента. httpClient может быть nil.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: httpClient,
		log:  log.With(slog.String("component", "hass")),
	}
}

// CallService вызывает сервис domain.service для entityID
func (c *Client) CallService(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	body := make(map[string]any, len(data)+1)
	for k, v := range data {
		body[k] = v
	}
	body["entity_id"] = entityID

	path := fmt.Sprintf("/api/services/%s/%s", url.PathEscape(domain), url.PathEscape(service))
	resp, err := c.post(ctx, path, body)
	if err != nil {
		return errors.Wrapf(err, "call service %s.%s", domain, service)
	}
	resp.Body.Close()

	c.log.Debug("service called",
		slog.String("domain", domain),
		slog.String("service", service),
		slog.String("entity_id", entityID))
	return nil
}

// TriggerWebhook вызывает вебхук webhookID с данными события
func (c *Client) TriggerWebhook(ctx context.Context, webhookID string, data map[string]any) error {
	resp, err := c.post(ctx, "/api/webhook/"+url.PathEscape(webhookID), data)
	if err != nil {
		return errors.Wrapf(err, "trigger webhook %s", webhookID)
	}
	resp.Body.Close()

	c.log.Debug("webhook triggered", slog.String("webhook_id", webhookID))
	return nil
}

type ttsRequest struct {
	Platform string     `json:"platform,omitempty"`
	EngineID string     `json:"engine_id,omitempty"`
	Message  string     `json:"message"`
	Language string     `json:"language,omitempty"`
	Options  ttsOptions `json:"options"`
}

type ttsOptions struct {
	PreferredFormat         string `json:"preferred_format"`
	PreferredSampleRate     int    `json:"preferred_sample_rate"`
	PreferredSampleChannels int    `json:"preferred_sample_channels"`
}

type ttsResponse struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// Synthesize запрашивает синтез речи и скачивает результат во временный
// WAV файл. Удаление файла остается за вызывающим.
func (c *Client) Synthesize(ctx context.Context, message, language string) (string, error) {
	req := ttsRequest{
		Message:  message,
		Language: language,
		Options: ttsOptions{
			PreferredFormat:         "wav",
			PreferredSampleRate:     8000,
			PreferredSampleChannels: 1,
		},
	}
	// tts.* платформы в новых версиях Home Assistant являются entity
	if strings.HasPrefix(c.cfg.TTSPlatform, "tts.") {
		req.EngineID = c.cfg.TTSPlatform
	} else {
		req.Platform = c.cfg.TTSPlatform
	}

	resp, err := c.post(ctx, "/api/tts_get_url", req)
	if err != nil {
		return "", errors.Wrap(err, "tts_get_url")
	}
	var tts ttsResponse
	err = json.NewDecoder(resp.Body).Decode(&tts)
	resp.Body.Close()
	if err != nil {
		return "", errors.Wrap(err, "decode tts_get_url response")
	}

	target := tts.Path
	if target == "" {
		target = tts.URL
	}
	if target == "" {
		return "", errors.New("tts_get_url returned no url")
	}
	return c.download(ctx, target)
}

func (c *Client) download(ctx context.Context, target string) (string, error) {
	u := target
	if strings.HasPrefix(target, "/") {
		u = c.cfg.BaseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "build tts download request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "download tts audio")
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", errors.Wrap(err, "download tts audio")
	}

	f, err := os.CreateTemp("", "hasip-tts-*.wav")
	if err != nil {
		return "", errors.Wrap(err, "create tts file")
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", errors.Wrap(err, "write tts file")
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "close tts file")
	}

	c.log.Debug("tts audio downloaded", slog.String("file", f.Name()))
	return f.Name(), nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return errors.Wrapf(ErrUnexpectedStatus, "%d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
