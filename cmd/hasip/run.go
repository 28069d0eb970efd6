package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/arzzra/hasip/pkg/audiocache"
	"github.com/arzzra/hasip/pkg/callstate"
	"github.com/arzzra/hasip/pkg/config"
	"github.com/arzzra/hasip/pkg/hass"
	"github.com/arzzra/hasip/pkg/logging"
	"github.com/arzzra/hasip/pkg/metrics"
	"github.com/arzzra/hasip/pkg/mqttbridge"
	"github.com/arzzra/hasip/pkg/router"
	"github.com/arzzra/hasip/pkg/sipua"
	"github.com/arzzra/hasip/pkg/status"
)

const closeTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Register SIP accounts and process commands from MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			log, closer, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
}

// run собирает компоненты и работает до сигнала или команды quit
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	collector := metrics.New(prometheus.DefaultRegisterer)
	ha := hass.New(hass.Config{
		BaseURL:     cfg.HA.BaseURL,
		Token:       cfg.HA.Token,
		TTSPlatform: cfg.HA.TTSPlatform,
		Timeout:     cfg.HA.Timeout,
	}, nil, log)
	registry := callstate.NewRegistry[router.Call](log)

	ua, err := sipua.New(sipua.Options{
		SIP:         cfg.SIP,
		Accounts:    cfg.Accounts,
		RingTimeout: cfg.Call.RingTimeout,
		TTSLanguage: cfg.HA.TTSLanguage,
		Cache:       audiocache.New(cfg.Call.CacheDir, log, collector),
		HA:          ha,
		State:       registry,
		Metrics:     collector,
		Log:         log,
	})
	if err != nil {
		return err
	}

	r := router.New(registry, ua, ha,
		router.WithLogger(log),
		router.WithMetrics(collector),
		router.WithRingTimeout(cfg.Call.RingTimeout),
		router.WithTTSLanguage(cfg.HA.TTSLanguage),
	)
	ua.SetCommands(r)
	bridge := mqttbridge.New(cfg.Broker, r,
		mqttbridge.WithLogger(log),
		mqttbridge.WithMetrics(collector),
	)
	registry.OnChange(bridge.PublishState)
	registry.OnChange(collector.ActiveCalls)

	var statusSrv *status.Server
	if cfg.StatusAddr != "" {
		statusSrv = status.New(status.Options{
			Addr:     cfg.StatusAddr,
			Registry: registry,
			Accounts: accountStatus(ua),
			Log:      log,
		})
		if err := statusSrv.Start(); err != nil {
			return err
		}
	}

	if err := ua.Start(ctx); err != nil {
		shutdown(log, nil, ua, statusSrv)
		return err
	}
	if err := bridge.Start(ctx); err != nil {
		shutdown(log, nil, ua, statusSrv)
		return errors.Wrap(err, "mqtt")
	}
	log.Info("hasip started", slog.Int("accounts", len(ua.Accounts())), slog.String("topic", cfg.Broker.Topic))

	select {
	case <-ctx.Done():
		log.Info("Signal received")
	case <-bridge.Shutdown():
	case <-ua.Shutdown():
	}
	shutdown(log, bridge, ua, statusSrv)
	return nil
}

// shutdown сначала прекращает прием команд, затем завершает звонки
func shutdown(log *slog.Logger, bridge *mqttbridge.Bridge, ua *sipua.UA, statusSrv *status.Server) {
	if bridge != nil {
		bridge.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := ua.Close(ctx); err != nil {
		log.Error("close sip", slog.Any("error", err))
	}
	if statusSrv != nil {
		if err := statusSrv.Shutdown(ctx); err != nil {
			log.Error("close status server", slog.Any("error", err))
		}
	}
	log.Info("hasip stopped")
}

func accountStatus(ua *sipua.UA) func() []status.AccountStatus {
	return func() []status.AccountStatus {
		accounts := ua.Accounts()
		out := make([]status.AccountStatus, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, status.AccountStatus{Index: a.Index(), Registered: a.Registered()})
		}
		return out
	}
}
