package main

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/arzzra/hasip/pkg/command"
	"github.com/arzzra/hasip/pkg/config"
)

const sendTimeout = 10 * time.Second

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <json>",
		Short: "Publish a command to the command topic",
		Example: `  hasip send '{"command":"dial","number":"5551234"}'
  hasip send '{"command":"state"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[0])
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}
			if _, err := command.Decode(payload); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return publish(cfg.Broker, payload)
		},
	}
}

func publish(broker config.Broker, payload []byte) error {
	opts := mqtt.NewClientOptions().
		AddBroker(broker.URL()).
		SetClientID("hasip-send-" + uuid.NewString()[:8]).
		SetUsername(broker.Username).
		SetPassword(broker.Password)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(sendTimeout) {
		return errors.Errorf("connect %s: timeout", broker.URL())
	}
	if err := token.Error(); err != nil {
		return errors.Wrapf(err, "connect %s", broker.URL())
	}
	defer client.Disconnect(250)

	token = client.Publish(broker.Topic, 1, false, payload)
	if !token.WaitTimeout(sendTimeout) {
		return errors.Errorf("publish %s: timeout", broker.Topic)
	}
	return errors.Wrapf(token.Error(), "publish %s", broker.Topic)
}
