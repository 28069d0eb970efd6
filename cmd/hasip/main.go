package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arzzra/hasip/pkg/config"
)

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "hasip",
	Short: "Home Assistant SIP bridge",
	Long: `hasip connects SIP accounts to Home Assistant.
Commands arrive as JSON over MQTT (or from call menus) and are applied to calls:
dial, answer, hangup, transfer, send_dtmf, play_audio_file, play_message,
stop_playback, bridge_audio, call_service, state and quit.
Configuration is read from the environment (BROKER_ADDRESS, MQTT_TOPIC,
SIP1_REGISTRAR_URI, HA_TOKEN ...). Flags override the environment.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("status-addr", "", "status server address")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("status_addr", rootCmd.PersistentFlags().Lookup("status-addr"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(sendCmd())
}
