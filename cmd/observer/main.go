// Command observer следит за статусами генерации истории или сегмента через API сервера.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "observer",
	Short: "Watch generation status of stories and segments",
	Long: `observer subscribes to status changes of a story or a segment and prints every
converged snapshot. It uses the websocket channel while it is healthy and falls back
to polling the REST API when the channel fails.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(watchCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OBSERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("server", "http://localhost:8080", "server base URL")
	flags.String("ws", "", "websocket URL (derived from --server when empty)")
	flags.Duration("poll-interval", 3*time.Second, "polling interval while the push channel is down")
	flags.Int("max-reconnects", 3, "consecutive push reconnect attempts before poll-only mode")
	flags.Bool("json", false, "output JSON lines")
	flags.String("log-level", "warn", "log level")
	for _, name := range []string{"server", "ws", "poll-interval", "max-reconnects", "json", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}
