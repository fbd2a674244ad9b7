// Command liveview serves keyed row streams over websockets and renders live
// views of them in the terminal.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/shogotsuneto/go-simple-liveview/internal/config"
	"github.com/shogotsuneto/go-simple-liveview/internal/logger"
)

var (
	configFile string
	cfg        *config.Config
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "the config file, defaults to ./liveview.yaml when present")
	config.RegisterFlags(flags)

	rootCmd.AddCommand(serveCmd, watchCmd)
}

var rootCmd = &cobra.Command{
	Use:           "liveview",
	Short:         "liveview - live views over keyed row streams",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		log, err := logger.New(os.Stderr, c.LogLevel, c.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(log)
		cfg = c
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
