package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/CognicAI/Become-AI/pkg/config"
)

var (
	flagConfig   string
	flagAPIBase  string
	flagSite     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "become-chat",
	Short: "Chat with a scraped website through the Become AI backend",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		})).With().Timestamp().Logger()

		lvl, err := zerolog.ParseLevel(flagLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(lvl)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ~/.config/become-ai/config.yaml)")
	pf.StringVar(&flagAPIBase, "api-base-url", "", "backend base URL (overrides config)")
	pf.StringVar(&flagSite, "site", "", "base URL of the scraped site to chat about")
	pf.StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(
		newChatCommand(),
		newAskCommand(),
		newScrapeCommand(),
		newScrapeStatusCommand(),
		newHealthCommand(),
		newExportCommand(),
		newImportCommand(),
		newClearCommand(),
		newConfigCommand(),
	)
}

// loadConfig reads the config file and applies command line overrides. The
// flag default must not shadow a log_level from the config file, so only an
// explicitly set --log-level wins; PersistentPreRunE applies the flag before
// the config is read, the config value takes over here.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagAPIBase != "" {
		cfg.APIBaseURL = flagAPIBase
	}
	if flagSite != "" {
		cfg.SiteBaseURL = flagSite
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, cfg.Validate()
}
