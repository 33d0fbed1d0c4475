package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pawciobiel/dyson/internal/config"
)

// flagKeys maps command line flags onto override keys.
var flagKeys = map[string]string{
	"incoming-dir":  "storage.incoming_dir",
	"processed-dir": "storage.processed_dir",
	"smtp-bind":     "smtp.bind",
	"smtp-port":     "smtp.port",
	"socket":        "smtp.socket_path",
	"http":          "http.enabled",
	"http-port":     "http.port",
	"log-level":     "logging.level",
	"log-format":    "logging.format",
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "dyson",
		Short: "Mail sink that stores every received message on disk",
		Long: `Dyson accepts mail over SMTP, writes each message to the incoming
directory and relocates it into the processed directory under a path
derived from the message (by default recipient domain, recipient name
and a timestamp).

Settings come from the YAML file given with --config, then DYSON_*
environment variables (e.g. DYSON_STORAGE_INCOMING_DIR), then flags.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (YAML)")
	flags.String("incoming-dir", "", "directory new mail is written to")
	flags.String("processed-dir", "", "directory mail is relocated to")
	flags.String("smtp-bind", "", "SMTP listen address")
	flags.Int("smtp-port", 0, "SMTP listen port")
	flags.String("socket", "", "optional unix socket for local SMTP clients")
	flags.Bool("http", true, "serve the HTTP view")
	flags.Int("http-port", 0, "HTTP view listen port")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	for name, key := range flagKeys {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newServeCmd(v),
		newClearCmd(v),
		newConfigCmd(v),
	)
	return rootCmd
}

// loadConfig reads the config file, if any, and applies environment and flag overrides.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := config.ApplyOverrides(cfg, v); err != nil {
		return nil, fmt.Errorf("failed to apply overrides: %w", err)
	}
	return cfg, nil
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			settings, err := cfg.Settings()
			if err != nil {
				return err
			}
			for _, s := range settings {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", s.Name, s.Value)
			}
			return nil
		},
	}
}
