package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/splax/devmarket/internal/tui"
	"github.com/splax/devmarket/pkg/config"
	"github.com/splax/devmarket/pkg/logger"
)

// settable lists the keys `config set` accepts.
var settable = map[string]bool{
	"api_url":          true,
	"stream_url":       true,
	"log_level":        true,
	"request_timeout":  true,
	"deploy_timeout":   true,
	"generate_timeout": true,
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "devmarket", "config.json"), nil
}

func (a *App) configFile() (string, error) {
	if a.cfgFile != "" {
		return a.cfgFile, nil
	}
	return configPath()
}

// initConfig layers flags over DEVMARKET_* env vars over the config file
// over the shared service defaults.
func (a *App) initConfig() error {
	defaults := config.LoadClientConfig()
	a.v.SetDefault("api_url", defaults.APIBaseURL)
	a.v.SetDefault("stream_url", defaults.StreamBaseURL)
	a.v.SetDefault("log_level", "warn")
	a.v.SetDefault("request_timeout", defaults.RequestTimeout)
	a.v.SetDefault("deploy_timeout", defaults.DeployTimeout)
	a.v.SetDefault("generate_timeout", "2m")
	a.v.SetDefault("stream_dial_timeout", defaults.StreamDialTimeout)
	a.v.SetDefault("subscriber_buffer", defaults.SubscriberBuffer)

	a.v.SetEnvPrefix("DEVMARKET")
	a.v.AutomaticEnv()

	path, err := a.configFile()
	if err == nil {
		a.v.SetConfigFile(path)
		a.v.SetConfigType("json")
		if err := a.v.ReadInConfig(); err != nil && !isNotFound(err) {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	a.log = logger.NewText(a.errOut, "devmarket", logger.ParseLevel(a.v.GetString("log_level")))
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

func (a *App) clientConfig() config.ClientConfig {
	return config.ClientConfig{
		APIBaseURL:        a.v.GetString("api_url"),
		StreamBaseURL:     a.v.GetString("stream_url"),
		LogLevel:          a.v.GetString("log_level"),
		RequestTimeout:    a.v.GetDuration("request_timeout"),
		DeployTimeout:     a.v.GetDuration("deploy_timeout"),
		StreamDialTimeout: a.v.GetDuration("stream_dial_timeout"),
		SubscriberBuffer:  a.v.GetInt("subscriber_buffer"),
	}
}

func (a *App) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change CLI settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]string, 0, len(settable))
			for k := range settable {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(a.out, "%s = %v\n", k, a.v.Get(k))
			}
			if path, err := a.configFile(); err == nil {
				tui.ShowInfo(a.out, "config file: "+path)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting to the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(strings.TrimSpace(args[0]))
			if !settable[key] {
				return fmt.Errorf("unknown setting %q", args[0])
			}
			path, err := a.configFile()
			if err != nil {
				return err
			}
			// Only file contents are persisted, never env or flag overrides.
			file := viper.New()
			file.SetConfigFile(path)
			file.SetConfigType("json")
			if err := file.ReadInConfig(); err != nil && !isNotFound(err) {
				return fmt.Errorf("read config %s: %w", path, err)
			}
			file.Set(key, args[1])
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return err
			}
			if err := file.WriteConfigAs(path); err != nil {
				return fmt.Errorf("write config %s: %w", path, err)
			}
			tui.ShowSuccess(a.out, fmt.Sprintf("%s saved to %s", key, path))
			return nil
		},
	})
	return cmd
}
