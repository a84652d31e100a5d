package main

import (
	"fmt"
	"io"
	"os"

	pingme "github.com/pingme-chat/pingme-go"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored, secrets included")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or edit ~/.pingme/config.toml",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings, environment overrides applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Printf("%s does not exist yet.\n", path)
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config: %w", err)
			}
			_, err = os.Stdout.Write(data)
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		writeConfigSummary(os.Stdout, cfg)
		return nil
	},
}

// writeConfigSummary prints cfg grouped by section with the token and push
// key masked.
func writeConfigSummary(w io.Writer, cfg *Config) {
	fmt.Fprintln(w, "[default]")
	fmt.Fprintf(w, "  base_url  %s\n", valueOrDefault(cfg.Default.BaseURL, pingme.DefaultBaseURL+" (built in)"))

	fmt.Fprintln(w, "[push]")
	key := "(unset)"
	if cfg.Push.Key != "" {
		key = maskKey(cfg.Push.Key)
	}
	fmt.Fprintf(w, "  key       %s\n", key)
	fmt.Fprintf(w, "  cluster   %s\n", valueOrDefault(cfg.Push.Cluster, "eu (built in)"))
	if cfg.Push.URL != "" {
		fmt.Fprintf(w, "  url       %s (overrides key and cluster)\n", cfg.Push.URL)
	}

	fmt.Fprintln(w, "[auth]")
	if cfg.Auth.Token == "" {
		fmt.Fprintln(w, "  no session; 'pingme login <email>' stores one")
		return
	}
	fmt.Fprintf(w, "  user_id   %s\n", valueOrDefault(cfg.Auth.UserID, "(unset)"))
	fmt.Fprintf(w, "  email     %s\n", valueOrDefault(cfg.Auth.Email, "(unset)"))
	fmt.Fprintf(w, "  token     %s\n", maskKey(cfg.Auth.Token))
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Change one setting",
	Long: `Change one setting, addressed as section.field:
  default.base_url, push.key, push.cluster, push.url, auth.token, auth.user_id, auth.email`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("%s updated\n", args[0])
		return nil
	},
}
