package main

import (
	"context"
	"fmt"
	"os"
	"time"

	pingme "github.com/pingme-chat/pingme-go"
	"github.com/spf13/cobra"
)

var (
	loginPassword    string
	registerName     string
	registerPassword string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default $PINGME_PASSWORD)")
	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name (required)")
	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Account password (default $PINGME_PASSWORD)")
	_ = registerCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create a pingme account",
	Long:  "Create an account. Registration does not log in; run 'pingme login' afterwards.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := valueOrDefault(registerPassword, os.Getenv("PINGME_PASSWORD"))
		if password == "" {
			return fmt.Errorf("no password given; use --password or PINGME_PASSWORD")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := pingme.NewClient("", clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		user, err := client.Register(ctx, registerName, args[0], password)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Printf("Registered %s (%s). Run 'pingme login %s' to start a session.\n",
			valueOrDefault(user.Name, registerName), valueOrDefault(user.ID, "id pending"), args[0])
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := valueOrDefault(loginPassword, os.Getenv("PINGME_PASSWORD"))
		if password == "" {
			return fmt.Errorf("no password given; use --password or PINGME_PASSWORD")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := pingme.NewClient("", clientOptions(cfg)...)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		res, err := client.Login(ctx, args[0], password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		cfg.Auth = ConfigAuth{Token: res.Token, UserID: res.User.ID, Email: args[0]}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Logged in as %s (%s)\n", valueOrDefault(res.User.Name, args[0]), res.User.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and login state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, pingme.DefaultBaseURL))
		if cfg.Push.URL != "" {
			fmt.Printf("  Push URL:     %s\n", cfg.Push.URL)
		} else {
			fmt.Printf("  Push key:     %s\n", valueOrDefault(cfg.Push.Key, "(not set)"))
			fmt.Printf("  Push cluster: %s\n", valueOrDefault(cfg.Push.Cluster, "(default)"))
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  (not logged in)")
			return nil
		}
		fmt.Printf("  Email:        %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		return nil
	},
}
