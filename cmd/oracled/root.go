package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/GPTx-global/flight-oracle/oracle/config"
	"github.com/GPTx-global/flight-oracle/oracle/daemon"
	"github.com/GPTx-global/flight-oracle/oracle/log"
)

const (
	flagHome     = "home"
	flagNetwork  = "network"
	flagLogLevel = "log-level"
	flagLogFile  = "log-file"
)

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "oracled",
		Short:         "Flight status oracle daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, _ := cmd.Flags().GetString(flagLogLevel)
			return log.SetLevel(level)
		},
	}

	rootCmd.PersistentFlags().String(flagHome, config.DefaultHome(), "directory holding config.toml and logs")
	rootCmd.PersistentFlags().String(flagNetwork, "", "network entry of the config to use (default: the configured one)")
	rootCmd.PersistentFlags().String(flagLogLevel, "info", "trace, debug, info, warn or error")

	rootCmd.AddCommand(
		startCmd(),
		statusCmd(),
		operationalCmd(),
	)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	home, _ := cmd.Flags().GetString(flagHome)
	network, _ := cmd.Flags().GetString(flagNetwork)

	return config.Load(home, network)
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Register the oracles and answer flight status requests until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if toFile, _ := cmd.Flags().GetBool(flagLogFile); toFile {
				if err := log.ResetLogger(cfg.Home()); err != nil {
					return err
				}
				defer log.Close()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create daemon: %w", err)
			}

			if err := d.Start(ctx); err != nil {
				d.Stop()
				return fmt.Errorf("failed to start daemon: %w", err)
			}

			<-ctx.Done()
			log.Infof("shutting down")
			d.Stop()

			return nil
		},
	}

	cmd.Flags().Bool(flagLogFile, false, "write logs to <home>/logs instead of stderr")

	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the operational flag and registration fee of the app contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			operational, fee, err := d.Status(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("network:          %s\n", cfg.Network)
			cmd.Printf("app contract:     %s\n", cfg.AppAddress().Hex())
			cmd.Printf("operational:      %t\n", operational)
			cmd.Printf("registration fee: %s wei\n", fee)

			return nil
		},
	}
}

func operationalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "operational [true|false]",
		Short: "Set the operational flag of the app contract as the owner account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("expected true or false, got %q", args[0])
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			d, err := daemon.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.SetOperational(ctx, mode); err != nil {
				return err
			}

			cmd.Printf("operational: %t\n", mode)

			return nil
		},
	}
}
