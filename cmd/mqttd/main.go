// Command mqttd runs the MQTT broker.
//
// Usage:
//
//	mqttd [-c config.yaml] [-p port]...
//	mqttd passwd <username> <password>
//
// Without a config file the broker listens on the loopback interfaces only.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/golang-io/mqttd"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFile string
	ports      []int
	pidFile    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mqttd",
	Short: "MQTT 3.1/3.1.1 broker",
	Long: `mqttd - an MQTT 3.1/3.1.1 broker.

Without -c the broker starts in local only mode and binds 127.0.0.1 and
::1 on every -p port (1883 by default).

Signals:
  SIGINT, SIGTERM  shut down
  SIGHUP           reload users and ACLs
  SIGUSR1          write sessions to persistence
  SIGUSR2          print the subscription tree to the log`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runBroker,
}

var passwdCmd = &cobra.Command{
	Use:   "passwd <username> <password>",
	Short: "Print a password file line with a bcrypt hash",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := mqttd.HashPassword(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], hash)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the broker version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mqttd version %s\n", mqttd.Version())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a JSON or YAML config file")
	rootCmd.Flags().IntSliceVarP(&ports, "port", "p", nil, "port for local only mode, repeatable")
	rootCmd.Flags().StringVar(&pidFile, "pid", "", "write the process id to this file")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every message class")
	rootCmd.AddCommand(passwdCmd, versionCmd)
}

func loadConfig() (*mqttd.Config, error) {
	cfg := mqttd.DefaultConfig()
	if configFile != "" {
		c, err := mqttd.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg.LocalOnly = true
	}
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %d", p)
		}
		cfg.Ports = append(cfg.Ports, uint16(p))
	}
	if pidFile != "" {
		cfg.PidFile = pidFile
	}
	if verbose {
		cfg.Log.Types = []string{"all"}
	}
	return cfg, nil
}

func runBroker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	broker := mqttd.NewBroker(cfg, mqttd.WithSignals(true))
	group.Go(func() error {
		defer cancel()
		return broker.Run(ctx)
	})
	group.Go(func() error {
		if cfg.HTTP.URL == "" {
			return nil
		}
		select {
		case <-broker.Ready():
		case <-broker.Done():
			return nil
		}
		return mqttd.Httpd(ctx, cfg.HTTP.URL)
	})
	return group.Wait()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Printf("mqttd: %v", err)
		var se *mqttd.StartupError
		if errors.As(err, &se) {
			os.Exit(se.ExitCode())
		}
		os.Exit(1)
	}
}
