package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/muurk/protoswitch/internal/config"
	"github.com/muurk/protoswitch/internal/discovery"
	"github.com/muurk/protoswitch/internal/ui"
)

var (
	forceInit    bool
	scanTimeout  int
	outputFormat string
)

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(discoverCmd)

	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing configuration file")
	discoverCmd.Flags().IntVar(&scanTimeout, "timeout", 5, "Scan timeout in seconds")
	discoverCmd.Flags().StringVar(&outputFormat, "format", "detailed", "Output format (detailed, json)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		ui.NewPrinter(os.Stdout).Result(ui.NewSuccessResult("Configuration written",
			ui.Param{Key: "Path", Value: path}))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		if err := cfg.Validate(); err != nil {
			warn := ui.NewWarningResult("Configuration is invalid")
			var merr *multierror.Error
			if errors.As(err, &merr) {
				for _, e := range merr.Errors {
					warn.AddTip(e.Error())
				}
			} else {
				warn.AddTip(err.Error())
			}
			fmt.Println()
			ui.NewPrinter(os.Stdout).Result(warn)
		}
		return nil
	},
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.GetConfigPath()
}

// discoverCmd finds servers announced with --advertise
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find protoswitch servers on the local network",
	Example: `  # Scan for 5 seconds (default)
  protoswitch-server discover

  # Longer scan, machine-readable output
  protoswitch-server discover --timeout 15 --format json`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	timeout := time.Duration(scanTimeout) * time.Second

	var instances []*discovery.Instance
	scan := func() error {
		var err error
		instances, err = discovery.ScanForInstances(timeout)
		return err
	}

	if outputFormat == "json" {
		if err := scan(); err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(instances)
	}

	p := ui.NewPrinter(os.Stdout)
	label := fmt.Sprintf("Scanning for protoswitch servers (timeout: %ds)", scanTimeout)
	if err := ui.RunTask(os.Stdout, label, scan); err != nil {
		p.Result(ui.NewFailureResult("Scan failed", err, "Check that multicast (UDP 5353) is allowed"))
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(instances) == 0 {
		p.Result(ui.NewWarningResult("No servers found").
			AddTip("Start servers with --advertise").
			AddTip("Check that multicast (UDP 5353) is allowed").
			AddTip("Try increasing --timeout"))
		return nil
	}
	for _, inst := range instances {
		r := ui.NewSuccessResult(inst.Name).
			AddDetail("URL", inst.BaseURL()).
			AddDetail("Mode", inst.Mode)
		if alpn := inst.GetMetadata("alpn"); alpn != "" {
			r.AddDetail("ALPN", alpn)
		}
		if v := inst.GetMetadata("version"); v != "" {
			r.AddDetail("Version", v)
		}
		p.Result(r)
	}
	return nil
}
