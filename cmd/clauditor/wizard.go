package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/clauditor/clauditor/internal/config"
)

// wizardStep is one item in the fixed installation sequence the wizard
// walks an operator through. It never duplicates validation internal/config
// already performs; config.Load itself supplies the "config-parses" step.
type wizardStep struct {
	name  string
	check func(cfg *config.Config) error
}

func wizardChecks() []wizardStep {
	return []wizardStep{
		{name: "key-file-permissions", check: checkKeyFile},
		{name: "watch-paths-exist", check: checkWatchPaths},
	}
}

func checkKeyFile(cfg *config.Config) error {
	info, err := os.Stat(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("key_path %q: %w", cfg.KeyPath, err)
	}
	if info.Mode().Perm()&0o037 != 0 {
		return fmt.Errorf("key_path %q is group-writable or world-accessible (mode %04o); it should be 0600 or 0640", cfg.KeyPath, info.Mode().Perm())
	}
	return nil
}

func checkWatchPaths(cfg *config.Config) error {
	if len(cfg.Collector.WatchPaths) == 0 {
		return fmt.Errorf("collector.watch_paths is empty")
	}
	for _, p := range cfg.Collector.WatchPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("watch path %q: %w", p, err)
		}
	}
	return nil
}

func newWizardCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "wizard {status|next|verify|step N}",
		Short: "Guided installation check, layered over config validation",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWizard(configPath, args)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/clauditor/config.toml", "path to the TOML configuration file")
	return cmd
}

func runWizard(configPath string, args []string) error {
	action := args[0]
	cfg, cfgErr := config.Load(configPath)
	checks := wizardChecks()

	switch action {
	case "status":
		if cfgErr != nil {
			fmt.Printf("config: FAIL (%v)\n", cfgErr)
			return nil
		}
		fmt.Println("config: OK")
		for _, c := range checks {
			if err := c.check(cfg); err != nil {
				fmt.Printf("%s: FAIL (%v)\n", c.name, err)
			} else {
				fmt.Printf("%s: OK\n", c.name)
			}
		}
		return nil

	case "next":
		if cfgErr != nil {
			fmt.Printf("next: fix your configuration file (%v)\n", cfgErr)
			return nil
		}
		for _, c := range checks {
			if err := c.check(cfg); err != nil {
				fmt.Printf("next: %s (%v)\n", c.name, err)
				return nil
			}
		}
		fmt.Println("next: nothing left; ready to run `clauditor daemon`")
		return nil

	case "verify":
		if cfgErr != nil {
			return fmt.Errorf("config: %w", cfgErr)
		}
		for _, c := range checks {
			if err := c.check(cfg); err != nil {
				return fmt.Errorf("%s: %w", c.name, err)
			}
		}
		fmt.Println("verify: OK")
		return nil

	case "step":
		if len(args) != 2 {
			return fmt.Errorf("step requires a step number, e.g. `wizard step 1`")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 || n > len(checks)+1 {
			return fmt.Errorf("step number must be between 1 and %d", len(checks)+1)
		}
		if n == 1 {
			if cfgErr != nil {
				return fmt.Errorf("config: %w", cfgErr)
			}
			fmt.Println("config: OK")
			return nil
		}
		if cfgErr != nil {
			return fmt.Errorf("config invalid, cannot run step %d: %w", n, cfgErr)
		}
		c := checks[n-2]
		if err := c.check(cfg); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		fmt.Printf("%s: OK\n", c.name)
		return nil

	default:
		return fmt.Errorf("unknown wizard action %q, want status, next, verify, or step N", action)
	}
}
