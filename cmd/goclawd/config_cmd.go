package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw-core/internal/config"
)

// sensitiveKeys emit a stderr warning on `config set`, per spec.md §6.
var sensitiveKeys = map[string]bool{
	"sessions.backendCommand": true,
	"sessions.backendArgs":    true,
}

func expandedDefaultConfigPath() string {
	return config.ExpandHome("~/.goclaw-core/config.json")
}

// configCmd implements the `config` subcommand tree: get/set/list/reset/
// edit/path/validate, or bare `config` to pretty-print with per-section
// (default) vs (config) origin, following spec.md §6's CLI surface.
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "inspect and edit the daemon configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfigWithOrigin()
		},
	}
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configListCmd())
	cmd.AddCommand(configResetCmd())
	cmd.AddCommand(configEditCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "print the resolved config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(resolveConfigPath())
			return nil
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "print one dotted config key, e.g. pulse.maxConcurrentRuns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := currentConfigJSON()
			if err != nil {
				return err
			}
			value, _, _, err := jsonparser.Get(data, strings.Split(args[0], ".")...)
			if err != nil {
				return fmt.Errorf("unknown key %q", args[0])
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "set one dotted config key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, rawValue := args[0], args[1]
			if sensitiveKeys[key] {
				fmt.Fprintf(os.Stderr, "warning: %s controls which external process goclawd executes\n", key)
			}

			path := resolveConfigPath()
			data, err := currentConfigJSON()
			if err != nil {
				return err
			}

			updated, err := jsonparser.Set(data, encodeSetValue(rawValue), strings.Split(key, ".")...)
			if err != nil {
				return fmt.Errorf("unknown key %q: %w", key, err)
			}

			var cfg config.Config
			if err := json.Unmarshal(updated, &cfg); err != nil {
				return fmt.Errorf("invalid value for %q: %w", key, err)
			}
			return config.Save(path, &cfg)
		},
	}
}

// encodeSetValue lets `config set` accept bare numbers/booleans/strings
// from the shell without the caller quoting JSON by hand.
func encodeSetValue(raw string) []byte {
	if raw == "true" || raw == "false" {
		return []byte(raw)
	}
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return []byte(raw)
	}
	encoded, _ := json.Marshal(raw)
	return encoded
}

func configListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every config key and its current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := currentConfigJSON()
			if err != nil {
				return err
			}
			flat := map[string]string{}
			flatten("", data, flat)
			keys := make([]string, 0, len(flat))
			for k := range flat {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %s\n", k, flat[k])
			}
			return nil
		},
	}
}

func configResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [key]",
		Short: "reset the whole config, or one key, to its default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if len(args) == 0 {
				return config.Save(path, config.Default())
			}

			key := args[0]
			defaultData, err := json.Marshal(config.Default())
			if err != nil {
				return err
			}
			defaultValue, _, _, err := jsonparser.Get(defaultData, strings.Split(key, ".")...)
			if err != nil {
				return fmt.Errorf("unknown key %q", key)
			}

			current, err := currentConfigJSON()
			if err != nil {
				return err
			}
			updated, err := jsonparser.Set(current, defaultValue, strings.Split(key, ".")...)
			if err != nil {
				return err
			}
			var cfg config.Config
			if err := json.Unmarshal(updated, &cfg); err != nil {
				return err
			}
			return config.Save(path, &cfg)
		},
	}
}

func configEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "open the config file in $EDITOR",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := config.Save(path, config.Default()); err != nil {
					return err
				}
			}
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "vi"
			}
			c := exec.Command(editor, path)
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
			return c.Run()
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.HTTP.Addr == "" {
				return fmt.Errorf("http.addr must not be empty")
			}
			if cfg.Pulse.MaxConcurrentRuns <= 0 {
				return fmt.Errorf("pulse.maxConcurrentRuns must be positive")
			}
			if cfg.Relay.Breaker.FailureThreshold <= 0 {
				return fmt.Errorf("relay.breaker.failureThreshold must be positive")
			}
			fmt.Println("config is valid")
			return nil
		},
	}
}

func currentConfigJSON() ([]byte, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}

func printConfigWithOrigin() error {
	path := resolveConfigPath()
	current, err := currentConfigJSON()
	if err != nil {
		return err
	}
	defaultData, err := json.Marshal(config.Default())
	if err != nil {
		return err
	}

	_, statErr := os.Stat(path)
	hasFile := statErr == nil

	var currentSections, defaultSections map[string]json.RawMessage
	if err := json.Unmarshal(current, &currentSections); err != nil {
		return err
	}
	if err := json.Unmarshal(defaultData, &defaultSections); err != nil {
		return err
	}

	sections := make([]string, 0, len(currentSections))
	for k := range currentSections {
		sections = append(sections, k)
	}
	sort.Strings(sections)

	for _, section := range sections {
		origin := "(default)"
		if hasFile && string(currentSections[section]) != string(defaultSections[section]) {
			origin = "(config)"
		}
		fmt.Printf("%s %s:\n", section, origin)
		var pretty map[string]json.RawMessage
		if err := json.Unmarshal(currentSections[section], &pretty); err == nil {
			keys := make([]string, 0, len(pretty))
			for k := range pretty {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %s = %s\n", k, string(pretty[k]))
			}
		}
	}
	return nil
}

// flatten walks a JSON object into dotted-key -> raw-value pairs for
// `config list`.
func flatten(prefix string, data []byte, out map[string]string) {
	_ = jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, offset int) error {
		full := string(key)
		if prefix != "" {
			full = prefix + "." + full
		}
		if dataType == jsonparser.Object {
			flatten(full, value, out)
			return nil
		}
		out[full] = string(value)
		return nil
	})
}
