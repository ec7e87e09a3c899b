package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corsair-dl/corsair/internal/config"
	"github.com/corsair-dl/corsair/internal/store"
)

func newConfigCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cctx.init(); err != nil {
				return err
			}
			shown := *cctx.cfg
			if shown.Transmission.Password != "" {
				shown.Transmission.Password = "********"
			}
			data, err := json.MarshalIndent(shown, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(config.StateDir(), "config.json"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write one setting to the config document",
		Long: "Set a configuration value by dotted key, e.g.\n" +
			"  corsair config set max_active_downloads 3\n" +
			"  corsair config set transmission.host nas.local",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cctx.init(); err != nil {
				return err
			}

			doc := map[string]interface{}{}
			if err := cctx.st.Load(store.DocConfig, &doc); err != nil {
				return err
			}
			setDotted(doc, strings.Split(args[0], "."), coerce(args[1]))
			if err := cctx.st.Save(store.DocConfig, doc); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}

// setDotted writes value at the dotted key path, creating intermediate
// objects as needed.
func setDotted(doc map[string]interface{}, path []string, value interface{}) {
	for len(path) > 1 {
		child, ok := doc[path[0]].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			doc[path[0]] = child
		}
		doc = child
		path = path[1:]
	}
	doc[path[0]] = value
}

// coerce interprets a CLI value string as bool, number, or string.
func coerce(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
