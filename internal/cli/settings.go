package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/safar/pos-core/internal/terminal"
	"github.com/spf13/cobra"
)

func NewSettingsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change terminal settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [key]",
		Short: "Print one setting, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			settings := terminal.NewSettings(db, nil)
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				value, ok, err := settings.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("setting %q is not set", args[0])
				}
				return report(out, opts, map[string]string{args[0]: value}, "%s\n", value)
			}

			all, err := settings.All(cmd.Context())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(out, all)
			}
			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			var b strings.Builder
			for _, k := range keys {
				fmt.Fprintf(&b, "%s=%s\n", k, all[k])
			}
			_, err = fmt.Fprint(out, b.String())
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting (tax_inclusive, warehouse)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openLocal(opts)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := terminal.NewSettings(db, nil).Set(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, map[string]string{args[0]: args[1]}, "%s=%s\n", args[0], args[1])
		},
	})

	return cmd
}
