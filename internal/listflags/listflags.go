// Package listflags defines flags shared by the listing and reporting commands.
package listflags

import "github.com/spf13/cobra"

// AddAllFlag adds a shared --all flag to list commands.
func AddAllFlag(cmd *cobra.Command, target *bool) {
	cmd.Flags().BoolVar(target, "all", false, "Include finished sessions")
}

// AddJSONFlag adds a shared --json flag.
func AddJSONFlag(cmd *cobra.Command, target *bool, usage string) {
	if usage == "" {
		usage = "Output JSON"
	}
	cmd.Flags().BoolVar(target, "json", false, usage)
}

// AddUserFlag adds a shared --user flag.
func AddUserFlag(cmd *cobra.Command, target *string, usage string) {
	cmd.Flags().StringVar(target, "user", "", usage)
}
