package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/amonks/workcell/internal/listflags"
	"github.com/amonks/workcell/internal/ui"
	"github.com/amonks/workcell/server"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Destroy containers older than the maximum lifetime",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show plan, minutes used, and charges",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

var (
	sweepJSON bool

	usageUser    string
	usageSetTier string
	usageJSON    bool
)

func init() {
	rootCmd.AddCommand(sweepCmd, usageCmd)

	listflags.AddJSONFlag(sweepCmd, &sweepJSON, "")

	listflags.AddUserFlag(usageCmd, &usageUser, "User to report on (default from session.user or $USER)")
	usageCmd.Flags().StringVar(&usageSetTier, "set-tier", "", "Change the user's plan first")
	listflags.AddJSONFlag(usageCmd, &usageJSON, "")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	result, err := newClient().Sweep(cmd.Context())
	if err != nil {
		return err
	}
	if sweepJSON {
		return encodeJSONToStdout(result)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d containers, destroyed %d\n", result.Scanned, result.Destroyed)
	for _, failure := range result.Failures {
		fmt.Fprintf(out, "failed to destroy %s: %s\n", failure.ContainerID, failure.Error)
	}
	return nil
}

func runUsage(cmd *cobra.Command, _ []string) error {
	user, err := resolveUser(usageUser)
	if err != nil {
		return err
	}
	client := newClient()

	var usage server.Usage
	if tier := strings.TrimSpace(usageSetTier); tier != "" {
		usage, err = client.SetTier(cmd.Context(), user, tier)
	} else {
		usage, err = client.Usage(cmd.Context(), user)
	}
	if err != nil {
		return err
	}
	if usageJSON {
		return encodeJSONToStdout(usage)
	}
	writeUsage(cmd.OutOrStdout(), user, usage)
	return nil
}

func writeUsage(out io.Writer, user string, usage server.Usage) {
	fmt.Fprintf(out, "User:     %s\n", user)
	fmt.Fprintf(out, "Tier:     %s (%s/month)\n", usage.Limits.Tier, ui.FormatCents(usage.Limits.PriceCents))
	fmt.Fprintf(out, "Minutes:  %s\n", ui.FormatMinutes(usage.Subscription.MinutesUsed, usage.Limits.MinutesPerMonth))
	fmt.Fprintf(out, "Active:   %d / %s\n", usage.Active, formatLimit(usage.Limits.MaxConcurrent))
	if len(usage.Charges) == 0 {
		return
	}

	fmt.Fprintln(out)
	builder := ui.NewTableBuilder([]string{"SESSION", "MINUTES", "COST", "DESCRIPTION"}, len(usage.Charges))
	for _, charge := range usage.Charges {
		builder.AddRow(
			charge.SessionID,
			strconv.FormatFloat(charge.Minutes, 'f', 1, 64),
			ui.FormatCents(charge.CostCents),
			ui.TruncateTableCell(charge.Description),
		)
	}
	fmt.Fprint(out, builder.String())
}

func formatLimit(limit int) string {
	if limit < 0 {
		return "unlimited"
	}
	return strconv.Itoa(limit)
}
