package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/amonks/workcell/internal/listflags"
	"github.com/amonks/workcell/internal/state"
	"github.com/amonks/workcell/internal/ui"
	"github.com/amonks/workcell/internal/validation"
	"github.com/amonks/workcell/server"
	"github.com/amonks/workcell/session"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Start a session that works on a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var tailCmd = &cobra.Command{
	Use:   "tail <id>",
	Short: "Stream session events until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

var (
	runRepo   string
	runBranch string
	runMode   string
	runUser   string
	runFollow bool
	runJSON   bool

	showJSON bool

	listStatus string
	listAll    bool
	listJSON   bool
	listUser   string

	tailAfter int64
)

func init() {
	rootCmd.AddCommand(runCmd, cancelCmd, showCmd, listCmd, tailCmd)

	runCmd.Flags().StringVar(&runRepo, "repo", "", "Repository id")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch to push (default: the repository's default branch)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Session mode (quick, extended; default from session.default-mode)")
	listflags.AddUserFlag(runCmd, &runUser, "Acting user (default from session.user or $USER)")
	runCmd.Flags().BoolVarP(&runFollow, "follow", "f", false, "Stream events until the session finishes")
	listflags.AddJSONFlag(runCmd, &runJSON, "Output the created session as JSON")
	_ = runCmd.MarkFlagRequired("repo")
	runCmd.MarkFlagsMutuallyExclusive("follow", "json")

	listflags.AddJSONFlag(showCmd, &showJSON, "")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listflags.AddAllFlag(listCmd, &listAll)
	listflags.AddJSONFlag(listCmd, &listJSON, "")
	listflags.AddUserFlag(listCmd, &listUser, "Filter by user")

	tailCmd.Flags().Int64Var(&tailAfter, "after", -1, "Only show events after this sequence number")
}

// sessionEndedError reports a followed session that did not complete.
type sessionEndedError struct {
	id     string
	status session.Status
	reason string
}

func (e *sessionEndedError) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("session %s %s: %s", e.id, e.status, e.reason)
	}
	return fmt.Sprintf("session %s %s", e.id, e.status)
}

func (e *sessionEndedError) ExitCode() int {
	return 1
}

func runRun(cmd *cobra.Command, args []string) error {
	user, err := resolveUser(runUser)
	if err != nil {
		return err
	}
	mode := strings.TrimSpace(runMode)
	if mode == "" {
		mode = cfg.Session.DefaultMode
	}
	if !session.Mode(mode).IsValid() {
		return validation.FormatInvalidValueError(session.ErrInvalidMode, session.Mode(mode), state.ValidSessionModes())
	}

	client := newClient()
	sess, err := client.Create(cmd.Context(), session.CreateRequest{
		UserID:       user,
		RepositoryID: runRepo,
		Task:         strings.Join(args, " "),
		Branch:       runBranch,
		Mode:         session.Mode(mode),
	})
	if err != nil {
		return err
	}
	if runJSON {
		return encodeJSONToStdout(sess)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created session %s\n", sess.ID)
	if !runFollow {
		return nil
	}
	return followSession(cmd.Context(), client, cmd.OutOrStdout(), sess.ID, -1)
}

func runCancel(cmd *cobra.Command, args []string) error {
	sess, err := newClient().Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled session %s\n", sess.ID)
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	sess, err := newClient().Show(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if showJSON {
		return encodeJSONToStdout(sess)
	}
	fmt.Fprint(cmd.OutOrStdout(), formatSessionDetail(sess, time.Now()))
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	status := strings.TrimSpace(listStatus)
	if status != "" && !session.Status(status).IsValid() {
		return validation.FormatInvalidValueError(session.ErrInvalidStatus, session.Status(status), session.ValidStatuses())
	}
	sessions, err := newClient().List(cmd.Context(), server.ListRequest{
		UserID: strings.TrimSpace(listUser),
		Status: status,
		All:    listAll,
	})
	if err != nil {
		return err
	}
	if listJSON {
		if sessions == nil {
			sessions = []session.Session{}
		}
		return encodeJSONToStdout(sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), formatSessionTable(sessions, ui.ColorEnabled(os.Stdout), time.Now()))
	return nil
}

func runTail(cmd *cobra.Command, args []string) error {
	client := newClient()
	sess, err := client.Show(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return followSession(cmd.Context(), client, cmd.OutOrStdout(), sess.ID, tailAfter)
}

// followSession prints events until the stream ends, then reports how the
// session finished.
func followSession(ctx context.Context, client *server.Client, out io.Writer, id string, after int64) error {
	color := ui.ColorEnabled(os.Stdout)
	formatter := ui.NewEventFormatter(ui.TerminalWidth(os.Stdout, 100), color)

	events, errs := client.Tail(ctx, id, after)
	for event := range events {
		fmt.Fprintln(out, formatter.Format(event))
	}
	if err := <-errs; err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	sess, err := client.Show(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == session.StatusCompleted {
		return nil
	}
	return &sessionEndedError{id: sess.ID, status: sess.Status, reason: sess.ErrorMessage}
}

func formatSessionTable(sessions []session.Session, color bool, now time.Time) string {
	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}
	prefixes := ui.PrefixLengths(ids)

	builder := ui.NewTableBuilder([]string{"ID", "STATUS", "USER", "REPO", "MODE", "AGE", "DURATION", "TASK"}, len(sessions))
	for _, sess := range sessions {
		builder.AddRow(
			ui.HighlightID(sess.ID, ui.PrefixLength(prefixes, sess.ID), color),
			string(sess.Status),
			sess.UserID,
			sess.RepositoryID,
			string(sess.Mode),
			ui.FormatTimeAgo(sess.CreatedAt, now),
			ui.FormatOptionalDuration(session.Age(sess, now)),
			ui.TruncateTableCell(sess.Task),
		)
	}
	return builder.String()
}

func formatSessionDetail(sess session.Session, now time.Time) string {
	var b strings.Builder
	field := func(name, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&b, "%-10s %s\n", name+":", value)
	}
	field("ID", sess.ID)
	field("Status", string(sess.Status))
	field("User", sess.UserID)
	field("Repo", sess.RepositoryID)
	field("Branch", sess.Branch)
	field("Mode", string(sess.Mode))
	field("Task", sess.Task)
	field("Created", ui.FormatTimeAgo(sess.CreatedAt, now))
	if !sess.EndedAt.IsZero() {
		field("Duration", ui.FormatDurationShort(time.Duration(sess.DurationSeconds*float64(time.Second))))
		field("Cost", ui.FormatCents(sess.CostCents))
	}
	field("Container", sess.ContainerID)
	field("Commit", sess.CommitSHA)
	field("Error", sess.ErrorMessage)
	return b.String()
}
