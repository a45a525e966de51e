package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/companion/internal/conversation"
	"github.com/lazypower/companion/internal/model"
)

const timeLayout = "2006-01-02 15:04"

// --- users command ---

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users, most recently active first",
	RunE:  runUsers,
}

func runUsers(cmd *cobra.Command, args []string) error {
	in, err := openInspector()
	if err != nil {
		return err
	}
	defer in.Close()

	out := cmd.OutOrStdout()
	users := in.convs.Summaries()
	if len(users) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return nil
	}
	for _, u := range users {
		last := "never"
		if u.LastMessageAt != nil {
			last = u.LastMessageAt.Local().Format(timeLayout)
		}
		name := u.FirstName
		if u.Username != "" {
			name += " @" + u.Username
		}
		fmt.Fprintf(out, "%-14d %-28s %5d msgs  last: %s\n", u.UserID, name, u.MessageCount, last)
	}
	return nil
}

// --- history command ---

var (
	historyLimit int
	historyFrom  string
	historyTo    string
)

var historyCmd = &cobra.Command{
	Use:   "history <user_id>",
	Short: "Print a user's conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	var from, to time.Time
	if historyFrom != "" {
		if from, err = time.ParseInLocation("2006-01-02", historyFrom, time.Local); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	if historyTo != "" {
		if to, err = time.ParseInLocation("2006-01-02", historyTo, time.Local); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		to = to.AddDate(0, 0, 1)
	}

	in, err := openInspector()
	if err != nil {
		return err
	}
	defer in.Close()

	msgs, err := in.convs.MessagesBetween(userID, from, to)
	if err != nil {
		return err
	}
	if historyLimit > 0 && len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}

	out := cmd.OutOrStdout()
	rec, _ := in.convs.Get(userID)
	fmt.Fprintf(out, "## %s (%d)\n\n", conversation.DisplayName(rec), userID)
	for _, m := range msgs {
		fmt.Fprintf(out, "[%s] %s\n", m.Timestamp.Local().Format(timeLayout), speaker(m))
		fmt.Fprintf(out, "%s\n\n", m.Content)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages in range.")
	}
	return nil
}

func speaker(m model.Message) string {
	switch {
	case m.Role == model.RoleUser:
		return "user"
	case m.Proactive:
		return "companion (proactive)"
	}
	return "companion"
}

// --- reset command ---

var resetCmd = &cobra.Command{
	Use:   "reset <user_id>",
	Short: "Erase a user's conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		in, err := openInspector()
		if err != nil {
			return err
		}
		defer in.Close()

		if _, ok := in.convs.Get(userID); !ok {
			return &conversation.NotFoundError{UserID: userID}
		}
		if err := in.convs.Clear(userID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation for %d erased.\n", userID)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Only show the last N messages")
	historyCmd.Flags().StringVar(&historyFrom, "from", "", "First day to include (YYYY-MM-DD)")
	historyCmd.Flags().StringVar(&historyTo, "to", "", "Last day to include (YYYY-MM-DD)")
}
