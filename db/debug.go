package db

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// PrintHistoryCLI writes the most recent GPIO actions as a table.
func PrintHistoryCLI(dbPath string, limit int, w io.Writer) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	actions, err := RecentGPIOActions(dbConn, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSOURCE\tACTION\tPIN\tSTATE\tOK\tMESSAGE")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			a.CreatedAt.Local().Format(time.DateTime), a.Source, a.Action, a.Pin, a.State, a.Success, a.Message)
	}
	return tw.Flush()
}

// PrintChatsCLI writes the most recent chat exchanges as a table.
func PrintChatsCLI(dbPath string, limit int, w io.Writer) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	chats, err := RecentChats(dbConn, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tGPIO\tOK\tQUESTION\tANSWER")
	for _, c := range chats {
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\n",
			c.CreatedAt.Local().Format(time.DateTime), c.GPIODetected, c.Success, oneLine(c.Question, 60), oneLine(c.Answer, 60))
	}
	return tw.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}

// PruneHistoryCLI deletes GPIO actions older than the given age.
func PruneHistoryCLI(dbPath string, olderThan time.Duration) (int64, error) {
	dbConn, err := Open(dbPath)
	if err != nil {
		return 0, err
	}
	defer dbConn.Close()

	return PruneGPIOActions(dbConn, time.Now().Add(-olderThan))
}
