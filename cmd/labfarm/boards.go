package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/spf13/cobra"
)

var boardsActor string

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List boards as seen by an actor",
	Long: `Run one sync pass as the given actor and print the boards that
actor may see. Without --actor every board is listed.`,
	RunE: runBoards,
}

func init() {
	rootCmd.AddCommand(boardsCmd)
	boardsCmd.Flags().StringVar(&boardsActor, "actor", "", "user id whose view is listed")
}

func runBoards(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	svc, err := startService(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if err := svc.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop service")
		}
	}()

	snap, err := svc.SyncLoop(boardsActor, nil).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reading boards: %w", err)
	}

	printBoards(os.Stdout, snap.Boards, snap.TakenAt)

	return nil
}

var statusColors = map[lab.BoardStatus]*color.Color{
	lab.BoardOnline:          color.New(color.FgGreen),
	lab.BoardReserved:        color.New(color.FgYellow),
	lab.BoardBusy:            color.New(color.FgYellow, color.Bold),
	lab.BoardOffline:         color.New(color.FgRed),
	lab.BoardMaintenance:     color.New(color.FgRed, color.Bold),
	lab.BoardPendingApproval: color.New(color.FgCyan),
}

// printBoards writes one row per board. Reserved boards show the holder
// and the time left. Status is coloured after alignment so escape codes do
// not count towards column widths.
func printBoards(out io.Writer, boards []lab.Board, now time.Time) {
	var buf bytes.Buffer

	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tVISIBILITY\tHOLDER")

	for _, b := range boards {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Name, b.Type, b.Status, b.Visibility, holder(b, now))
	}

	_ = w.Flush()

	lines := strings.SplitAfter(buf.String(), "\n")
	col := utf8.RuneCountInString(lines[0][:strings.Index(lines[0], "STATUS")])

	for i, line := range lines {
		if i > 0 && i <= len(boards) {
			line = colorStatus(line, col, boards[i-1].Status)
		}

		_, _ = io.WriteString(out, line)
	}
}

// colorStatus colours the status cell starting at rune offset col.
func colorStatus(line string, col int, status lab.BoardStatus) string {
	c, ok := statusColors[status]
	if !ok {
		return line
	}

	r := []rune(line)

	end := col + utf8.RuneCountInString(string(status))
	if end > len(r) {
		return line
	}

	return string(r[:col]) + c.Sprint(string(r[col:end])) + string(r[end:])
}

func holder(b lab.Board, now time.Time) string {
	if !b.HasReservation() {
		return "-"
	}

	left := b.ReservationEnd.Sub(now)
	if left <= 0 {
		return b.ReservedBy + " (expired)"
	}

	return fmt.Sprintf("%s (%s left)", b.ReservedBy, units.HumanDuration(left))
}
