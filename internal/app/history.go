package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/petervdpas/goopcall/internal/config"
)

// PrintHistory writes the user's most recent call records to w without
// bringing the peer online.
func PrintHistory(ctx context.Context, peerDir string, cfg config.Config, limit int, w io.Writer) error {
	st, err := openStore(ctx, peerDir, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	if limit <= 0 {
		limit = cfg.Call.HistoryLimit
	}
	self := cfg.Identity.UserID
	recs, err := st.calls.ListHistory(ctx, self, limit)
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tDIR\tPEER\tTYPE\tSTATUS\tDURATION")
	for _, r := range recs {
		dir := "in"
		if r.CallerID == self {
			dir = "out"
		}
		dur := "-"
		if d := r.Duration(); d > 0 {
			dur = d.Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04"), dir, r.PeerOf(self), r.Type, r.Status, dur)
	}
	return tw.Flush()
}
