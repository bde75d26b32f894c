package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/erazemk/custody/internal/model"
)

// emit writes v as indented JSON when --json is set, otherwise calls text.
func (a *app) emit(w io.Writer, v any, text func(w io.Writer)) error {
	if a.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func table(w io.Writer, header string, rows func(tw *tabwriter.Writer)) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	rows(tw)
	tw.Flush()
}

func stamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

func printLocation(w io.Writer, loc *model.Location) {
	fmt.Fprintf(w, "%s (%d) is with %s (%d), %s since %s\n",
		loc.ItemName, loc.ItemID, loc.HolderName, loc.HolderID, loc.Status, stamp(loc.Since))
}

func printTransfers(w io.Writer, recs []model.TransferRecord) {
	table(w, "ID\tITEM\tFROM\tTO\tINITIATED\tCONFIRMED\tACTIVE\tREMARKS", func(tw *tabwriter.Writer) {
		for _, r := range recs {
			confirmed := "-"
			if r.ConfirmedAt != nil {
				confirmed = stamp(*r.ConfirmedAt)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				r.ID, r.ItemName, r.FromHolderName, r.ToHolderName,
				stamp(r.InitiatedAt), confirmed, r.Active, r.Remarks)
		}
	})
}

func printTransfer(w io.Writer, r *model.TransferRecord) {
	state := "awaiting confirmation"
	if !r.InTransit() {
		state = "confirmed"
	}
	fmt.Fprintf(w, "Transfer %d: %s from %s to %s, %s\n", r.ID, r.ItemName, r.FromHolderName, r.ToHolderName, state)
}
