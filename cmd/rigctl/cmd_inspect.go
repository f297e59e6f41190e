package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/rigctl/internal/record"
)

// newInspectCmd creates the "rigctl inspect" command.
func newInspectCmd() *cobra.Command {
	var (
		asJSON  bool
		samples int
	)

	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Summarize a session record",
		Long:  "Print a record's metadata, parameters, attributes and datasets.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := record.Open(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeRecordJSON(cmd.OutOrStdout(), rec)
			}
			writeRecordSummary(cmd.OutOrStdout(), rec, samples)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "dump the whole record as JSON")
	cmd.Flags().IntVar(&samples, "samples", 3, "samples to show from each end of a dataset")
	return cmd
}

func writeRecordSummary(w io.Writer, rec *record.Record, samples int) {
	fmt.Fprintf(w, "session   %s\n", rec.ID)
	fmt.Fprintf(w, "group     %s\n", rec.Group)
	fmt.Fprintf(w, "profile   %s\n", rec.Profile)
	fmt.Fprintf(w, "started   %s\n", rec.StartTime.Format(time.RFC3339))
	fmt.Fprintf(w, "ended     %s (%s)\n", rec.EndTime.Format(time.RFC3339), rec.EndTime.Sub(rec.StartTime).Round(time.Second))
	fmt.Fprintf(w, "device    %d ms, %s\n", rec.DeviceEnd, rec.EndReason)
	if rec.Notes != "" {
		fmt.Fprintf(w, "notes     %s\n", strings.ReplaceAll(rec.Notes, "\n", " "))
	}

	fmt.Fprintln(w, "\nparams")
	for _, p := range rec.Params {
		fmt.Fprintf(w, "  %-20s %d\n", p.Name, p.Value)
	}
	if len(rec.Attributes) > 0 {
		fmt.Fprintln(w, "\nattributes")
		for _, a := range rec.Attributes {
			fmt.Fprintf(w, "  %-20s %v\n", a.Key, a.Value())
		}
	}

	fmt.Fprintln(w, "\ndatasets")
	for _, d := range rec.Datasets {
		fmt.Fprintf(w, "  %-20s %-10s %6d  %s\n", d.Name, d.Kind, d.Len(), formatSamples(d, samples))
	}
}

// formatSamples shows the first and last n samples of d.
func formatSamples(d record.Dataset, n int) string {
	one := func(s record.Sample) string {
		switch {
		case d.Kind.HasTime() && d.Kind.HasValue():
			return fmt.Sprintf("%d:%d", s.T, s.V)
		case d.Kind.HasTime():
			return fmt.Sprint(s.T)
		default:
			return fmt.Sprint(s.V)
		}
	}
	if n <= 0 || d.Len() == 0 {
		return ""
	}
	var parts []string
	if d.Len() <= 2*n {
		for _, s := range d.Samples {
			parts = append(parts, one(s))
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
	for _, s := range d.Samples[:n] {
		parts = append(parts, one(s))
	}
	parts = append(parts, "...")
	for _, s := range d.Samples[d.Len()-n:] {
		parts = append(parts, one(s))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

type recordView struct {
	ID         string           `json:"id"`
	Group      string           `json:"group"`
	Profile    string           `json:"profile"`
	StartTime  time.Time        `json:"startTime"`
	EndTime    time.Time        `json:"endTime"`
	DeviceEnd  int64            `json:"deviceEnd"`
	EndReason  string           `json:"endReason,omitempty"`
	Notes      string           `json:"notes,omitempty"`
	Params     map[string]int   `json:"params"`
	Attributes map[string]any   `json:"attributes,omitempty"`
	Datasets   []record.Dataset `json:"datasets"`
}

func writeRecordJSON(w io.Writer, rec *record.Record) error {
	v := recordView{
		ID:        rec.ID,
		Group:     rec.Group,
		Profile:   rec.Profile,
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		DeviceEnd: rec.DeviceEnd,
		EndReason: rec.EndReason,
		Notes:     rec.Notes,
		Params:    make(map[string]int, len(rec.Params)),
		Datasets:  rec.Datasets,
	}
	for _, p := range rec.Params {
		v.Params[p.Name] = p.Value
	}
	if len(rec.Attributes) > 0 {
		v.Attributes = make(map[string]any, len(rec.Attributes))
		for _, a := range rec.Attributes {
			v.Attributes[a.Key] = a.Value()
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
