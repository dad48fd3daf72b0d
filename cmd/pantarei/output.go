package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/backend"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRecords writes records as JSON or as a table.
func (a *app) printRecords(w io.Writer, records []acquisition.Record) error {
	if a.output == "json" {
		if records == nil {
			records = []acquisition.Record{}
		}
		return printJSON(w, records)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLINE\tSTATION\tARTICLE\tORDER\tQUALITY\tINSERTED")
	for _, r := range records {
		inserted := "-"
		if r.InsertedAt != nil {
			inserted = r.InsertedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			dash(r.ID), dash(r.LineCode), dash(r.StationCode), dash(r.ArticleCode), dash(r.OrderCode), r.Quality(), inserted)
	}
	return tw.Flush()
}

func (a *app) printLines(w io.Writer, lines []backend.Line) error {
	if a.output == "json" {
		return printJSON(w, lines)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tSTATIONS")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%s\n", l.Code, strings.Join(l.Stations, ", "))
	}
	return tw.Flush()
}

func (a *app) printStations(w io.Writer, stations []backend.Station) error {
	if a.output == "json" {
		return printJSON(w, stations)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tSTATION")
	for _, s := range stations {
		fmt.Fprintf(tw, "%s\t%s\n", s.LineCode, s.StationCode)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
