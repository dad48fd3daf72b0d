package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartmob/pantarei/internal/acquisition"
	"github.com/smartmob/pantarei/internal/apperr"
	"github.com/smartmob/pantarei/internal/backend"
)

// userError turns a backend failure into the message shown to operators,
// keeping the technical detail for the log.
func (a *app) userError(err error) error {
	if err == nil {
		return nil
	}
	a.log.Debug().Err(err).Str("kind", string(apperr.Classify(err))).Msg("request failed")
	return errors.New(apperr.UserMessage(err))
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and test backend connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Config OK")
			fmt.Fprintf(out, "  API:        %s\n", a.cfg.APIBaseURL)
			fmt.Fprintf(out, "  Hub:        %s (%s)\n", a.cfg.HubURL(), a.cfg.HubTransports())
			fmt.Fprintf(out, "  Images:     %s\n", a.cfg.ImageBaseURL())
			if sel := a.cfg.InitialSelection(); sel.Valid() {
				fmt.Fprintf(out, "  Selection:  %s\n", sel)
			}
			fmt.Fprintln(out)

			client := a.client()
			fmt.Fprint(out, "Testing backend connectivity... ")
			start := time.Now()
			if err := client.Health(cmd.Context()); err != nil {
				fmt.Fprintln(out, "✗ Failed")
				return a.userError(err)
			}
			fmt.Fprintf(out, "✓ OK (latency: %dms)\n", time.Since(start).Milliseconds())

			fmt.Fprint(out, "Querying hub status... ")
			status, err := client.HubStatus(cmd.Context())
			if err != nil {
				fmt.Fprintf(out, "✗ %s\n", apperr.UserMessage(err))
				return nil
			}
			fmt.Fprintf(out, "✓ %s\n", strings.TrimSpace(string(status)))
			return nil
		},
	}
}

func newLinesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lines",
		Short: "List production lines and their stations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := a.client().Lines(cmd.Context())
			if err != nil {
				return a.userError(err)
			}
			return a.printLines(cmd.OutOrStdout(), lines)
		},
	}
}

func newStationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stations",
		Short: "Manage station master data",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stations, err := a.client().Stations(cmd.Context())
			if err != nil {
				return a.userError(err)
			}
			return a.printStations(cmd.OutOrStdout(), stations)
		},
	}

	get := &cobra.Command{
		Use:   "get <line> <station>",
		Short: "Show one station",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().Station(cmd.Context(), args[0], args[1])
			if err != nil {
				return a.userError(err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	create := &cobra.Command{
		Use:   "create <line> <station>",
		Short: "Create a station",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.client().CreateStation(cmd.Context(), backend.Station{LineCode: args[0], StationCode: args[1]})
			if err != nil {
				return a.userError(err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	var newLine, newStation string
	update := &cobra.Command{
		Use:   "update <line> <station>",
		Short: "Rename a station",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			next := backend.Station{LineCode: args[0], StationCode: args[1]}
			if newLine != "" {
				next.LineCode = newLine
			}
			if newStation != "" {
				next.StationCode = newStation
			}
			st, err := a.client().UpdateStation(cmd.Context(), args[0], args[1], next)
			if err != nil {
				return a.userError(err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	update.Flags().StringVar(&newLine, "new-line", "", "new line code")
	update.Flags().StringVar(&newStation, "new-station", "", "new station code")

	del := &cobra.Command{
		Use:   "delete <line> <station>",
		Short: "Delete a station",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().DeleteStation(cmd.Context(), args[0], args[1]); err != nil {
				return a.userError(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(list, get, create, update, del)
	return cmd
}

func newAcquisitionsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "acquisitions",
		Aliases: []string{"acq"},
		Short:   "Query acquisitions",
	}

	var page, pageSize int
	var query string

	list := &cobra.Command{
		Use:   "list",
		Short: "List acquisitions, optionally one page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client()
			var (
				records []acquisition.Record
				err     error
			)
			if cmd.Flags().Changed("page") || cmd.Flags().Changed("page-size") {
				records, err = client.AcquisitionsPage(cmd.Context(), page, pageSize)
			} else {
				records, err = client.Acquisitions(cmd.Context())
			}
			if err != nil {
				return a.userError(err)
			}
			return a.printRecords(cmd.OutOrStdout(), acquisition.Filter(records, query))
		},
	}
	list.Flags().IntVar(&page, "page", 1, "page number")
	list.Flags().IntVar(&pageSize, "page-size", 10, "page size")
	list.Flags().StringVarP(&query, "query", "q", "", "free-text filter")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one acquisition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.client().Acquisition(cmd.Context(), args[0])
			if err != nil {
				return a.userError(err)
			}
			return a.printRecords(cmd.OutOrStdout(), []acquisition.Record{*r})
		},
	}

	var fPage, fPageSize int
	var fQuery string
	filter := &cobra.Command{
		Use:   "filter <line> <station>",
		Short: "Search the acquisitions of a station",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := acquisition.Selection{Line: args[0], Station: args[1]}
			records, err := a.client().AcquisitionsByStation(cmd.Context(), sel)
			if err != nil {
				return a.userError(err)
			}
			matched := acquisition.Filter(records, fQuery)
			items, pages := acquisition.Page(matched, fPage, fPageSize)
			a.log.Debug().Int("matched", len(matched)).Int("pages", pages).Msg("filtered acquisitions")
			return a.printRecords(cmd.OutOrStdout(), items)
		},
	}
	filter.Flags().IntVar(&fPage, "page", 1, "page number")
	filter.Flags().IntVar(&fPageSize, "page-size", acquisition.DefaultPageSize, "page size")
	filter.Flags().StringVarP(&fQuery, "query", "q", "", "free-text filter")

	latest := &cobra.Command{
		Use:   "latest [<line> <station>]",
		Short: "Show the latest acquisition, overall or of a station",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return errors.New("expected no arguments or <line> <station>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := a.client()
			var (
				records []acquisition.Record
				err     error
			)
			if len(args) == 2 {
				records, err = backend.NewSnapshotFetcher(client).Fetch(cmd.Context(), acquisition.Selection{Line: args[0], Station: args[1]})
			} else {
				records, err = client.Latest(cmd.Context())
			}
			if err != nil {
				return a.userError(err)
			}
			return a.printRecords(cmd.OutOrStdout(), records)
		},
	}

	var from, to string
	rangeCmd := &cobra.Command{
		Use:   "range",
		Short: "List acquisitions inserted in a time range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseTime(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end := time.Now()
			if to != "" {
				if end, err = parseTime(to); err != nil {
					return fmt.Errorf("--to: %w", err)
				}
			}
			if end.Before(start) {
				return errors.New("--to is before --from")
			}
			records, err := a.client().AcquisitionsInRange(cmd.Context(), start, end)
			if err != nil {
				return a.userError(err)
			}
			return a.printRecords(cmd.OutOrStdout(), records)
		},
	}
	rangeCmd.Flags().StringVar(&from, "from", "", "start, RFC 3339 or YYYY-MM-DD (required)")
	rangeCmd.Flags().StringVar(&to, "to", "", "end, RFC 3339 or YYYY-MM-DD (default: now)")
	_ = rangeCmd.MarkFlagRequired("from")

	var format, outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Download every acquisition as a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.client().Export(cmd.Context(), format)
			if err != nil {
				return a.userError(err)
			}
			if outPath == "" || outPath == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(outPath, data, 0o644); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", len(data), outPath)
			return nil
		},
	}
	export.Flags().StringVar(&format, "format", "csv", "export format (csv, xlsx)")
	export.Flags().StringVar(&outPath, "out", "", "output file (default: stdout)")

	cmd.AddCommand(list, get, filter, latest, rangeCmd, export)
	return cmd
}

func newAnalyzeCommand(a *app) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "analyze <filename>",
		Short: "Send a photo to quality-control analysis and save the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := acquisition.Filename(args[0])
			if filename == "" {
				return errors.New("filename is empty")
			}
			img, err := a.client().ForwardImage(cmd.Context(), filename)
			if err != nil {
				return a.userError(err)
			}
			if outPath == "" {
				outPath = "analyzed-" + filepath.Base(filename)
			}
			if err := os.WriteFile(outPath, img.Data, 0o644); err != nil {
				return fmt.Errorf("write image: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d bytes)\n", outPath, img.ContentType, len(img.Data))
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output file (default: analyzed-<filename>)")
	return cmd
}

// parseTime accepts RFC 3339 timestamps and plain local dates.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}
