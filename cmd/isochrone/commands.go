package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"isochrone/internal/cache"
	"isochrone/internal/isochrone"
	"isochrone/internal/params"
	"isochrone/internal/table"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func (o *rootOptions) config() (isochrone.Config, error) {
	cfg, err := isochrone.LoadConfig(o.configPath)
	if err != nil {
		return isochrone.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "isochrone",
		Short:         "Fetch and cache isochrone tables from the Padova CMD service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config",
		getenvDefault("ISOCHRONE_CONFIG", "isochrone.yaml"), "path to isochrone.yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newGetCmd(opts), newFingerprintCmd(), newCacheCmd(opts))
	return root
}

// requestFlags mirrors params.Fields on the command line.
type requestFlags struct {
	kind                             string
	age, z, av                       float64
	logAgeMin, logAgeMax, logAgeStep float64
	zMin, zMax, zStep                float64
	phot, model                      string
	settings                         map[string]string
}

func (r *requestFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&r.kind, "kind", "single", "single, age-grid or metallicity-grid")
	fs.Float64Var(&r.age, "age", 0, "age in years (single, metallicity-grid)")
	fs.Float64Var(&r.z, "z", 0, "metallicity Z (single, age-grid)")
	fs.Float64Var(&r.logAgeMin, "log-age-min", 0, "first log10 age (age-grid)")
	fs.Float64Var(&r.logAgeMax, "log-age-max", 0, "last log10 age (age-grid)")
	fs.Float64Var(&r.logAgeStep, "log-age-step", 0, "log10 age step (age-grid)")
	fs.Float64Var(&r.zMin, "z-min", 0, "first Z (metallicity-grid)")
	fs.Float64Var(&r.zMax, "z-max", 0, "last Z (metallicity-grid)")
	fs.Float64Var(&r.zStep, "z-step", 0, "Z step (metallicity-grid)")
	fs.StringVar(&r.phot, "phot", string(params.UBVRIJHK), "photometric system")
	fs.StringVar(&r.model, "model", "", "evolution track set (default: service default)")
	fs.Float64Var(&r.av, "av", 0, "V-band extinction in magnitudes")
	fs.StringToStringVar(&r.settings, "set", nil, "other form field as key=value, e.g. carbon=loidl01 (repeatable)")
}

func (r *requestFlags) set() (*params.Set, error) {
	kind, err := params.ParseKind(r.kind)
	if err != nil {
		return nil, err
	}
	return params.FromFields(params.Fields{
		Kind:         kind,
		Age:          r.age,
		Metallicity:  r.z,
		LogAgeMin:    r.logAgeMin,
		LogAgeMax:    r.logAgeMax,
		LogAgeStep:   r.logAgeStep,
		ZMin:         r.zMin,
		ZMax:         r.zMax,
		ZStep:        r.zStep,
		PhotSystem:   r.phot,
		Model:        r.model,
		ExtinctionAV: r.av,
		Settings:     r.settings,
	})
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var (
		req     requestFlags
		format  string
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the isochrone tables for a request, fetching on a cache miss",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "tsv" && format != "json" {
				return fmt.Errorf("--format: want tsv or json, got %q", format)
			}
			set, err := req.set()
			if err != nil {
				return err
			}
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			svc, err := isochrone.NewFromConfig(cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			get := svc.Get
			if refresh {
				get = svc.Refresh
			}
			tables, err := get(cmd.Context(), set)
			if err != nil {
				return err
			}
			if opts.verbose {
				fmt.Fprintln(cmd.ErrOrStderr(), svc.Stats())
			}
			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(jsonTables(tables))
			}
			return writeTSV(cmd.OutOrStdout(), tables)
		},
	}
	req.bind(cmd)
	cmd.Flags().StringVar(&format, "format", "tsv", "output format: tsv or json")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "drop the cached payload and fetch again")
	return cmd
}

func newFingerprintCmd() *cobra.Command {
	var (
		req       requestFlags
		canonical bool
	)
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Validate a request offline and print its cache key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set, err := req.set()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), set.Fingerprint())
			if canonical {
				fmt.Fprintln(cmd.OutOrStdout(), set.Canonical())
			}
			return nil
		},
	}
	req.bind(cmd)
	cmd.Flags().BoolVar(&canonical, "canonical", false, "also print the canonical form")
	return cmd
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or prune the local payload cache",
	}

	open := func() (*cache.Store, error) {
		cfg, err := opts.config()
		if err != nil {
			return nil, err
		}
		return cache.Open(cfg.Cache.Dir)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List cached payloads, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			infos, err := store.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FINGERPRINT\tCREATED\tBYTES")
			for _, in := range infos {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", in.Fingerprint, in.CreatedAt.Format(time.RFC3339), in.Size)
			}
			return tw.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Write a cached payload to stdout as received",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			ent, ok, err := store.Entry(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: not cached", args[0])
			}
			_, err = cmd.OutOrStdout().Write(ent.Payload)
			return err
		},
	}

	evict := &cobra.Command{
		Use:   "evict <fingerprint>...",
		Short: "Remove cached payloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			for _, fp := range args {
				if err := store.Evict(fp); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, evict)
	return cmd
}

// writeTSV prints each table as a commented metadata line, a header row and
// tab-separated values, with a blank line between tables.
func writeTSV(w io.Writer, tables []*table.Table) error {
	for i, t := range tables {
		if i > 0 {
			if _, err := io.WriteString(w, "\n"); err != nil {
				return err
			}
		}
		fmt.Fprintf(w, "# age=%s Z=%s photsys=%s rows=%d\n",
			fmtFloat(t.Age()), fmtFloat(t.Metallicity()), t.PhotSystem(), t.Len())
		fmt.Fprintln(w, strings.Join(t.Columns, "\t"))
		vals := make([]string, len(t.Columns))
		for _, row := range t.Rows {
			for j, v := range row {
				vals[j] = fmtFloat(v)
			}
			if _, err := fmt.Fprintln(w, strings.Join(vals, "\t")); err != nil {
				return err
			}
		}
	}
	return nil
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// cell encodes NaN and infinities, which CMD tables may carry, as JSON null.
type cell float64

func (c cell) MarshalJSON() ([]byte, error) {
	v := float64(c)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

type jsonTable struct {
	Columns []string       `json:"columns"`
	Rows    [][]cell       `json:"rows"`
	Meta    map[string]any `json:"meta"`
}

func jsonTables(tables []*table.Table) []jsonTable {
	out := make([]jsonTable, len(tables))
	for i, t := range tables {
		rows := make([][]cell, len(t.Rows))
		for j, row := range t.Rows {
			rows[j] = make([]cell, len(row))
			for k, v := range row {
				rows[j][k] = cell(v)
			}
		}
		meta := make(map[string]any, len(t.Meta))
		for k, v := range t.Meta {
			if f, ok := v.(float64); ok {
				v = cell(f)
			}
			meta[k] = v
		}
		out[i] = jsonTable{Columns: t.Columns, Rows: rows, Meta: meta}
	}
	return out
}
