package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nulpointcorp/contentgen-gateway/internal/app"
	"github.com/nulpointcorp/contentgen-gateway/internal/server"
	"github.com/nulpointcorp/contentgen-gateway/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usagePeriod   string
	usageFrom     string
	usageTo       string
	usageUser     string
	usageProvider string
	usageModel    string
	usageOutput   string

	tokenUser string
	tokenRole string
	tokenTTL  time.Duration
)

// cacheCmd groups the response cache commands.
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts, size and hit ratio",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached response",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

// usageCmd groups the usage log commands.
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report on the usage log",
}

var usageStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print usage totals and per-model breakdown",
	Args:  cobra.NoArgs,
	RunE:  runUsageStats,
}

var usageExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export per-model usage as CSV",
	Long: `Writes one CSV row per provider/model with the columns
Provider, Model, Requests, Tokens, Cost.

Example:
  gateway usage export --period custom --from 2025-03-01 --to 2025-04-01 -o march.csv`,
	Args: cobra.NoArgs,
	RunE: runUsageExport,
}

// settingsCmd groups the settings commands.
var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect the settings record",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings as JSON",
	Args:  cobra.NoArgs,
	RunE:  runSettingsShow,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed API token (requires JWT_SECRET)",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)

	for _, c := range []*cobra.Command{usageStatsCmd, usageExportCmd} {
		c.Flags().StringVar(&usagePeriod, "period", "month", "today, week, month, year, all or custom")
		c.Flags().StringVar(&usageFrom, "from", "", "start date for --period custom (YYYY-MM-DD)")
		c.Flags().StringVar(&usageTo, "to", "", "end date (exclusive) for --period custom (YYYY-MM-DD)")
		c.Flags().StringVar(&usageUser, "user", "", "only this user id")
		c.Flags().StringVar(&usageProvider, "provider", "", "only this provider")
		c.Flags().StringVar(&usageModel, "model", "", "only this model")
	}
	usageExportCmd.Flags().StringVarP(&usageOutput, "output", "o", "", "write CSV to file instead of stdout")
	usageCmd.AddCommand(usageStatsCmd, usageExportCmd)

	settingsCmd.AddCommand(settingsShowCmd)

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", server.RoleEditor, "admin or editor")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(cacheCmd, usageCmd, settingsCmd, tokenCmd)
}

// openBackends connects the configured stores and warns when they are
// in-process, where a separate CLI invocation sees nothing.
func openBackends(cmd *cobra.Command) (*app.App, error) {
	if cfg.Store.Mode != "redis" || cfg.Cache.Mode != "redis" || cfg.Usage.Store != "clickhouse" {
		logger.Warn("some backends are in-process; the CLI only sees state shared through redis / clickhouse",
			"store_mode", cfg.Store.Mode, "cache_mode", cfg.Cache.Mode, "usage_store", cfg.Usage.Store)
	}
	return app.OpenBackends(cmd.Context(), cfg, logger)
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	a, err := openBackends(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c := a.Cache()
	if c == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "cache disabled (CACHE_MODE=none)")
		return nil
	}
	st, err := c.Stats(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "entries\t%d\n", st.Total)
	fmt.Fprintf(w, "expired\t%d\n", st.Expired)
	fmt.Fprintf(w, "size\t%d bytes\n", st.SizeBytes)
	fmt.Fprintf(w, "hits\t%d / %d lookups\n", st.Hits, st.Lookups)
	fmt.Fprintf(w, "hit ratio\t%.1f%%\n", st.HitRatio*100)
	return w.Flush()
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	a, err := openBackends(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	c := a.Cache()
	if c == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "cache disabled (CACHE_MODE=none)")
		return nil
	}
	n, err := c.Clear(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
	return nil
}

// usageFilter converts the --period / --from / --to flags into a filter.
func usageFilter() (usage.Filter, error) {
	p, err := usage.ParsePeriod(usagePeriod)
	if err != nil {
		return usage.Filter{}, err
	}
	var from, to time.Time
	if p == usage.PeriodCustom {
		if from, err = time.Parse(time.DateOnly, usageFrom); err != nil {
			return usage.Filter{}, fmt.Errorf("--from: %w", err)
		}
		if to, err = time.Parse(time.DateOnly, usageTo); err != nil {
			return usage.Filter{}, fmt.Errorf("--to: %w", err)
		}
	}
	from, to, err = p.Range(time.Now(), from, to)
	if err != nil {
		return usage.Filter{}, err
	}
	return usage.Filter{From: from, To: to, UserID: usageUser, Provider: usageProvider, Model: usageModel}, nil
}

func runUsageStats(cmd *cobra.Command, _ []string) error {
	f, err := usageFilter()
	if err != nil {
		return err
	}
	a, err := openBackends(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.Usage().Stats(cmd.Context(), f)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "requests\t%d (%d ok, %d failed, %d cached)\n", st.Requests, st.Successes, st.Errors, st.CacheHits)
	fmt.Fprintf(w, "tokens\t%d in / %d out\n", st.TokensIn, st.TokensOut)
	fmt.Fprintf(w, "cost\t$%.4f\n", st.Cost)
	fmt.Fprintf(w, "avg latency\t%s\n", st.AvgLatency.Round(time.Millisecond))
	if len(st.ByModel) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "PROVIDER\tMODEL\tREQUESTS\tTOKENS\tCOST")
		for _, g := range st.ByModel {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t$%.4f\n", g.Provider, g.Key, g.Requests, g.Tokens, g.Cost)
		}
	}
	return w.Flush()
}

func runUsageExport(cmd *cobra.Command, _ []string) error {
	f, err := usageFilter()
	if err != nil {
		return err
	}
	a, err := openBackends(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := usage.ExportCSV(cmd.Context(), a.Usage(), f)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if usageOutput != "" {
		file, err := os.Create(usageOutput)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}
	_, err = out.Write(data)
	return err
}

func runSettingsShow(cmd *cobra.Command, _ []string) error {
	a, err := openBackends(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Settings().Get(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

func runToken(cmd *cobra.Command, _ []string) error {
	tok, err := server.NewAuthenticator(cfg.Auth.JWTSecret).IssueToken(tokenUser, tokenRole, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
