package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"rockfall/internal/client"
	"rockfall/internal/dashboard"
	"rockfall/internal/types"
	"rockfall/internal/zones"
	"rockfall/internal/zonestate"
)

// table returns a borderless, left-aligned table writing to c.out, one
// line per row.
func (c *cli) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(c.out)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show API and classifier health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := c.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(health)
			}
			fmt.Fprintf(c.out, "status:     %v\n", health["status"])
			fmt.Fprintf(c.out, "backend:    %v\n", health["backend"])
			classifier, _ := json.Marshal(health["classifierStatus"])
			fmt.Fprintf(c.out, "classifier: %s\n", classifier)
			return nil
		},
	}
}

func (c *cli) zonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zones",
		Short: "List monitored slope zones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.client().Zones(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(list)
			}
			t := c.table("ID", "NAME", "COLOR")
			for _, z := range list {
				t.Append([]string{z.ID, z.DisplayName, z.Color})
			}
			t.Render()
			return nil
		},
	}
}

func (c *cli) predictCmd() *cobra.Command {
	var (
		zoneID string
		label  string
		file   string
	)
	values := make(map[string]*string, len(types.MeasurementFields))

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Classify one set of slope measurements",
		Long: `Submit measurements for classification.

Values come from --file (a JSON measurement document) and/or one flag per
field; flags override the file. Missing fields are reported by the server.`,
		Example: `  rockfallctl predict --zone A --temperature_c 15 --humidity_pct 60 --wind_speed 5 \
    --rain_flag 0 --slope_angle_deg 40 --slope_height_m 100 --pore_water_pressure_ratio 0.3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := &types.MeasurementInput{}
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading measurement file: %w", err)
				}
				if err := json.Unmarshal(raw, in); err != nil {
					return fmt.Errorf("decoding measurement file: %w", err)
				}
			}

			set := make(map[string]string)
			for _, f := range types.MeasurementFields {
				if cmd.Flags().Changed(f.Name) {
					set[f.Name] = *values[f.Name]
				}
			}
			mergeInput(in, types.InputFromStrings(set))
			if label != "" {
				in.Zone = label
			}

			pred, err := c.client().Submit(cmd.Context(), zoneID, in)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(pred)
			}
			fmt.Fprintf(c.out, "zone:       %s\n", pred.ZoneLabel)
			fmt.Fprintf(c.out, "risk level: %s (code %d)\n", pred.RiskLevel, pred.RiskCode)
			if pred.Probability != nil || pred.Confidence != nil {
				fmt.Fprintf(c.out, "score:      %.3f\n", pred.Score())
			}
			if pred.Message != "" {
				fmt.Fprintf(c.out, "message:    %s\n", pred.Message)
			}
			if pred.RecordID != "" {
				fmt.Fprintf(c.out, "record:     %s\n", pred.RecordID)
			} else {
				fmt.Fprintln(c.out, "record:     not stored")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&zoneID, "zone", "", "zone id, e.g. A")
	cmd.Flags().StringVar(&label, "label", "", "zone label to record instead of the registry name")
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file with measurement fields")
	for _, f := range types.MeasurementFields {
		values[f.Name] = cmd.Flags().String(f.Name, "", fmt.Sprintf("%s (%s)", f.Label, f.Unit))
	}
	return cmd
}

// mergeInput copies every reading present in src onto dst.
func mergeInput(dst, src *types.MeasurementInput) {
	for _, p := range []struct{ d, s **types.Reading }{
		{&dst.TemperatureC, &src.TemperatureC},
		{&dst.HumidityPct, &src.HumidityPct},
		{&dst.WindSpeed, &src.WindSpeed},
		{&dst.RainFlag, &src.RainFlag},
		{&dst.SlopeAngleDeg, &src.SlopeAngleDeg},
		{&dst.SlopeHeightM, &src.SlopeHeightM},
		{&dst.PoreWaterPressureRatio, &src.PoreWaterPressureRatio},
	} {
		if *p.s != nil {
			*p.d = *p.s
		}
	}
}

// filterFlags registers the history filter flags shared by history and export.
func filterFlags(cmd *cobra.Command, f *types.HistoryFilter, risk *string) {
	cmd.Flags().StringVar(risk, "risk-level", "", "only records with this risk level (Low, Medium, High)")
	cmd.Flags().StringVar(&f.ZoneLabel, "zone-label", "", "only records with this zone label")
	cmd.Flags().StringVar(&f.ZoneID, "zone", "", "only records for this zone id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of records (server default when 0)")
}

func (c *cli) historyCmd() *cobra.Command {
	var (
		filter types.HistoryFilter
		risk   string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent predictions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.RiskLevel = types.RiskLevel(risk)
			records, err := c.client().History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(records)
			}
			t := c.table("ID", "ZONE", "RISK", "CREATED", "BY")
			for _, r := range records {
				t.Append([]string{
					r.ID, r.ZoneLabel, string(r.Result.RiskLevel), r.CreatedAt.Format(time.RFC3339), r.CreatedBy,
				})
			}
			t.Render()
			return nil
		},
	}
	filterFlags(cmd, &filter, &risk)
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show prediction totals and the risk distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := c.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return c.printJSON(stats)
			}
			fmt.Fprintf(c.out, "total:      %d\n", stats.TotalPredictions)
			fmt.Fprintf(c.out, "last 24h:   %d\n", stats.RecentPredictions)

			levels := make([]string, 0, len(stats.RiskDistribution))
			for level := range stats.RiskDistribution {
				levels = append(levels, string(level))
			}
			sort.Strings(levels)
			t := c.table("RISK", "COUNT")
			for _, level := range levels {
				t.Append([]string{level, strconv.FormatInt(stats.RiskDistribution[types.RiskLevel(level)], 10)})
			}
			t.Render()
			return nil
		},
	}
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Delete one prediction record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().Delete(cmd.Context(), args[0]); err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("prediction %s not found: %w", args[0], err)
				}
				return err
			}
			fmt.Fprintf(c.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		filter types.HistoryFilter
		risk   string
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the prediction history as XLSX or PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.RiskLevel = types.RiskLevel(risk)
			data, name, err := c.client().Export(cmd.Context(), format, filter)
			if err != nil {
				return err
			}
			path := out
			if path == "" {
				path = name
			} else if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, name)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("writing export: %w", err)
			}
			fmt.Fprintf(c.out, "wrote %s (%d bytes)\n", path, len(data))
			return nil
		},
	}
	filterFlags(cmd, &filter, &risk)
	cmd.Flags().StringVar(&format, "format", "xlsx", "xlsx or pdf")
	cmd.Flags().StringVar(&out, "out", "", "output file or directory (default: server-provided name)")
	return cmd
}

// registry fetches the server's zone list so local state machines agree with
// the server about ids and labels.
func (c *cli) registry(cmd *cobra.Command, api *client.Client) (*zones.Registry, error) {
	list, err := api.Zones(cmd.Context())
	if err != nil {
		return nil, err
	}
	return zones.New(list)
}

func (c *cli) reconcileCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild each zone's last result from history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api := c.client()
			registry, err := c.registry(cmd, api)
			if err != nil {
				return err
			}

			m := zonestate.NewMachine(registry, api)
			claims, err := zonestate.Reconcile(cmd.Context(), m, api, window)
			if err != nil {
				return err
			}
			matched := make(map[string]zonestate.Claim, len(claims))
			for _, cl := range claims {
				matched[cl.ZoneID] = cl
			}

			if c.jsonOutput() {
				return c.printJSON(claims)
			}
			t := c.table("ZONE", "STATUS", "RISK", "RECORD", "MATCHED BY")
			for _, st := range m.Snapshot() {
				risk, record, by := "-", "-", "-"
				if st.LastResult != nil {
					risk = string(st.LastResult.RiskLevel)
				}
				if cl, ok := matched[st.Zone.ID]; ok {
					record, by = cl.Record.ID, cl.MatchedBy
				}
				t.Append([]string{st.Zone.DisplayName, string(st.Status()), risk, record, by})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", zonestate.DefaultWindow, "number of recent history records to scan")
	return cmd
}

func (c *cli) dashboardCmd() *cobra.Command {
	var (
		window     int
		staleGuard bool
	)
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Interactive zone dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api := c.client()
			registry, err := c.registry(cmd, api)
			if err != nil {
				return err
			}
			model := dashboard.New(cmd.Context(), registry, api, api, dashboard.Options{
				Window:     window,
				StaleGuard: staleGuard,
			})
			return dashboard.Run(model)
		},
	}
	cmd.Flags().IntVar(&window, "window", zonestate.DefaultWindow, "number of recent history records to scan at start")
	cmd.Flags().BoolVar(&staleGuard, "stale-guard", false, "discard responses superseded by a newer submit of the same zone")
	return cmd
}

// exitCode maps errors to process exit codes: 2 for request problems the
// user can fix, 1 otherwise.
func exitCode(err error) int {
	code := ""
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		code = string(appErr.Code)
	}
	if strings.HasPrefix(code, "validation_") || strings.HasPrefix(code, "not_found_") {
		return 2
	}
	return 1
}
