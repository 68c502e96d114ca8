package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"medreminder/internal/app"
	"medreminder/internal/config"
	"medreminder/internal/medsource"
	"medreminder/internal/schedule"
	logx "medreminder/pkg/logx"
)

type occurrence struct {
	at    time.Time
	med   schedule.Medicine
	index int
}

func newNextCmd() *cobra.Command {
	var (
		count    int
		tz       string
		medsFile string
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the upcoming reminder times",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return fmt.Errorf("-n must be > 0")
			}
			log := logx.NewConsole("WARN")

			var (
				src medsource.Source
				loc = time.Local
			)
			if medsFile != "" {
				src = medsource.File{Path: medsFile, Log: log}
			} else {
				if err := config.LoadDotEnv(envFiles...); err != nil {
					return err
				}
				cfgm := config.NewConfigManager(cfgPath)
				cfgm.SetEnvPrefix(config.EnvPrefix)
				cfg, err := cfgm.Load()
				if err != nil {
					return err
				}
				if loc, err = cfg.Location(); err != nil {
					return err
				}
				if src, err = app.SourceFromConfig(cfg, log); err != nil {
					return err
				}
			}
			if tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("--tz: %w", err)
				}
				loc = l
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			meds, err := src.Medicines(ctx)
			if err != nil {
				return err
			}
			occ := upcoming(meds, time.Now().In(loc), count, log)
			return printOccurrences(cmd.OutOrStdout(), occ)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of reminders to print")
	cmd.Flags().StringVar(&tz, "tz", "", "time zone (default: config reminder.timezone)")
	cmd.Flags().StringVarP(&medsFile, "medicines", "m", "", "read medicines from this json/yaml file instead of the configured source")
	return cmd
}

// upcoming merges the next n instants of every valid schedule and keeps
// the earliest n overall.
func upcoming(meds []schedule.Medicine, now time.Time, n int, log logx.Logger) []occurrence {
	var out []occurrence
	for _, m := range meds {
		for i, s := range m.Schedules {
			times, err := schedule.Upcoming(s, now, n)
			if err != nil {
				log.Warn("schedule skipped", logx.String("medicine", m.ID), logx.Int("index", i), logx.Err(err))
				continue
			}
			for _, t := range times {
				out = append(out, occurrence{at: t, med: m, index: i})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].at.Before(out[j].at) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func printOccurrences(w io.Writer, occ []occurrence) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tMEDICINE\tDOSAGE\tKEY")
	for _, o := range occ {
		id := schedule.Identity{MedicineID: o.med.ID, ScheduleIndex: o.index, FireAt: o.at}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.at.Format("Mon 2006-01-02 15:04 MST"), o.med.Name, o.med.Dosage, id.Key())
	}
	return tw.Flush()
}
