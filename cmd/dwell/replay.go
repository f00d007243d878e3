package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andrewh/dwell/pkg/config"
	"github.com/andrewh/dwell/pkg/delay"
	"github.com/andrewh/dwell/pkg/pipeline"
	"github.com/andrewh/dwell/pkg/replay"
	"github.com/andrewh/dwell/pkg/sink"
	"github.com/andrewh/dwell/pkg/tracestate"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func replayCmd() *cobra.Command {
	var (
		delayOverride time.Duration
		format        string
		workers       int
	)

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay a timed scenario through an in-process pipeline and print the records",
		Long: "Replay a timed scenario through an in-process pipeline and print the records.\n\n" +
			"Each step is ingested at its offset from the start of the run. After the last\n" +
			"step the pipeline drains, so every observation is flushed before output.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing scenario file\n\nUsage: dwell replay <scenario.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "table" && format != "json" {
				return fmt.Errorf("unsupported format %q, supported: table, json", format)
			}
			if delayOverride < 0 {
				return fmt.Errorf("--delay must not be negative, got %s", delayOverride)
			}
			sc, err := replay.LoadScenario(args[0])
			if err != nil {
				return err
			}
			d := pipeline.DefaultDelay
			if sc.Delay > 0 {
				d = sc.Delay
			}
			if cmd.Flags().Changed("delay") {
				d = delayOverride
			}
			return runReplay(cmd.Context(), sc, replayOptions{
				delay:   d,
				workers: workers,
				format:  format,
				out:     cmd.OutOrStdout(),
			})
		},
	}

	cmd.Flags().DurationVar(&delayOverride, "delay", 0, "enrichment window (default: the scenario's delay, else 5s)")
	cmd.Flags().StringVar(&format, "format", "table", "output format: table or json")
	cmd.Flags().IntVar(&workers, "workers", config.DefaultWorkers, "concurrent flush workers")

	return cmd
}

type replayOptions struct {
	delay   time.Duration
	workers int
	format  string
	out     io.Writer
}

// enrichmentTally records which observations were flushed with trace context.
type enrichmentTally struct {
	mu       sync.Mutex
	enriched map[sink.Key]bool
	failed   int
}

func (e *enrichmentTally) ObserveIntake(pipeline.IntakeInfo) {}

func (e *enrichmentTally) ObserveFlush(info pipeline.FlushInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if info.Err != nil {
		e.failed++
		return
	}
	e.enriched[sink.Key{ProjectID: info.ProjectID, SpanID: info.ObservationID}] = info.Enriched
}

func runReplay(ctx context.Context, sc *replay.Scenario, opts replayOptions) error {
	sched := delay.New(delay.Options{Workers: opts.workers})
	out := sink.NewMemorySink()
	tally := &enrichmentTally{enriched: make(map[sink.Key]bool)}
	p, err := pipeline.New(pipeline.Options{
		Delay:     opts.delay,
		Store:     tracestate.NewMemoryStore(tracestate.DefaultShards),
		Scheduler: sched,
		Sink:      out,
		Forwarder: out,
		Observers: []pipeline.Observer{tally},
	})
	if err != nil {
		return err
	}

	report, runErr := replay.Run(ctx, p, sc)
	drainCtx, cancel := context.WithTimeout(context.Background(), opts.delay+shutdownTimeout)
	defer cancel()
	if err := sched.Close(drainCtx); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("replay interrupted: %w", runErr)
	}

	records := out.Records()
	if opts.format == "json" {
		js := sink.NewJSONSink(opts.out)
		for _, r := range records {
			if err := js.Write(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}

	renderRecords(opts.out, records, tally)
	if report.Rejected > 0 {
		renderRejections(opts.out, report)
	}

	enriched := 0
	for _, r := range records {
		if tally.enriched[r.Key()] {
			enriched++
		}
	}
	pr := message.NewPrinter(language.English)
	_, _ = pr.Fprintf(opts.out, "\n%d events replayed in %s (%d accepted, %d rejected), %d records written, %d enriched, %d updates forwarded, %d flush failures\n",
		report.Accepted+report.Rejected, report.Elapsed.Round(time.Millisecond),
		report.Accepted, report.Rejected, len(records), enriched, len(out.Updates()), tally.failed)
	return nil
}

func renderRecords(w io.Writer, records []sink.Record, tally *enrichmentTally) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Span", "Trace", "Type", "Name", "User", "Session", "Tags", "Metadata", "Enriched"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.SpanID, r.TraceID, r.Type, r.Name, r.UserID, r.SessionID,
			strings.Join(r.Tags, ","), formatMetadata(r.Metadata), tally.enriched[r.Key()],
		})
	}
	t.Render()
}

func renderRejections(w io.Writer, report replay.Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Rejected events")
	t.AppendHeader(table.Row{"At", "ID", "Status", "Message"})
	for _, step := range report.Steps {
		for _, e := range step.Result.Errors {
			t.AppendRow(table.Row{step.At, e.ID, e.Status, e.Message})
		}
	}
	t.Render()
}

func formatMetadata(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, " ")
}
