package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yuuki/rdmakv/internal/client"
)

var benchOpts client.BenchOptions

func init() {
	benchCmd.Flags().IntVarP(&benchOpts.Requests, "requests", "n", 1000, "Number of PUT/GET pairs")
	benchCmd.Flags().IntVar(&benchOpts.Rate, "rate", 0, "Requests per second (0 = unlimited)")
	benchCmd.Flags().IntVar(&benchOpts.KeySpace, "keys", 0, "Distinct keys to cycle through (0 = one per request)")
	benchCmd.Flags().IntVar(&benchOpts.ValueSize, "value-size", 32, "Value length in bytes")
	rootCmd.AddCommand(benchCmd)
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure request latency",
	Long: `Issue PUT then GET for each key over one connection and report
throughput and latency percentiles.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := c.Bench(cmd.Context(), benchOpts)
		printBenchResult(cmd, res)
		if err != nil {
			return fmt.Errorf("bench aborted: %w", err)
		}
		return nil
	},
}

func printBenchResult(cmd *cobra.Command, res client.BenchResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", labelFmt("server"), keyFmt(clientConfig.ServerAddr))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "requests\t%d\n", res.Requests)
	fmt.Fprintf(w, "errors\t%d\n", res.Errors)
	fmt.Fprintf(w, "misses\t%d\n", res.Misses)
	fmt.Fprintf(w, "duration\t%s\n", res.Duration)
	fmt.Fprintf(w, "throughput\t%.1f req/s\n", res.Throughput())
	fmt.Fprintf(w, "p50\t%s\n", res.P50)
	fmt.Fprintf(w, "p90\t%s\n", res.P90)
	fmt.Fprintf(w, "p99\t%s\n", res.P99)
	fmt.Fprintf(w, "max\t%s\n", res.Max)
	w.Flush()
}
