// Copyright 2026 encprobe project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// encprobe-enum manages an on-disk enumeration of the x86 instruction
// encoding space: partitioned workers walk the byte-sequence space,
// classify candidate instructions via a remote oracle and record the
// discovered encodings as append-only artifacts.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/encprobe/encprobe/pkg/config"
	"github.com/encprobe/encprobe/pkg/enum"
	"github.com/encprobe/encprobe/pkg/instr"
	"github.com/encprobe/encprobe/pkg/oracle"
	"github.com/encprobe/encprobe/pkg/scan"
	"github.com/encprobe/encprobe/pkg/work"
)

func main() {
	var verbosity int
	rootCmd := &cobra.Command{
		Use:           "encprobe-enum",
		Short:         "enumerate x86 instruction encodings via a classification oracle",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			flag.Set("vv", strconv.Itoa(verbosity))
		},
	}
	rootCmd.PersistentFlags().IntVar(&verbosity, "vv", 0, "log verbosity")

	var numWorkers int
	var scanFile, configFile string
	createCmd := &cobra.Command{
		Use:   "create DIR",
		Short: "create a new enumeration state directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := work.DefaultConfig()
			if configFile != "" {
				if err := config.LoadFile(configFile, cfg); err != nil {
					return err
				}
			}
			seeds := scan.AllBytes()
			if scanFile != "" {
				list, err := scan.LoadFile(scanFile)
				if err != nil {
					return err
				}
				seeds = scan.Seeds(list)
			}
			w, err := work.Create(args[0], seeds, numWorkers, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("created %v: %v workers over %v seeds\n",
				w.ID(), len(w.Workers()), len(seeds))
			return nil
		},
	}
	createCmd.Flags().IntVar(&numWorkers, "workers", 16, "number of worker partitions")
	createCmd.Flags().StringVar(&scanFile, "scan", "", "scan file with known instructions to seed partitions")
	createCmd.Flags().StringVar(&configFile, "config", "", "configuration file")

	runCmd := &cobra.Command{
		Use:   "run DIR",
		Short: "run enumeration until done or interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := work.Load(args[0])
			if err != nil {
				return err
			}
			addr := w.Config().OracleAddr
			if addr == "" {
				return fmt.Errorf("no oracle_addr in configuration")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx, func(workerID int) (enum.Oracle, error) {
				return oracle.Dial(addr)
			})
		},
	}

	var statusScan string
	statusCmd := &cobra.Command{
		Use:   "status DIR",
		Short: "print per-worker progress, optionally audited against a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := work.Load(args[0])
			if err != nil {
				return err
			}
			var list []instr.Instruction
			if statusScan != "" {
				if list, err = scan.LoadFile(statusScan); err != nil {
					return err
				}
			}
			statuses, cov, err := w.Status(list)
			if err != nil {
				return err
			}
			return printStatus(w, statuses, cov)
		},
	}
	statusCmd.Flags().StringVar(&statusScan, "scan", "", "scan file to audit coverage against")

	dumpCmd := &cobra.Command{
		Use:   "dump DIR",
		Short: "print aggregate statistics over the discovered encodings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := work.Load(args[0])
			if err != nil {
				return err
			}
			info := w.Dump()
			fmt.Printf("encodings: %v (%v unique, %v duplicates)\n",
				info.Encodings, info.Unique, info.Duplicates)
			fmt.Printf("operands with memory access:\n")
			for _, k := range info.Keys(info.MemoryAccesses) {
				fmt.Printf("  %v: %v\n", k, info.MemoryAccesses[k])
			}
			fmt.Printf("max inputs per operand:\n")
			for _, k := range info.Keys(info.MaxInputs) {
				fmt.Printf("  %v: %v\n", k, info.MaxInputs[k])
			}
			return nil
		},
	}

	extractCmd := &cobra.Command{
		Use:   "extract DIR FILE",
		Short: "export all artifacts as xz-compressed JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := work.Load(args[0])
			if err != nil {
				return err
			}
			if err := w.Extract(args[1]); err != nil {
				return err
			}
			fmt.Printf("extracted %v artifacts to %v\n", len(w.Artifacts()), args[1])
			return nil
		},
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild-filters DIR",
		Short: "recompute every worker's filter set from the artifact log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := work.Load(args[0])
			if err != nil {
				return err
			}
			return w.RebuildFilters()
		},
	}

	resetWorkerCmd := &cobra.Command{
		Use:   "reset-worker DIR NUM",
		Short: "restart one worker from the beginning of its range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkerNum(args, func(w *work.Work, num int) error {
				return w.ResetWorker(num)
			})
		},
	}

	resumeWorkerCmd := &cobra.Command{
		Use:   "resume-worker DIR NUM",
		Short: "clear a worker's done flag without touching its position",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkerNum(args, func(w *work.Work, num int) error {
				return w.ResumeWorker(num)
			})
		},
	}

	resetSeenCmd := &cobra.Command{
		Use:   "reset-instrs-seen DIR",
		Short: "drop the probed-instruction sets of all workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := work.Load(args[0])
			if err != nil {
				return err
			}
			return w.ResetSeen()
		},
	}

	rootCmd.AddCommand(createCmd, runCmd, statusCmd, dumpCmd, extractCmd,
		rebuildCmd, resetWorkerCmd, resumeWorkerCmd, resetSeenCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func withWorkerNum(args []string, fn func(w *work.Work, num int) error) error {
	num, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad worker number %q", args[1])
	}
	w, err := work.Load(args[0])
	if err != nil {
		return err
	}
	return fn(w, num)
}

func printStatus(w *work.Work, statuses []*work.WorkerStatus, cov *work.ScanCoverage) error {
	audited := cov != nil
	totalArtifacts, done := 0, 0
	var totalUnique uint64
	found, missed, total := 0, 0, 0
	for _, st := range statuses {
		to := "end"
		if !st.To.Empty() {
			to = st.To.String()
		}
		// "@ pos" is the last checkpointed cursor, "^ pos" the probe in
		// flight when the state was saved.
		pos := "@ " + st.Current.String()
		switch {
		case st.Done:
			pos = "done"
		case !st.Next.Empty():
			pos = "^ " + st.Next.String()
		}
		if st.Done {
			done++
		}
		fmt.Printf("worker %02v: [%v .. %v] %v  filters=%v artifacts=%v seen=%v failed=%v\n",
			st.ID, st.From, to, pos, st.Filters, st.Artifacts, st.Seen, st.Failed)
		if audited && st.ScanTotal > 0 {
			fmt.Printf("           scan: %v found (%.1f%%), %v missed of %v\n",
				st.ScanFound, 100*float64(st.ScanFound)/float64(st.ScanTotal),
				st.ScanMissed, st.ScanTotal)
		}
		totalArtifacts += st.Artifacts
		totalUnique += st.Unique
		found += st.ScanFound
		missed += st.ScanMissed
		total += st.ScanTotal
	}
	secs := w.SecondsRunning()
	fmt.Printf("total: %v artifacts, %v/%v workers done, %v running\n",
		totalArtifacts, done, len(statuses), formatDuration(secs))
	if audited && total > 0 {
		fmt.Printf("scan: %v of %v instructions covered (%.1f%%), %v missed\n",
			found, total, 100*float64(found)/float64(total), missed)
	}
	if audited && cov.Encodings > 0 {
		fmt.Printf("scan has entries for %v of %v encodings found (%.1f%%)\n",
			cov.EncodingsSeen, cov.Encodings, 100*float64(cov.EncodingsSeen)/float64(cov.Encodings))
	}
	if secs > 0 {
		fmt.Printf("throughput: %.1f artifacts/hour, %.1f unique sequences/hour\n",
			float64(totalArtifacts)/float64(secs)*3600,
			float64(totalUnique)/float64(secs)*3600)
	}
	return nil
}

func formatDuration(secs uint64) string {
	return fmt.Sprintf("%vh%02vm", secs/3600, secs/60%60)
}
