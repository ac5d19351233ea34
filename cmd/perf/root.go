package perf

import (
	"context"
	"encoding/csv"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dVM/cmd/util"
	"github.com/ValentinKolb/dVM/lib/common"
	"github.com/ValentinKolb/dVM/lib/vm"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	perfConfig = &common.SimConfig{}
	PerfCmd    = &cobra.Command{
		Use:     "perf",
		Short:   "Micro benchmarks of the object engine",
		Long:    "Measures the latency of shadow, copy, collapse and deallocate on an in-process engine.",
		PreRunE: processPerfConfig,
		RunE:    run,
	}
	perfIterations = 10000
	perfDepth      = 8
	perfPages      = int64(16)
	perfSkip       = make([]string, 0)
	perfPagers     *cmdUtil.Pagers
)

func init() {
	cmdUtil.SetupEngineFlags(PerfCmd)

	key := "iterations"
	PerfCmd.Flags().Int(key, 10000, cmdUtil.WrapString("How many times each operation is measured"))
	key = "depth"
	PerfCmd.Flags().Int(key, 8, cmdUtil.WrapString("Length of the shadow chains built for the collapse benchmark"))
	key = "pages"
	PerfCmd.Flags().Int64(key, 16, cmdUtil.WrapString("Number of pages of each object"))
	key = "skip"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. copy,collapse)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	conf, err := cmdUtil.GetSimConfig()
	if err != nil {
		return err
	}
	*perfConfig = *conf

	perfIterations = viper.GetInt("iterations")
	perfDepth = viper.GetInt("depth")
	perfPages = viper.GetInt64("pages")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfIterations < 1 || perfDepth < 1 || perfPages < 1 {
		return fmt.Errorf("iterations, depth and pages must be positive")
	}
	return common.InitLoggers(perfConfig)
}

// benchmark is one measured engine operation
type benchmark struct {
	name string
	run  func(ctx context.Context, e *vm.Engine, timer metrics.Timer) error
}

var benchmarks = []benchmark{
	{"shadow", benchShadow},
	{"copy-symmetric", benchCopySymmetric},
	{"copy-pager", benchCopyPager},
	{"collapse", benchCollapse},
	{"deallocate-chain", benchDeallocate},
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for the dVM object engine")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(perfConfig.String())
	fmt.Printf("Iterations: %d, Depth: %d, Pages: %d\n", perfIterations, perfDepth, perfPages)
	fmt.Println()

	pagers, err := cmdUtil.OpenPagers(perfConfig)
	if err != nil {
		return err
	}
	defer pagers.Close()
	perfPagers = pagers

	ctx := context.Background()
	registry := metrics.NewRegistry()

	for _, b := range benchmarks {
		if shouldSkip(b.name) {
			fmt.Printf("%-20sskipped\n", b.name)
			continue
		}

		e := vm.New(perfConfig.ToEngineOptions(pagers.Anonymous))
		timer := metrics.GetOrRegisterTimer(b.name, registry)
		err := b.run(ctx, e, timer)
		if closeErr := e.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		printResult(b.name, timer.Snapshot())
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, registry); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

func fill(ctx context.Context, e *vm.Engine, o *vm.Object) error {
	for off := int64(0); off < perfPages; off++ {
		if err := e.WritePage(ctx, o, off, []byte(strconv.FormatInt(off, 10))); err != nil {
			return err
		}
	}
	return nil
}

func benchShadow(ctx context.Context, e *vm.Engine, timer metrics.Timer) error {
	base := e.Allocate(perfPages)
	if err := fill(ctx, e, base); err != nil {
		return err
	}
	defer e.Deallocate(base)

	for i := 0; i < perfIterations; i++ {
		e.Reference(base)
		var top *vm.Object
		timer.Time(func() { top, _ = e.Shadow(base, 0, perfPages) })
		e.Deallocate(top)
	}
	return nil
}

func benchCopySymmetric(ctx context.Context, e *vm.Engine, timer metrics.Timer) error {
	base := e.Allocate(perfPages)
	if err := fill(ctx, e, base); err != nil {
		return err
	}
	defer e.Deallocate(base)

	for i := 0; i < perfIterations; i++ {
		var dst *vm.Object
		timer.Time(func() { dst, _, _ = e.Copy(ctx, base, 0, perfPages) })
		e.Deallocate(dst)
	}
	return nil
}

func benchCopyPager(ctx context.Context, e *vm.Engine, timer metrics.Timer) error {
	p, err := perfPagers.Anonymous(perfPages)
	if err != nil {
		return err
	}
	file := e.AllocateWithPager(p, perfPages, 0)
	if err := fill(ctx, e, file); err != nil {
		return err
	}
	defer e.Deallocate(file)

	// keep the copies alive so every copy interposes a new copy object
	copies := make([]*vm.Object, 0, perfIterations)
	defer func() {
		for _, c := range copies {
			e.Deallocate(c)
		}
	}()
	for i := 0; i < perfIterations; i++ {
		var dst *vm.Object
		timer.Time(func() { dst, _, _ = e.Copy(ctx, file, 0, perfPages) })
		copies = append(copies, dst)
	}
	return nil
}

func benchCollapse(ctx context.Context, e *vm.Engine, timer metrics.Timer) error {
	for i := 0; i < perfIterations/perfDepth+1; i++ {
		top := e.Allocate(perfPages)
		if err := fill(ctx, e, top); err != nil {
			return err
		}
		for d := 0; d < perfDepth; d++ {
			top, _ = e.Shadow(top, 0, perfPages)
			if err := e.WritePage(ctx, top, int64(d)%perfPages, []byte("x")); err != nil {
				return err
			}
		}

		timer.Time(func() { _ = e.Collapse(ctx, top) })
		e.Deallocate(top)
	}
	return nil
}

func benchDeallocate(ctx context.Context, e *vm.Engine, timer metrics.Timer) error {
	for i := 0; i < perfIterations/perfDepth+1; i++ {
		top := e.Allocate(perfPages)
		if err := fill(ctx, e, top); err != nil {
			return err
		}
		for d := 0; d < perfDepth; d++ {
			top, _ = e.Shadow(top, 0, perfPages)
		}
		timer.Time(func() { e.Deallocate(top) })
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark in a formatted way
func printResult(test string, t metrics.Timer) {
	if t.Count() == 0 {
		fmt.Printf("%-20sno samples\n", test)
		return
	}
	p := t.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("%-20s%8d ops\tmean %-10s p50 %-10s p99 %-10s max %s\n",
		test, t.Count(),
		time.Duration(t.Mean()), time.Duration(p[0]), time.Duration(p[1]), time.Duration(t.Max()))
}

// writeResultsToCSV writes all timers of registry to a CSV file
func writeResultsToCSV(csvPath string, registry metrics.Registry) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Count", "MeanNs", "P50Ns", "P99Ns", "MaxNs",
		"CacheMax", "CollapseAllowed", "ReuseEmptyCopy", "Pager",
		"Iterations", "Depth", "Pages",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	var rows [][]string
	registry.Each(func(name string, i interface{}) {
		t, ok := i.(metrics.Timer)
		if !ok {
			return
		}
		s := t.Snapshot()
		p := s.Percentiles([]float64{0.5, 0.99})
		rows = append(rows, []string{
			name,
			strconv.FormatInt(s.Count(), 10),
			strconv.FormatFloat(s.Mean(), 'f', 0, 64),
			strconv.FormatFloat(p[0], 'f', 0, 64),
			strconv.FormatFloat(p[1], 'f', 0, 64),
			strconv.FormatInt(s.Max(), 10),
			strconv.Itoa(perfConfig.CacheMax),
			strconv.FormatBool(perfConfig.CollapseAllowed),
			strconv.FormatBool(perfConfig.ReuseEmptyCopy),
			string(perfConfig.Pager),
			strconv.Itoa(perfIterations),
			strconv.Itoa(perfDepth),
			strconv.FormatInt(perfPages, 10),
		})
	})
	sort.Slice(rows, func(i, j int) bool { return rows[i][0] < rows[j][0] })

	return writer.WriteAll(rows)
}
