package sim

import (
	"context"
	"encoding/json"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dVM/cmd/util"
	"github.com/ValentinKolb/dVM/lib/common"
	"github.com/ValentinKolb/dVM/lib/util"
	"github.com/ValentinKolb/dVM/lib/vm"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
)

var (
	log = logger.GetLogger("cli")

	simConfig = &common.SimConfig{}
	SimCmd    = &cobra.Command{
		Use:   "sim",
		Short: "Run a process tree simulation against the engine",
		Long: `Run a fork/exit workload against an in-process engine. Every simulated process maps a private
copy of a named file, forks copy-on-write children, writes pages and exits. All reads are checked, so the
run fails if an object chain ever resolves a page to the wrong contents.
The configuration can be set via command line flags or environment variables. The format of the
environment variables is DVM_<flag> (e.g. DVM_CACHE_MAX=10)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupEngineFlags(SimCmd)

	key := "processes"
	SimCmd.Flags().Int(key, 16, cmdUtil.WrapString("Maximum number of concurrently live processes"))

	key = "rounds"
	SimCmd.Flags().Int(key, 10000, cmdUtil.WrapString("Number of simulation steps"))

	key = "pages"
	SimCmd.Flags().Int64(key, 64, cmdUtil.WrapString("Size of the mapped file in pages"))

	key = "seed"
	SimCmd.Flags().Uint64(key, 0, cmdUtil.WrapString("Seed of the workload generator (0 = random)"))

	key = "dump"
	SimCmd.Flags().String(key, "", cmdUtil.WrapString("Write a snapshot of the object graph to stdout after the run (json, gob, binary)"))

	key = "metrics"
	SimCmd.Flags().Bool(key, false, cmdUtil.WrapString("Print the engine metrics in Prometheus text format after the run"))
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	conf, err := cmdUtil.GetSimConfig()
	if err != nil {
		return err
	}
	*simConfig = *conf

	simConfig.Processes = viper.GetInt("processes")
	simConfig.Rounds = viper.GetInt("rounds")
	simConfig.PageCount = viper.GetInt64("pages")
	simConfig.Seed = viper.GetUint64("seed")
	if simConfig.Seed == 0 {
		simConfig.Seed = util.GenerateSeed()
	}

	if simConfig.Processes < 1 {
		return fmt.Errorf("processes must be at least 1, got %d", simConfig.Processes)
	}
	if simConfig.PageCount < 1 {
		return fmt.Errorf("pages must be at least 1, got %d", simConfig.PageCount)
	}
	return common.InitLoggers(simConfig)
}

func run(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("Configuration:")
	fmt.Println(simConfig.String())

	pagers, err := cmdUtil.OpenPagers(simConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := pagers.Close(); err != nil {
			log.Errorf("failed to close pager backend: %v", err)
		}
	}()

	filePager, err := pagers.Named(fmt.Sprintf("file-%d", simConfig.Seed))
	if err != nil {
		return err
	}

	engine := vm.New(simConfig.ToEngineOptions(pagers.Anonymous))
	defer func() {
		if err := engine.Close(); err != nil {
			log.Errorf("failed to close engine: %v", err)
		}
	}()

	workload := NewWorkload(engine, filePager, WorkloadConfig{
		Processes: simConfig.Processes,
		Rounds:    simConfig.Rounds,
		PageCount: simConfig.PageCount,
		Seed:      simConfig.Seed,
	})

	log.Infof("starting workload with seed %d", simConfig.Seed)
	result, runErr := workload.Run(ctx)
	if runErr == nil {
		if err := engine.Verify(); err != nil {
			runErr = fmt.Errorf("object graph invalid after run: %w", err)
		}
	}

	if runErr == nil {
		if err := printResults(engine, result); err != nil {
			return err
		}
	}

	if err := workload.Teardown(context.Background()); err != nil {
		log.Warningf("teardown: %v", err)
	}
	return runErr
}

// printResults prints the workload summary, engine statistics and the optional dumps
func printResults(engine *vm.Engine, result *WorkloadResult) error {
	out, err := json.MarshalIndent(struct {
		Workload *WorkloadResult `json:"workload"`
		Engine   vm.Info         `json:"engine"`
	}{result, engine.Info()}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println("Results:")
	fmt.Println(string(out))

	if viper.GetBool("metrics") {
		fmt.Println()
		fmt.Println("Metrics:")
		engine.WriteMetrics(os.Stdout)
	}

	if format := viper.GetString("dump"); format != "" {
		s, err := cmdUtil.GetSerializer(format)
		if err != nil {
			return err
		}
		data, err := s.Serialize(engine.Snapshot())
		if err != nil {
			return fmt.Errorf("serialize snapshot: %w", err)
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
	}
	return nil
}
