package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dVM/cmd/perf"
	"github.com/ValentinKolb/dVM/cmd/sim"
	"github.com/ValentinKolb/dVM/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dvm",
		Short: "virtual memory object engine",
		Long: fmt.Sprintf(`dVM (v%s)

A virtual memory object engine written in Go. Objects form copy-on-write
shadow chains that are collapsed, bypassed and terminated as references go away.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dVM",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dVM v%s\n", Version)
		},
	}
)

func init() {
	// read .env files and DVM_ environment variables before any command runs
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(sim.SimCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
