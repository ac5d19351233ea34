package util

import (
	"fmt"
	"github.com/ValentinKolb/dVM/lib/common"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/pager/bolt"
	"github.com/ValentinKolb/dVM/lib/pager/swap"
	"github.com/ValentinKolb/dVM/lib/serializer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupEngineFlags adds the engine configuration flags shared by sim and perf
func SetupEngineFlags(cmd *cobra.Command) {
	key := "cache-max"
	cmd.PersistentFlags().Int(key, 100, WrapString("Number of unreferenced persistable objects kept in the object cache"))

	key = "collapse"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether shadow chains may be collapsed and bypassed"))

	key = "reuse-empty-copy"
	cmd.PersistentFlags().Bool(key, false, WrapString("Let copies of a pager backed object reuse a copy object that never received pages"))

	key = "max-pages"
	cmd.PersistentFlags().Int64(key, 0, WrapString("Upper bound for resident pages (0 = unlimited)"))

	key = "collapse-interval"
	cmd.PersistentFlags().Duration(key, 0, WrapString("Period of the background collapser (0 = disabled)"))

	key = "pageout-concurrency"
	cmd.PersistentFlags().Int(key, 4, WrapString("Parallel pager writes of an asynchronous page clean"))

	key = "pager"
	cmd.PersistentFlags().String(key, "swap", WrapString("Pager backend for named and anonymous objects (swap, bolt)"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("Directory of the bbolt file used by the bolt pager"))

	key = "log-level"
	cmd.PersistentFlags().String(key, "warn", WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig loads env files and makes viper read DVM_ prefixed environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dvm")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetSerializer creates a snapshot serializer by name
func GetSerializer(name string) (serializer.ISnapshotSerializer, error) {
	switch name {
	case "json":
		return serializer.NewJSONSerializer(), nil
	case "gob":
		return serializer.NewGOBSerializer(), nil
	case "binary":
		return serializer.NewBinarySerializer(), nil
	default:
		return nil, fmt.Errorf("invalid serializer %s (expected one of: json, gob, binary)", name)
	}
}

// GetSimConfig reads the engine and pager configuration from viper
func GetSimConfig() (*common.SimConfig, error) {
	pagerType, err := common.ParsePagerType(viper.GetString("pager"))
	if err != nil {
		return nil, err
	}

	conf := &common.SimConfig{
		CacheMax:           viper.GetInt("cache-max"),
		CollapseAllowed:    viper.GetBool("collapse"),
		ReuseEmptyCopy:     viper.GetBool("reuse-empty-copy"),
		MaxPages:           viper.GetInt64("max-pages"),
		CollapseInterval:   viper.GetDuration("collapse-interval"),
		PageoutConcurrency: viper.GetInt("pageout-concurrency"),
		Pager:              pagerType,
		DataDir:            viper.GetString("data-dir"),
		LogLevel:           viper.GetString("log-level"),
	}

	if conf.CacheMax < 0 {
		return nil, fmt.Errorf("cache-max must not be negative, got %d", conf.CacheMax)
	}
	if conf.PageoutConcurrency < 1 {
		return nil, fmt.Errorf("pageout-concurrency must be at least 1, got %d", conf.PageoutConcurrency)
	}
	return conf, nil
}

// Pagers bundles the pager backend selected by the configuration
type Pagers struct {
	// Named returns the pager for a named object
	Named func(name string) (pager.IPager, error)
	// Anonymous creates pagers for anonymous objects that get cleaned
	Anonymous pager.Factory
	// Close releases the backend
	Close func() error
}

// OpenPagers opens the pager backend of conf
func OpenPagers(conf *common.SimConfig) (*Pagers, error) {
	switch conf.Pager {
	case common.PagerTypeSwap:
		return &Pagers{
			Named:     func(string) (pager.IPager, error) { return swap.NewSwapPager(), nil },
			Anonymous: swap.NewFactory(),
			Close:     func() error { return nil },
		}, nil

	case common.PagerTypeBolt:
		if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		store, err := bolt.Open(filepath.Join(conf.DataDir, "dvm.db"), nil)
		if err != nil {
			return nil, err
		}
		return &Pagers{
			Named:     store.NewPager,
			Anonymous: store.Factory(),
			Close:     store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("invalid pager type %s", conf.Pager)
	}
}
