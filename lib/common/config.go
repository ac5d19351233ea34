package common

import (
	"fmt"
	"github.com/ValentinKolb/dVM/lib/pager"
	"github.com/ValentinKolb/dVM/lib/vm"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Simulator configuration struct
// --------------------------------------------------------------------------

type PagerType string

const (
	PagerTypeSwap PagerType = "swap"
	PagerTypeBolt PagerType = "bolt"
)

// ParsePagerType validates a pager type name
func ParsePagerType(s string) (PagerType, error) {
	switch t := PagerType(strings.ToLower(strings.TrimSpace(s))); t {
	case PagerTypeSwap, PagerTypeBolt:
		return t, nil
	default:
		return "", fmt.Errorf("invalid pager type: %s (expected one of: swap, bolt)", s)
	}
}

// SimConfig holds all configuration parameters for an engine run from the CLI.
type SimConfig struct {
	// engine parameters
	CacheMax           int
	CollapseAllowed    bool
	ReuseEmptyCopy     bool
	MaxPages           int64
	CollapseInterval   time.Duration
	PageoutConcurrency int

	// pager parameters
	Pager   PagerType
	DataDir string

	// workload parameters
	Processes int
	Rounds    int
	PageCount int64
	Seed      uint64

	// Logging configuration
	LogLevel string
}

// ToEngineOptions converts the configuration to engine options. factory is
// used to give anonymous objects a pager when they are cleaned.
func (c *SimConfig) ToEngineOptions(factory pager.Factory) *vm.Options {
	opts := vm.DefaultOptions()
	opts.CacheMax = c.CacheMax
	opts.CollapseAllowed = c.CollapseAllowed
	opts.ReuseEmptyCopy = c.ReuseEmptyCopy
	opts.MaxPages = c.MaxPages
	opts.CollapseInterval = c.CollapseInterval
	if c.PageoutConcurrency > 0 {
		opts.PageoutConcurrency = c.PageoutConcurrency
	}
	if factory != nil {
		opts.DefaultPager = factory
	}
	return opts
}

// String returns a formatted string representation of the configuration
func (c *SimConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Engine")
	addField("Cache Max", fmt.Sprintf("%d objects", c.CacheMax))
	addField("Collapse Allowed", fmt.Sprintf("%t", c.CollapseAllowed))
	addField("Reuse Empty Copy", fmt.Sprintf("%t", c.ReuseEmptyCopy))
	if c.MaxPages > 0 {
		addField("Max Pages", fmt.Sprintf("%d", c.MaxPages))
	} else {
		addField("Max Pages", "unlimited")
	}
	if c.CollapseInterval > 0 {
		addField("Collapse Interval", c.CollapseInterval.String())
	} else {
		addField("Collapse Interval", "disabled")
	}
	addField("Pageout Concurrency", fmt.Sprintf("%d", c.PageoutConcurrency))

	addSection("Pager")
	addField("Type", string(c.Pager))
	if c.Pager == PagerTypeBolt {
		addField("Data Directory", c.DataDir)
	}

	addSection("Workload")
	addField("Processes", fmt.Sprintf("%d", c.Processes))
	addField("Rounds", fmt.Sprintf("%d", c.Rounds))
	addField("Pages per Process", fmt.Sprintf("%d", c.PageCount))
	addField("Seed", fmt.Sprintf("%d", c.Seed))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
