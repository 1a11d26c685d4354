// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ipl_inspect reports on the pseudo-labeling of a training job: its schedule state, its cache
// manifests and how the unlabeled shards are assigned to the workers.
//
// Usage:
//
//	ipl_inspect [-state] [-caches] [-shards -world_size=8] <config file>
//
// The configuration file (YAML, TOML or JSON) must have an "ipl" section.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/slimipl/pkg/ipl"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagState  = flag.Bool("state", false, "Display the pseudo-labeling schedule state (requires state_file in the configuration or -state_file).")
	flagCaches = flag.Bool("caches", false, "Lists the cache manifests, with their number of records and sizes.")
	flagShards = flag.Bool("shards", false, "Display the assignment of unlabeled shards (or records, for non-tarred datasets) to workers.")

	flagStateFile = flag.String("state_file", "", "State file to read, overrides the state_file in the configuration.")
	flagWorldSize = flag.Int("world_size", 1, "Number of workers used for -shards.")
	flagColor     = flag.String("color", "auto", `Color profile: "auto", "ascii", "ansi256" or "truecolor".`)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing configuration file to read from. See 'ipl_inspect -help'")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'ipl_inspect -help'.")
		os.Exit(1)
	}
	if *flagWorldSize <= 0 {
		klog.Errorf("-world_size must be > 0, got %d", *flagWorldSize)
		os.Exit(1)
	}
	setColorProfile(*flagColor)
	if !*flagState && !*flagCaches && !*flagShards {
		*flagState = true
		*flagCaches = true
	}
	report(args[0])
}

func setColorProfile(profile string) {
	switch profile {
	case "auto":
	case "ascii":
		lipgloss.SetColorProfile(termenv.Ascii)
	case "ansi256":
		lipgloss.SetColorProfile(termenv.ANSI256)
	case "truecolor":
		lipgloss.SetColorProfile(termenv.TrueColor)
	default:
		klog.Errorf("Unknown -color=%q. See 'ipl_inspect -help'.", profile)
		os.Exit(1)
	}
}

func report(configPath string) {
	cfg := must.M1(ipl.LoadConfigFile(configPath))
	if cfg == nil {
		fmt.Println(titleStyle.Render(fmt.Sprintf("Pseudo-labeling %s", ipl.PhaseDisabled)))
		fmt.Printf("No %q section in %q\n", ipl.SectionName, configPath)
		return
	}
	if *flagState {
		reportState(cfg)
	}
	if *flagCaches {
		reportCaches(cfg)
	}
	if *flagShards {
		reportShards(cfg, *flagWorldSize)
	}
}
