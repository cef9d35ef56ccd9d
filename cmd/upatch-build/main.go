package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/upatch/upatch-build/internal/buildcfg"
	"github.com/upatch/upatch-build/internal/patchbuild"
)

// rootOptions carries the values gathered from flags (including the path of
// the ambient config file, which run loads) across to the command's RunE.
type rootOptions struct {
	source  string
	patched string
	running string
	output  string
	debug   bool
	config  string
}

func main() {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "upatch-build",
		Short: "Build a differential ELF object from a source/patched object pair",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "Path to the pre-patch compiled object")
	cmd.Flags().StringVar(&opts.patched, "patched", "", "Path to the post-patch compiled object")
	cmd.Flags().StringVar(&opts.running, "running", "", "Path to the running binary or shared object on the target host")
	cmd.Flags().StringVar(&opts.output, "output", "", "Path to write the synthesized patch object to")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Enable debug-level logging")
	cmd.Flags().StringVar(&opts.config, "config", "", "Path to an optional ambient config file")

	for _, flag := range []string{"source", "patched", "running", "output"} {
		if err := cmd.MarkFlagRequired(flag); err != nil {
			panic(err)
		}
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *rootOptions) error {
	cfg, err := buildcfg.Load(opts.config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	} else if parsed, err := parseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return patchbuild.Run(patchbuild.Config{
		Source:             opts.source,
		Patched:            opts.patched,
		Running:            opts.running,
		Output:             opts.output,
		ExtraDataWhitelist: cfg.ExtraDataWhitelist,
	}, logger)
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	err := lvl.UnmarshalText([]byte(s))
	return lvl, err
}
