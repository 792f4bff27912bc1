package main

import (
	"flag"
	"fmt"
)

// RunInitCommand writes a freshly initialised checkpoint.
func RunInitCommand(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	mf := addModelFlags(fs)
	out := fs.String("out", "", "Checkpoint to write (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("--out is required")
	}
	if *mf.model != "" {
		return fmt.Errorf("-model cannot be used with init")
	}

	logger, err := newLogger(*mf.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	decoder, err := mf.openDecoder(logger)
	if err != nil {
		return err
	}
	if err := decoder.SaveCheckpoint(*out); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	fmt.Printf("✓ Wrote %s (%d parameters)\n", *out, decoder.NumParams())
	return nil
}
