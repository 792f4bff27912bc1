package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
)

// RunInfoCommand prints the resolved architecture and parameter counts.
func RunInfoCommand(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	mf := addModelFlags(fs)
	verbose := fs.Bool("v", false, "List every parameter tensor")
	if err := fs.Parse(args); err != nil {
		return err
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
	arch := decoder.Architecture()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "cond_type\t%s\n", arch.CondType)
	fmt.Fprintf(w, "conditioning\t%s (with_att=%t)\n", arch.Variant, arch.WithAtt)
	fmt.Fprintf(w, "cond dims\t%d -> %d\n", arch.CondInDim, arch.CondOutDim)
	fmt.Fprintf(w, "windows\tcond=%d smo=%d\n", arch.CondWinSize, arch.SmoWinSize)
	fmt.Fprintf(w, "grid\t%s / %s, 2^%d entries, desired %.0f, bound %g\n",
		arch.Grid, arch.Interpolation, arch.Log2HashmapSize, arch.DesiredResolution, arch.Bound)
	fmt.Fprintf(w, "ambient\t%d x %d -> %d\n", arch.NumLayersAmbient, arch.HiddenDimAmbient, arch.AmbientCoordDim)
	fmt.Fprintf(w, "sigma\t%d x %d -> 1+%d\n", arch.NumLayersSigma, arch.HiddenDimSigma, arch.GeoFeatDim)
	fmt.Fprintf(w, "color\t%d x %d, identity dim %d\n", arch.NumLayersColor, arch.HiddenDimColor, arch.IndividualDim())
	fmt.Fprintf(w, "precision\t%s\n", decoder.Precision())
	fmt.Fprintf(w, "parameters\t%d\n", decoder.NumParams())
	if err := w.Flush(); err != nil {
		return err
	}

	if *verbose {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, p := range decoder.Parameters() {
			fmt.Fprintf(w, "%s\t%v\t%s\t%d\n", p.Name, p.Shape, p.DType(), p.Len())
		}
		return w.Flush()
	}
	return nil
}
