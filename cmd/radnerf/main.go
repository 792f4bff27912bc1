// Command radnerf evaluates a talking-head radiance field decoder from the
// command line.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) > 1 {
		cmd := os.Args[1]
		var err error
		switch cmd {
		case "eval":
			err = RunEvalCommand(os.Args[2:])
		case "density":
			err = RunDensityCommand(os.Args[2:])
		case "info":
			err = RunInfoCommand(os.Args[2:])
		case "init":
			err = RunInitCommand(os.Args[2:])
		case "help", "-h", "--help":
			printUsage()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
			printUsage()
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	printUsage()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  radnerf [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  eval      Evaluate density, colour and ambient coordinate for points")
	fmt.Println("  density   Evaluate density only")
	fmt.Println("  info      Print the resolved architecture and parameter counts")
	fmt.Println("  init      Write a freshly initialised checkpoint")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  radnerf init -config=radnerf.yaml -out=decoder.bin -seed=7")
	fmt.Println("  radnerf info -model=decoder.bin")
	fmt.Println("  radnerf eval -model=decoder.bin -points=\"0,0,0;0.1,0.2,0\" -dirs=\"0,0,1\"")
	fmt.Println("  radnerf density -model=decoder.bin -points=\"0,0,0\" -cond=window.json")
	fmt.Println()
}
