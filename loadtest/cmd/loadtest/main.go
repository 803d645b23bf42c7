// Command loadtest drives the pairlink signaling server through three
// scenarios: connection saturation, matchmaking throughput, and the full
// call lifecycle.
package main

import (
	"fmt"
	"os"
)

var commands = []struct {
	name string
	desc string
	run  func(args []string)
}{
	{"saturate", "Connection saturation test — opens N idle connections", runSaturate},
	{"match", "Matchmaking load test — participants join and get paired", runMatch},
	{"call", "Full call lifecycle load test — join, match, signal, chat, rate", runCall},
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}

	for _, cmd := range commands {
		if cmd.name == name {
			cmd.run(os.Args[2:])
			return
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage()
	os.Exit(1)
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("  %-10s  %s\n", cmd.name, cmd.desc)
	}
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
