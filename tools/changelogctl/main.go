package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version":
		fmt.Printf("changelogctl version %s\n", version)
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	}

	if err := dispatch(cmd, args, os.Stdin, os.Stdout); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "changelogctl %s: %v\n", cmd, err)
		}
		os.Exit(1)
	}
}

func dispatch(cmd string, args []string, in io.Reader, out io.Writer) error {
	switch cmd {
	case "register":
		return runRegister(args, out)
	case "deregister":
		return runDeregister(args, out)
	case "users":
		return runUsers(args, out)
	case "append":
		return runAppend(args, in, out)
	case "dump":
		return runDump(args, out)
	case "generate":
		return runGenerate(args, out)
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `changelogctl - offline lauditd changelog administration

The lauditd daemon must not be running against the same data directory.

Usage:
  changelogctl <command> [options]

Commands:
  register    Register a new consumer and print its id
  deregister  Remove a consumer
  users       List consumers with checkpoints and backlog
  append      Append JSON records read from stdin (array or one per line)
  dump        Print records after a consumer's checkpoint without acknowledging
  generate    Append synthetic records
  version     Print version
  help        Show this help

Common Options:
  --data-dir  Changelog store directory (default: ./lauditd-data)
  --device    Changelog device (default: lustre-MDT0000)

Dump Options:
  --consumer  Registered consumer id (required)
  --from      First index to print (default: after checkpoint)
  --limit     Maximum records to print (default: 0 = all)
  --json      Print records as JSON instead of export lines

Deregister Options:
  --consumer  Consumer id to remove (required)

Generate Options:
  --count     Number of records (default: 1000)
  --batch     Records per append (default: 100)
  --seed      Random seed (default: 1)
  --types     Comma-separated record types to draw from (default: mixed namespace workload)

Examples:
  changelogctl register --device=lustre-MDT0000
  changelogctl generate --device=lustre-MDT0000 --count=10000
  changelogctl dump --device=lustre-MDT0000 --consumer=cl1 --limit=20`)
}
