// cmd/simqueue/main.go
//
// Entry point for the simqueue CLI. Every command works on one project
// directory (the cwd unless -C is given) shared by all workers of a queue.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
)

type command struct {
	summary string
	run     func(ctx context.Context, args []string) int
}

var commands = map[string]command{
	"init":       {"create the project layout and simqueue.yaml", runInit},
	"worker":     {"consume pending jobs until the queue is empty", runWorker},
	"run":        {"execute one descriptor outside the queue", runSingle},
	"houseclean": {"requeue jobs orphaned by crashed workers (no workers may be running)", runHouseclean},
	"status":     {"print queue counts and recent journal entries", runStatus},
	"watch":      {"live queue monitor", runWatch},
	"new":        {"write a descriptor into pending from a template", runNew},
	"image":      {"render surface images for finished jobs", runImage},
	"view":       {"open one surface of a finished job in the viewer", runView},
	"deploy":     {"copy the toolchain from the shared repository", runDeploy},
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		usage()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.run(ctx, os.Args[2:])
	stop()
	os.Exit(code)
}

func usage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("usage: simqueue <command> [flags]\n\ncommands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprint(os.Stderr, b.String())
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
