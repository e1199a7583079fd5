// Command warden is the hypervisor's toolbox: it compiles cell
// descriptions into binary descriptors, inspects built artifacts,
// probes the host's virtualization hardware, and runs full takeovers
// against a simulated machine.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: warden <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "commands:\n")
	fmt.Fprintf(os.Stderr, "  compile   compile a YAML cell or system description into a binary descriptor\n")
	fmt.Fprintf(os.Stderr, "  inspect   print a summary of a descriptor or image header\n")
	fmt.Fprintf(os.Stderr, "  probe     report this machine's virtualization capabilities\n")
	fmt.Fprintf(os.Stderr, "  simulate  run a takeover against a simulated machine and check its invariants\n")
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "compile":
		return runCompile(args[1:])
	case "inspect":
		return runInspect(args[1:])
	case "probe":
		return runProbe(args[1:])
	case "simulate":
		return runSimulate(args[1:])
	case "help", "-h", "-help", "--help":
		usage()
		return nil
	}
	usage()
	return fmt.Errorf("unknown command %q", args[0])
}

// setupLogging routes engine logs to stderr. Interactive runs drop the
// timestamp; piped output keeps it.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}
