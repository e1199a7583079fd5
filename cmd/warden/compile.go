package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wardenhv/warden/internal/config"
)

func runCompile(args []string) error {
	fs := flag.NewFlagSet("warden compile", flag.ExitOnError)
	system := fs.Bool("system", false, "compile a system descriptor instead of a cell")
	out := fs.String("o", "", "output file (default: input name with .cell or .sys)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("compile: expected one input file, got %d", fs.NArg())
	}
	in := fs.Arg(0)

	src, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	var blob []byte
	if *system {
		sys, err := config.ParseSystemYAML(src)
		if err != nil {
			return fmt.Errorf("compile %s: %w", in, err)
		}
		if blob, err = config.MarshalSystem(sys); err != nil {
			return fmt.Errorf("compile %s: %w", in, err)
		}
	} else {
		cell, err := config.ParseCellYAML(src)
		if err != nil {
			return fmt.Errorf("compile %s: %w", in, err)
		}
		if blob, err = config.MarshalCell(cell); err != nil {
			return fmt.Errorf("compile %s: %w", in, err)
		}
	}

	dest := *out
	if dest == "" {
		ext := ".cell"
		if *system {
			ext = ".sys"
		}
		dest = strings.TrimSuffix(in, filepath.Ext(in)) + ext
	}
	if err := os.WriteFile(dest, blob, 0o644); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", dest, len(blob))
	return nil
}
