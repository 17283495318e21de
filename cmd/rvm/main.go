package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"rvm/pkg/emu"
	"rvm/pkg/translator"
)

func main() {
	var (
		base    = flag.Uint64("base", 0x10000, "guest load address of the code image")
		entry   = flag.Uint64("entry", 0, "entry point (defaults to the load address)")
		xlen    = flag.Uint("xlen", 64, "guest register width (32 or 64)")
		memSize = flag.Uint64("mem", 64<<20, "guest arena size in bytes")
		budget  = flag.Uint64("budget", 32_000_000, "instruction budget per run")
		mode    = flag.String("mode", "translate", "execution mode: interpret, translate or jit")
		store   = flag.String("store", "", "translation artifact store directory")
		trace   = flag.Bool("trace", false, "trace translated instructions")
		verbose = flag.Bool("verbose", false, "verbose loader output")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: rvm [flags] <code image>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *base, *entry, *xlen, *memSize, *budget, *mode, *store, *trace, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "rvm: %v\n", err)
		os.Exit(1)
	}
}

func run(image string, base, entry uint64, xlen uint, memSize, budget uint64, mode, storePath string, trace, verbose bool) error {
	code, err := os.ReadFile(image)
	if err != nil {
		return err
	}

	opts := emu.DefaultOptions()
	opts.XLEN = xlen
	opts.MemorySize = memSize
	opts.TranslateTrace = trace
	opts.VerboseLoader = opts.VerboseLoader || verbose
	switch mode {
	case "interpret":
		opts.TranslateEnabled = false
		opts.TranslateEnableEmbedded = false
	case "translate":
	case "jit":
		opts.TranslateJIT = true
		opts.TranslationCache = false
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	opts.ArtifactStorePath = storePath

	if opts.TranslateEnabled || opts.TranslateEnableEmbedded {
		moduleDir, err := moduleRoot()
		if err != nil {
			return err
		}
		engine := translator.NewEngine(moduleDir)
		if opts.ArtifactStorePath != "" {
			st, err := translator.OpenStore(opts.ArtifactStorePath)
			if err != nil {
				return err
			}
			defer st.Close()
			engine.Store = st
		}
		opts.Translator = engine
	}

	m, err := emu.NewMachine(opts)
	if err != nil {
		return err
	}
	defer m.Close()

	// Default exit syscall so images can stop the machine.
	m.InstallSyscallHandler(93, func(m *emu.Machine) error {
		m.Stop()
		return nil
	})
	m.SetOnUnhandledSyscall(func(m *emu.Machine, n uint64) {
		if verbose {
			fmt.Fprintf(os.Stderr, "rvm: unhandled syscall %d\n", n)
		}
	})

	if err := m.Arena.Mutate(base, code); err != nil {
		return err
	}
	if entry == 0 {
		entry = base
	}
	m.SetStartAddress(entry)

	if _, err := m.CreateExecuteSegment(code, base); err != nil {
		return err
	}
	m.CPU.Pc = entry
	m.CPU.Regs[2] = m.Arena.Size() - 16 // stack pointer

	if err := m.Run(budget); err != nil {
		return err
	}

	fmt.Printf("pc=%#x instructions=%d\n", m.CPU.Pc, m.CPU.InsCounter)
	for i := 0; i < 32; i += 4 {
		fmt.Printf("x%-2d=%#-18x x%-2d=%#-18x x%-2d=%#-18x x%-2d=%#-18x\n",
			i, m.CPU.Regs[i], i+1, m.CPU.Regs[i+1], i+2, m.CPU.Regs[i+2], i+3, m.CPU.Regs[i+3])
	}
	return nil
}

// moduleRoot finds the rvm module directory for the plugin build's
// replace directive.
func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not locate module root for translation builds")
		}
		dir = parent
	}
}
