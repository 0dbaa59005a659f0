// npcscript CLI - compiles a script project and runs events against it
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/tliron/commonlog"

	"github.com/chazu/npcscript/compiler"
	"github.com/chazu/npcscript/manifest"
	"github.com/chazu/npcscript/server"
	"github.com/chazu/npcscript/store"
	"github.com/chazu/npcscript/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("npcscript.cli")

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 errors only, 1 warnings, 2 info, 3+ debug)")
	dir := flag.String("C", ".", "Project directory (npcscript.toml is searched upwards from here)")
	event := flag.String("run", "", "Event to run, as Unit::Label")
	actor := flag.Int("actor", 1, "Actor id the event runs for (0 runs it globally)")
	dbPath := flag.String("db", "", "Variable store path (overrides [store] path; \":memory:\" for none kept)")
	disasm := flag.String("disasm", "", "Print the bytecode of a unit")
	labels := flag.Bool("labels", false, "List the exported labels of every unit")
	export := flag.String("export", "", "Write a CBOR snapshot of stored variables to this file")
	lspMode := flag.Bool("lsp", false, "Start the language server on stdio")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: npcscript [options]\n\n")
		fmt.Fprintf(os.Stderr, "Compiles the scripts of an npcscript.toml project and runs events.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  npcscript                          # Compile everything, report errors\n")
		fmt.Fprintf(os.Stderr, "  npcscript -run Guide::OnTalk       # Run an event for actor 1, answers on stdin\n")
		fmt.Fprintf(os.Stderr, "  npcscript -disasm Guide            # Dump a unit's bytecode\n")
		fmt.Fprintf(os.Stderr, "  npcscript -lsp                     # Language server for editors\n")
	}
	flag.Parse()

	// The LSP speaks on stdout; keep logs off it.
	if *lspMode {
		commonlog.Configure(0, nil)
	} else {
		commonlog.Configure(*verbosity, nil)
	}

	m, err := loadManifest(*dir)
	if err != nil {
		fatalf("%v", err)
	}
	if *dbPath != "" {
		m.Store.Path = *dbPath
	}

	var opts []vm.Option
	opts = append(opts, vm.WithLimits(m.Limits()), vm.WithMessenger(newConsole(os.Stdout)))

	var st *store.Store
	if !*lspMode && (*event != "" || *export != "") {
		st, err = store.Open(m.StorePath())
		if err != nil {
			fatalf("%v", err)
		}
		defer st.Close()
		opts = append(opts, vm.WithPersistence(st))
	}

	e := vm.NewEngine(opts...)
	m.DeclareConstants(e)

	if *lspMode {
		if err := server.NewLSP(e).Run(); err != nil {
			fatalf("LSP error: %v", err)
		}
		return
	}

	units, err := compileProject(e, m)
	if err != nil {
		fatalf("%v", err)
	}
	if *verbosity > 0 {
		fmt.Fprintf(os.Stderr, "Compiled %d units\n", units)
	}

	if *disasm != "" {
		u, ok := e.Unit(*disasm)
		if !ok {
			u, ok = e.Function(*disasm)
		}
		if !ok {
			fatalf("unknown unit %q", *disasm)
		}
		fmt.Print(vm.Disassemble(u.Code, e.Symbols))
	}

	if *labels {
		printLabels(e, m)
	}

	if *event != "" {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := runEvent(ctx, e, m, *event, *actor, os.Stdin)
		stop()
		if err != nil {
			fatalf("%v", err)
		}
	}

	if *export != "" {
		data, err := st.ExportSnapshot()
		if err != nil {
			fatalf("export: %v", err)
		}
		if err := os.WriteFile(*export, data, 0o644); err != nil {
			fatalf("export: %v", err)
		}
	}
}

func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(dir), nil
	}
	return m, nil
}

// compileProject compiles every function and script file. All files are
// attempted; the first error is returned after the others are reported.
func compileProject(e *vm.Engine, m *manifest.Manifest) (int, error) {
	files, err := m.Sources()
	if err != nil {
		return 0, err
	}
	var firstErr error
	count := 0
	for _, f := range files {
		src, err := os.ReadFile(f.Path)
		if err != nil {
			return count, err
		}
		if f.Function {
			_, err = compiler.CompileFunction(e, f.Name, string(src), f.Path)
		} else {
			_, err = compiler.CompileScript(e, string(src), f.Path)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("compilation failed")
			}
			continue
		}
		count++
	}
	return count, firstErr
}

func printLabels(e *vm.Engine, m *manifest.Manifest) {
	files, _ := m.Sources()
	var names []string
	for _, f := range files {
		if !f.Function {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		u, ok := e.Unit(name)
		if !ok {
			continue
		}
		for _, label := range u.ExportNames() {
			fmt.Printf("%s::%s\n", name, label)
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
