package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/amterp/color"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rhansen/modresolve"
	"github.com/rhansen/modresolve/internal/command"
	"github.com/rhansen/modresolve/internal/itertools"
	"github.com/rhansen/modresolve/internal/logging"
	"github.com/rhansen/modresolve/internal/registryio"
	"github.com/rhansen/modresolve/internal/syncmap"
	"golang.org/x/sync/errgroup"
)

// renderFormat, when non-empty, names a Graphviz output format ("svg",
// "png", ...): dot output is piped through the external `dot` command
// instead of printed as text.
var renderFormat string

var (
	cyanf    = color.New(color.FgCyan).SprintfFunc()
	hiblackf = color.New(color.FgHiBlack).SprintfFunc()
)

type outputFn = func(ig *modresolve.InstanceGraph) error

var allOutputFuncs = [...]outputFn{outputTree, outputRaw, outputDot}

var allOutput = map[string]*outputFn{
	"tree": &allOutputFuncs[0],
	"raw":  &allOutputFuncs[1],
	"dot":  &allOutputFuncs[2],
}

type depEdge struct {
	from, to    modresolve.ModuleID
	viaProvider bool
}

func outputTree(ig *modresolve.InstanceGraph) error {
	viaMsg := cyanf(" (via provider)")
	seenMsg := hiblackf(" (repeat)")
	seen := mapset.NewThreadUnsafeSet[modresolve.ModuleID]()
	var visit func(m modresolve.ModuleID, viaProvider bool, indent int) error
	visit = func(m modresolve.ModuleID, viaProvider bool, indent int) error {
		wasSeen := !seen.Add(m)
		fmt.Print(strings.Repeat("  ", indent))
		switch {
		case !wasSeen && !viaProvider:
			fmt.Print(m)
		case !wasSeen && viaProvider:
			fmt.Printf("%v%s", m, viaMsg)
		case wasSeen && !viaProvider:
			fmt.Printf("%s%s", hiblackf("%v", m), seenMsg)
		case wasSeen && viaProvider:
			fmt.Printf("%s%s%s", hiblackf("%v", m), seenMsg, viaMsg)
		}
		fmt.Print("\n")
		if !wasSeen {
			deps := maps.Collect(ig.Deps(m))
			ids := slices.Collect(maps.Keys(deps))
			slices.Sort(ids)
			for _, d := range ids {
				if err := visit(d, deps[d], indent+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return visit(ig.Root(), false, 0)
}

func outputRaw(ig *modresolve.InstanceGraph) error {
	ctx := context.Background()
	seq, errFn := modresolve.AllInstances(ctx, ig)
	for line := range itertools.Stringify(seq) {
		fmt.Println(line)
	}
	return errFn()
}

func outputDot(ig *modresolve.InstanceGraph) error {
	var buf bytes.Buffer
	printEdge := func(e depEdge) {
		attrs := []string{}
		if e.viaProvider {
			attrs = append(attrs, "class=\"provider\"", "style=\"dashed\"")
		}
		fmt.Fprintf(&buf, "  %q -> %q [%s];\n", e.from, e.to, strings.Join(attrs, ","))
	}
	visited := mapset.NewThreadUnsafeSet[modresolve.ModuleID]()
	var visit func(m modresolve.ModuleID) error
	visit = func(m modresolve.ModuleID) error {
		if !visited.Add(m) {
			return nil
		}
		attrs := []string{}
		if m == ig.Root() {
			attrs = append(attrs, "fillcolor=\"black\"", "fontcolor=\"white\"")
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", m, strings.Join(attrs, ","))
		deps := maps.Collect(ig.Deps(m))
		ids := slices.Collect(maps.Keys(deps))
		slices.Sort(ids)
		for _, d := range ids {
			printEdge(depEdge{from: m, to: d, viaProvider: deps[d]})
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprint(&buf, "digraph {\n")
	fmt.Fprint(&buf, "  node [style=filled,fillcolor=\"white\",shape=box];\n")
	if err := visit(ig.Root()); err != nil {
		return err
	}
	fmt.Fprint(&buf, "}\n")

	if renderFormat == "" {
		_, err := os.Stdout.Write(buf.Bytes())
		return err
	}
	cmd := command.New(context.Background(), ".", "dot", "-T"+renderFormat)
	cmd.Stdin = &buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rendering dot output with graphviz: %w", err)
	}
	return nil
}

type config struct {
	registries []string
	output     *outputFn
	mods       []string
}

func choiceFlag[T any](p *T, name string, choices map[string]T, dflt string, usage string) {
	cstr := strings.Join(slices.Sorted(maps.Keys(choices)), ", ")
	var ok bool
	if *p, ok = choices[dflt]; !ok {
		panic(fmt.Errorf("invalid default for %v option: %v", dflt, name))
	}
	usage += fmt.Sprintf(" (one of: %v; default: %v)", cstr, dflt)
	flag.Func(name, usage, func(arg string) error {
		if arg == "" {
			arg = dflt
		}
		v, ok := choices[arg]
		if !ok {
			return fmt.Errorf("expected one of: %v", cstr)
		}
		*p = v
		return nil
	})
}

var slogLevel = func() *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(logging.LevelInfo)
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
	return lvl
}()

func parseFlags() *config {
	cfg := &config{}

	bumpLogLevel := func(lower bool) {
		slogLevel.Set(logging.BumpLevel(slogLevel.Level(), lower))
	}
	setLogLevel := func(arg string) error {
		lvl, err := logging.StringToLevel(arg)
		if err != nil {
			return err
		}
		slogLevel.Set(lvl)
		return nil
	}
	flag.BoolFunc("v", "Increase log verbosity.", func(arg string) error {
		switch arg {
		case "", "true":
			bumpLogLevel(true)
		default:
			return setLogLevel(arg)
		}
		return nil
	})
	flag.BoolFunc("q", "Decrease log verbosity.", func(arg string) error {
		switch arg {
		case "", "true":
			bumpLogLevel(false)
		default:
			return setLogLevel(arg)
		}
		return nil
	})

	colorChoices := map[string]bool{
		"auto":   color.NoColor,
		"never":  true,
		"always": false,
	}
	choiceFlag(&color.NoColor, "color", colorChoices, "auto", "Output colors according to `mode`.")
	choiceFlag(&cfg.output, "format", allOutput, "tree", "Print resolved instances according to `mode`.")

	var registries string
	flag.StringVar(&registries, "registry", "", "Comma-separated `paths` of JSON module-library files to load.")
	flag.StringVar(&renderFormat, "render", "", "With -format=dot, pipe output through the external `dot` command using this Graphviz output `format` (e.g. svg) instead of printing dot text.")

	help := func(string) error {
		flag.CommandLine.SetOutput(os.Stdout)
		flag.Usage()
		os.Exit(0)
		return nil
	}
	helpUsage := "Print usage information and exit."
	flag.BoolFunc("h", helpUsage, help)
	flag.BoolFunc("help", helpUsage, help)
	flag.Parse()

	if registries != "" {
		cfg.registries = strings.Split(registries, ",")
	}
	cfg.mods = flag.Args()
	if len(cfg.mods) == 0 {
		log.Fatal("at least one root module id is required")
	}
	if len(cfg.registries) == 0 {
		log.Fatal("at least one -registry file is required")
	}
	return cfg
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := parseFlags()

	reg, err := registryio.LoadFiles(ctx, cfg.registries)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load registry", "error", err)
		os.Exit(1)
	}

	var graphs syncmap.Map[string, *modresolve.InstanceGraph]
	gr, gctx := errgroup.WithContext(ctx)
	for _, mod := range cfg.mods {
		gr.Go(func() error {
			instances, err := modresolve.Resolve(gctx, reg, modresolve.ModuleID(mod))
			if err != nil {
				return fmt.Errorf("resolving %s: %w", mod, err)
			}
			graphs.Store(mod, modresolve.NewInstanceGraph(modresolve.ModuleID(mod), instances))
			return nil
		})
	}
	if err := gr.Wait(); err != nil {
		slog.ErrorContext(ctx, "failed", "error", err)
		os.Exit(1)
	}

	for _, mod := range cfg.mods {
		ig, _ := graphs.Load(mod)
		if err := (*cfg.output)(ig); err != nil {
			slog.ErrorContext(ctx, "failed to print output", "module", mod, "error", err)
			os.Exit(1)
		}
	}
}
