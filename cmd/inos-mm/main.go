package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/nmxmxh/inos_mm/kernel"
	"github.com/nmxmxh/inos_mm/kernel/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	cores := flag.Int("cores", 0, "override the number of cores")
	programs := flag.String("run", "all", "comma-separated demo programs to run, or \"all\"")
	list := flag.Bool("list", false, "list demo programs and exit")
	flag.Parse()

	if *list {
		names := make([]string, 0, len(demos))
		for name := range demos {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println(strings.Join(names, "\n"))
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	}
	if *cores > 0 {
		cfg.Cores = *cores
	}

	k, err := kernel.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "boot:", err)
		os.Exit(1)
	}

	selected, err := selectDemos(*programs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	for _, name := range selected {
		if _, err := k.Spawn(name, demos[name]); err != nil {
			fmt.Fprintln(os.Stderr, "spawn:", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := k.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}

	stats := k.Stats()
	for _, r := range stats.Exited {
		fmt.Printf("task %d (%s) exited with %d\n", r.ID, r.Name, r.ExitCode)
	}
}

func selectDemos(spec string) ([]string, error) {
	if spec == "all" {
		names := make([]string, 0, len(demos))
		for name := range demos {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	}
	var names []string
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if _, ok := demos[name]; !ok {
			return nil, fmt.Errorf("unknown program %q (see -list)", name)
		}
		names = append(names, name)
	}
	return names, nil
}
