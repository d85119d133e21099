// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/hostline/internal/app"
	"github.com/petervdpas/hostline/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "hostline.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("hostline v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: hostline peer <directory>")
			os.Exit(1)
		}
		run(args[1], app.RunPeer)

	case "gate":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: gate command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: hostline gate <directory>")
			os.Exit(1)
		}
		run(args[1], app.RunGate)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(dirArg string, fn func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("hostline: %v", err)
	}
}

func showUsage() {
	fmt.Println("hostline - one-to-one calls with available hosts")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  hostline peer <directory>   Run a caller, host or observer")
	fmt.Println("  hostline gate <directory>   Run the admission service")
	fmt.Println()
	fmt.Println("The directory holds " + cfgName + "; a default one is created when missing.")
	fmt.Println("The participant role is identity.role in the config.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
