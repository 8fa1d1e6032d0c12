package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	golog "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"

	"github.com/petervdpas/shrive/internal/app"
	"github.com/petervdpas/shrive/internal/config"
	"github.com/petervdpas/shrive/internal/logging"
)

//go:generate swag init -g internal/rendezvous/openapi_annotations.go -o docs --parseInternal

var log = golog.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	debug    = flag.Bool("debug", false, "Log every subsystem at debug level")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

type runner func(context.Context, app.Options) error

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("shrive v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}
	command, dir := args[0], args[1]

	switch command {
	case "server":
		run(dir, app.RunServer)
	case "confessor":
		run(dir, app.RunConfessor)
	case "priest":
		run(dir, app.RunPriest)
	case "init":
		initDir(dir)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir, reads its .env and loads or creates shrive.json.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Directory does not exist: %s", absDir)
	}

	if err := godotenv.Load(filepath.Join(absDir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatalf("Failed to read .env: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func run(dirArg string, fn runner) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	if err := logging.Setup(cfg.Log); err != nil {
		fatalf("Invalid log config: %v", err)
	}
	if *debug {
		_ = logging.SetLevel("*", "debug")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	if err := fn(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Version: appVersion,
	}); err != nil {
		cancel()
		fatalf("%v", err)
	}
}

func initDir(dirArg string) {
	if err := os.MkdirAll(dirArg, 0o755); err != nil {
		fatalf("Failed to create %s: %v", dirArg, err)
	}
	absDir, cfgPath, cfg := loadDir(dirArg)

	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("shrive - confession invitations and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  shrive server <directory>     Run the hub")
	fmt.Println("  shrive confessor <directory>  Find a priest and start a call")
	fmt.Println("  shrive priest <directory>     Receive invitations as a verified priest")
	fmt.Println("  shrive init <directory>       Write shrive.json interactively")
	fmt.Println()
	fmt.Println("Each directory holds one shrive.json and an optional .env file.")
	fmt.Println("SHRIVE_* environment variables override the file.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -debug    Log every subsystem at debug level")
}
