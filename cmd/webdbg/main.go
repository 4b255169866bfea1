package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tdewey/webdbg/internal/bridge"
	"github.com/tdewey/webdbg/internal/config"
	"github.com/tdewey/webdbg/internal/dapsrv"
	"github.com/tdewey/webdbg/internal/mcp"
)

var (
	version = "0.1.0"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	headless := flag.Bool("headless", false, "Launch the browser without a window")
	dapAddr := flag.String("dap", "", "Serve the Debug Adapter Protocol on this TCP address (e.g. 127.0.0.1:4711)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	help := flag.Bool("help", false, "Show help and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("webdbg version %s\n", version)
		os.Exit(0)
	}

	if *help {
		printHelp()
		os.Exit(0)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if *headless {
		cfg.Headless = true
	}
	if *dapAddr != "" {
		cfg.DAPListenAddr = *dapAddr
	}

	service := bridge.NewService(cfg, log)
	server := mcp.NewServer(cfg, service, log)

	var dapServer *dapsrv.Server
	if cfg.DAPListenAddr != "" {
		dapServer = dapsrv.New(service, log)
		go func() {
			if err := dapServer.ListenAndServe(cfg.DAPListenAddr); err != nil {
				log.Error("DAP server failed", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		if dapServer != nil {
			_ = dapServer.Close()
		}
		server.Close()
		os.Exit(0)
	}()

	log.Info("webdbg server starting", "version", version)
	if err := server.ServeStdio(); err != nil {
		server.Close()
		log.Error("server error", "err", err)
		os.Exit(1)
	}
	server.Close()
	if dapServer != nil {
		_ = dapServer.Close()
	}
}

func printHelp() {
	fmt.Println(`webdbg: source-level debug bridge for compiled-to-JavaScript apps

Launches (or attaches to) a Chromium-family browser with remote debugging
enabled and emulates a source-level debug service over its inspection
protocol: breakpoints by original source line, logical frames with
source-level variable names, expression evaluation in frame scope.

USAGE:
    webdbg [OPTIONS]

OPTIONS:
    -config <path>     Path to configuration file (JSON)
    -headless          Launch the browser without a window
    -dap <addr>        Also serve the Debug Adapter Protocol on this address
    -version           Show version and exit
    -help              Show this help message

CONFIGURATION:
    {
        "browserPath": "/usr/bin/google-chrome",
        "debugPort": 0,
        "headless": false,
        "connectTimeout": 60000000000,
        "dapListenAddr": "127.0.0.1:4711"
    }

    The browser executable is discovered automatically; set the
    WEBDBG_BROWSER environment variable or browserPath to override.

TOOLS:
    Session Management:
        debug_launch            Launch the browser and connect a session
        debug_attach            Attach to a running browser
        debug_disconnect        Tear the session down

    Inspection:
        debug_scripts           List loaded scripts by original source URL
        debug_stack             Get the paused call stack with variables
        debug_evaluate          Evaluate an expression in a frame's scope

    Control:
        debug_breakpoint_set    Set a breakpoint at an original-source line
        debug_breakpoint_clear  Remove a breakpoint
        debug_continue          Resume execution
        debug_step              Step into/over/out`)
}
