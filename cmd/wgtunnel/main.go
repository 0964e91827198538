// Command wgtunnel runs the tunnel service or talks to a running one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wgtunnel/internal/core"
	"wgtunnel/internal/ipc"
)

// Build info, injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `Usage: wgtunnel [flags] <command> [args]

Service:
  --service                  run the tunnel service (used by the SCM)
  install | uninstall        register or remove the Windows service
  start | stop               start or stop the installed service

Client:
  connect <profile>          bring the tunnel up
  disconnect                 tear the tunnel down
  status                     show state, session and peers
  profiles                   list configured profiles
  import [name] <file.conf>  import a wg-quick configuration
  regenerate-key             replace the device key pair
  watch                      stream state changes until interrupted

Flags:
`

func main() {
	fs := flag.NewFlagSet("wgtunnel", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	serviceMode := fs.Bool("service", false, "Run the tunnel service in the foreground or under the SCM")
	jsonOut := fs.Bool("json", false, "Print client results as JSON")
	timeout := fs.Duration("timeout", time.Minute, "Deadline for client commands")
	showVersion := fs.Bool("version", false, "Print version and exit")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("wgtunnel %s (commit=%s, built=%s)\n", version, commit, buildDate)
		return
	}

	plat := newPlatform()
	if plat == nil {
		fmt.Fprintln(os.Stderr, "wgtunnel: this platform is not supported")
		os.Exit(1)
	}
	resolved := core.ResolveRelativeToExe(*configPath)

	if *serviceMode {
		if err := runHost(resolved, plat); err != nil {
			core.Log.Fatalf("Core", "Service failed: %v", err)
		}
		return
	}

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		os.Exit(2)
	}
	if handled, err := scmCommand(args[0], resolved); handled {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if args[0] != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	client, err := ipc.NewClient(plat.IPC.Target(), plat.IPC.Dial)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	c := &cli{client: client, out: os.Stdout, json: *jsonOut}
	if err := c.run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		client.Close()
		os.Exit(1)
	}
}
