// Command taskhub runs the task management API and live-update gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/taskhub/taskhub/pkg/version"
)

type options struct {
	configPath  string
	appName     string
	port        int
	logLevel    string
	storageType string
	sessionType string
	debug       bool
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := pflag.NewFlagSet("taskhub", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to configuration file (yaml or json)")
	fs.StringVar(&opts.appName, "app-name", "", "override app name")
	fs.IntVarP(&opts.port, "port", "p", 0, "override HTTP port")
	fs.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	fs.StringVar(&opts.storageType, "storage", "", "override storage backend (memory, badger, sqlite)")
	fs.StringVar(&opts.sessionType, "sessions", "", "override session store (memory, redis)")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	fs.BoolVarP(&opts.showVersion, "version", "v", false, "print version information and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "taskhub - collaborative task management with live updates\n\n")
		fmt.Fprintf(stderr, "Usage: taskhub [options]\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nEnvironment variables prefixed with TASKHUB_ override the config file,\n")
		fmt.Fprintf(stderr, "e.g. TASKHUB_LIVE_MAX_CONNECTIONS=500.\n")
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// overrides maps flags onto config keys. Flags beat env and file values.
func (o *options) overrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if o.appName != "" {
		overrides["app.name"] = o.appName
	}
	if o.port != 0 {
		overrides["server.port"] = o.port
	}
	if o.logLevel != "" {
		overrides["log.level"] = o.logLevel
	}
	if o.storageType != "" {
		overrides["storage.type"] = o.storageType
	}
	if o.sessionType != "" {
		overrides["session.type"] = o.sessionType
	}
	if o.debug {
		overrides["app.debug"] = true
	}

	return overrides
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.showVersion {
		fmt.Println(version.Get().String())
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "taskhub: %v\n", err)
		os.Exit(1)
	}
}
