// Command aslexport converts the trained ASL recognizer into the web bundle
// and normalization parameters the browser app loads.
//
// Usage:
//
//	aslexport              run the export using ./aslexport.toml and ASLEXPORT_* overrides
//	aslexport history [-n] list recorded exports (requires history.db_path)
//	aslexport history -delete ID
//	                       remove one recorded export
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ayusman/aslexport/internal/app"
	"github.com/ayusman/aslexport/internal/config"
	"github.com/ayusman/aslexport/internal/store"
)

// Exit codes.
const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "aslexport: ", log.LstdFlags)

	if len(args) > 0 {
		switch args[0] {
		case "history":
			return runHistory(args[1:], stdout, stderr)
		case "help", "-h", "--help":
			fmt.Fprint(stdout, usage)
			return exitOK
		default:
			fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
			return exitUsage
		}
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		return exitUsage
	}

	var st *store.Store
	if cfg.History.Enabled() {
		st, err = store.New(cfg.History.DBPath)
		if err != nil {
			// History is optional; the export still runs.
			logger.Printf("Export history disabled: %v", err)
		} else {
			defer st.Close()
		}
	}

	report, err := app.Run(ctx, app.Config{Export: cfg, Store: st, Logger: logger})
	if err != nil {
		fmt.Fprintln(stderr, renderFailure(err))
		return exitFatal
	}

	fmt.Fprint(stdout, renderReport(report))
	return exitOK
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("n", 20, "number of exports to show (0 for all)")
	deleteID := fs.String("delete", "", "remove the recorded export with this ID")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		return exitUsage
	}
	if !cfg.History.Enabled() {
		fmt.Fprintln(stderr, "Export history is disabled. Set history.db_path in aslexport.toml or ASLEXPORT_HISTORY_DB.")
		return exitUsage
	}

	st, err := store.New(cfg.History.DBPath)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		return exitFatal
	}
	defer st.Close()

	if *deleteID != "" {
		if err := st.Exports().Delete(*deleteID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintln(stderr, errorStyle.Render(fmt.Sprintf("Error: no export %q in %s", *deleteID, st.Path())))
				return exitUsage
			}
			fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
			return exitFatal
		}
		fmt.Fprintln(stdout, successStyle.Render("Deleted export "+*deleteID))
		return exitOK
	}

	exports, err := st.Exports().List(*limit)
	if err != nil {
		fmt.Fprintln(stderr, errorStyle.Render("Error: "+err.Error()))
		return exitFatal
	}

	fmt.Fprint(stdout, renderHistory(exports, st.Path(), time.Now()))
	return exitOK
}

const usage = `Usage:
  aslexport              export the model and normalization parameters
  aslexport history [-n] list recorded exports
  aslexport history -delete ID
                         remove one recorded export

Configuration is read from aslexport.toml or aslexport.json in the working
directory and from ASLEXPORT_* environment variables.
`
