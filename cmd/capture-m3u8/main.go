package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lvcoi/mediaspace-dl/internal/capture"
	"github.com/lvcoi/mediaspace-dl/internal/downloader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	exitCode := 0
	cmd := newCommand(func(code int) { exitCode = code }, stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if exitCode == 0 {
			exitCode = downloader.ExitCode(downloader.CategorizedError{Category: downloader.CategoryInvalidURL, Err: err})
		}
	}
	return exitCode
}

func newCommand(setExit func(int), stdout, stderr io.Writer) *cobra.Command {
	var (
		opts        capture.Options
		output      string
		pattern     string
		debug       bool
		linger      time.Duration
		showBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "capture-m3u8 <page-url>",
		Short: "Open a media page in Chrome and save the HLS playlist URL it requests",
		Long: "Open a media page in Chrome, start playback and watch network traffic for a\n" +
			"playlist request. The first match is written to " + capture.ResultFile + ",\n" +
			"which mediaspace-dl reads when run without a URL.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("invalid --pattern: %w", err)
			}
			logger := log.NewWithOptions(stderr, log.Options{ReportTimestamp: debug})
			if debug {
				logger.SetLevel(log.DebugLevel)
			}
			opts.Pattern = re
			opts.Logger = logger
			opts.Linger = linger
			opts.ShowBrowser = showBrowser

			pageURL := args[0]
			found, err := capture.Capture(cmd.Context(), pageURL, opts)
			if err != nil {
				logger.Error("capture failed", "err", err)
				if downloader.CategoryOf(err) == downloader.CategoryCapture {
					capture.ManualInstructions(stderr, pageURL)
				}
				setExit(downloader.ExitCode(err))
				return nil
			}
			if err := capture.WriteResult(output, found); err != nil {
				logger.Error("could not save result", "err", err)
				setExit(downloader.ExitCode(downloader.CategorizedError{Category: downloader.CategoryFilesystem, Err: err}))
				return nil
			}
			fmt.Fprintln(stdout, found)
			logger.Info("saved playlist URL", "file", output)
			logger.Info("next", "run", fmt.Sprintf("mediaspace-dl '%s'", found))
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.DurationVar(&opts.Timeout, "timeout", capture.DefaultTimeout, "how long to wait for a playlist request")
	flags.DurationVar(&linger, "linger", capture.DefaultLinger, "keep watching this long after the first match")
	flags.StringVarP(&output, "output", "o", capture.ResultFile, "file to write the captured URL to")
	flags.StringVar(&pattern, "pattern", capture.DefaultPattern.String(), "regular expression a request URL must match")
	flags.BoolVar(&showBrowser, "show-browser", false, "run Chrome with a visible window")
	flags.StringVar(&opts.ExecPath, "chrome-path", "", "path to the Chrome/Chromium binary")
	flags.StringVar(&opts.UserAgent, "user-agent", "", "override the browser User-Agent")
	flags.BoolVar(&debug, "debug", false, "log every matching request")
	return cmd
}
