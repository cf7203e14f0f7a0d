package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lvcoi/mediaspace-dl/internal/app"
	"github.com/lvcoi/mediaspace-dl/internal/capture"
	"github.com/lvcoi/mediaspace-dl/internal/downloader"
)

const (
	envOutputDir = "MEDIASPACE_DL_OUTPUT_DIR"
	envEncoder   = "MEDIASPACE_DL_ENCODER"
	envCookie    = "MEDIASPACE_DL_COOKIE"
)

type cliFlags struct {
	opts        downloader.Options
	headers     []string
	headersFile string
	onExists    string
	variant     string
	captureFile string
	jsonOutput  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	exitCode := 0
	cmd := newRootCommand(func(code int) { exitCode = code }, stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if exitCode == 0 {
			exitCode = downloader.ExitCode(downloader.CategorizedError{Category: downloader.CategoryInvalidURL, Err: err})
		}
	}
	return exitCode
}

func newRootCommand(setExit func(int), stdout, stderr io.Writer) *cobra.Command {
	var f cliFlags
	cmd := &cobra.Command{
		Use:   "mediaspace-dl [url] [output_filename]",
		Short: "Download an HLS lecture video from a media portal page or playlist URL",
		Long: "Download an HLS lecture video and convert it to MP4.\n\n" +
			"The URL may be a portal page or a direct .m3u8 playlist. Without a URL the\n" +
			"playlist URL saved by capture-m3u8 (" + capture.ResultFile + ") is used.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(args)
			if err != nil {
				return err
			}
			req.Options.LogOutput = stderr

			res, code := app.Run(cmd.Context(), req)
			if f.jsonOutput {
				writeJSONResult(stdout, res)
			} else if res.Err != nil && !downloader.IsReported(res.Err) {
				fmt.Fprintf(stderr, "error: %v\n", res.Err)
			}
			setExit(code)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f.bind(cmd.Flags())
	return cmd
}

func (f *cliFlags) bind(flags *pflag.FlagSet) {
	flags.StringVarP(&f.opts.OutputDir, "output-dir", "d", envOr(envOutputDir, downloader.DefaultOutputDir), "directory for the output file")
	flags.BoolVar(&f.opts.Debug, "debug", false, "show detailed debugging information")
	flags.BoolVarP(&f.opts.Quiet, "quiet", "q", false, "only print errors")
	flags.StringVar(&f.opts.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.DurationVar(&f.opts.Timeout, "timeout", downloader.DefaultTimeout, "per-request timeout")
	flags.IntVar(&f.opts.Retries, "retries", downloader.DefaultRetries, "retries per request and per segment")
	flags.StringVar(&f.opts.Encoder, "encoder", envOr(envEncoder, downloader.DefaultEncoder), "ffmpeg binary name or path")
	flags.BoolVar(&f.opts.NoConvert, "no-convert", false, "skip the encoder and keep the joined .ts stream")
	flags.StringVar(&f.opts.Title, "title", "", "title metadata to embed in the output")
	flags.StringVar(&f.opts.UserAgent, "user-agent", "", "User-Agent header for all requests")
	flags.StringVar(&f.opts.TempDir, "temp-dir", "", "parent directory for the per-run work directory")
	flags.StringVar(&f.onExists, "on-exists", string(downloader.ExistingOverwrite), "when the output exists: overwrite, skip, rename")
	flags.StringVar(&f.variant, "variant", string(downloader.VariantHighest), "master playlist variant: highest, lowest, first")
	flags.StringArrayVarP(&f.headers, "header", "H", nil, "extra request header \"Name: value\" (repeatable)")
	flags.StringVar(&f.headersFile, "headers-file", "", "JSON object of extra request headers")
	flags.StringVar(&f.captureFile, "capture-file", capture.ResultFile, "playlist URL file used when no URL is given")
	flags.BoolVar(&f.jsonOutput, "json", false, "print the result as JSON on stdout (implies --quiet)")
}

func (f *cliFlags) request(args []string) (app.Request, error) {
	opts := f.opts
	if f.jsonOutput {
		opts.Quiet = true
	}
	if len(args) > 1 {
		opts.Output = args[1]
	}

	policy, err := downloader.ParseExistingPolicy(f.onExists)
	if err != nil {
		return app.Request{}, err
	}
	opts.OnExists = policy
	variant, err := downloader.ParseVariantPolicy(f.variant)
	if err != nil {
		return app.Request{}, err
	}
	opts.Variant = variant
	if _, err := downloader.ParseLogLevel(opts.LogLevel); err != nil {
		return app.Request{}, err
	}

	headers, err := downloader.LoadHeaders(f.headersFile)
	if err != nil {
		return app.Request{}, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if cookie := strings.TrimSpace(os.Getenv(envCookie)); cookie != "" {
		headers["Cookie"] = cookie
	}
	for _, raw := range f.headers {
		name, value, err := downloader.ParseHeader(raw)
		if err != nil {
			return app.Request{}, err
		}
		headers[name] = value
	}
	if len(headers) > 0 {
		opts.Headers = headers
	}

	req := app.Request{Options: opts, CaptureFile: f.captureFile}
	if len(args) > 0 {
		req.URL = args[0]
	}
	return req, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func writeJSONResult(w io.Writer, res app.Result) {
	payload := struct {
		Type   string `json:"type"`
		Status string `json:"status"`
		app.Result
		Finished string `json:"finished"`
	}{
		Type:     "result",
		Status:   "ok",
		Result:   res,
		Finished: time.Now().UTC().Format(time.RFC3339),
	}
	switch {
	case res.Err != nil:
		payload.Status = "error"
	case res.Skipped:
		payload.Status = "skipped"
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
