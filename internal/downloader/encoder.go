package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const stderrTailLines = 8

// ErrEncoderNotFound is returned when the encoder binary is not on PATH.
var ErrEncoderNotFound = errors.New("encoder not found")

// lookupEncoder resolves the encoder binary before any download starts.
func lookupEncoder(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", wrapCategory(CategoryEncoder, fmt.Errorf(
			"%w: %s (install ffmpeg: `brew install ffmpeg` on macOS, `sudo apt-get install ffmpeg` on Debian/Ubuntu, or pass --no-convert)",
			ErrEncoderNotFound, name))
	}
	return path, nil
}

type encoder struct {
	binary  string
	printer *Printer
}

// Convert remuxes input into output with stream copy. The encoder writes to
// a .part sibling that is renamed into place only after a zero exit.
func (e encoder) Convert(ctx context.Context, input, output, title string) error {
	part := partialPath(output)
	_ = os.Remove(part)

	kwargs := ffmpeg.KwArgs{"c": "copy"}
	if title != "" {
		kwargs["metadata"] = "title=" + title
	}

	var stderr bytes.Buffer
	cmd := ffmpeg.Input(input).
		Output(part, kwargs).
		OverWriteOutput().
		SetFfmpegPath(e.binary).
		WithErrorOutput(&stderr).
		Silent(true).
		Compile()
	e.printer.Log(LogDebug, "running encoder", "cmd", strings.Join(cmd.Args, " "))

	if err := runCommand(ctx, cmd); err != nil {
		_ = os.Remove(part)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return wrapCategory(CategoryEncoder, fmt.Errorf("encoder failed: %w%s", err, formatStderrTail(stderr.String())))
	}

	info, err := os.Stat(part)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(part)
		return wrapCategory(CategoryEncoder, fmt.Errorf("encoder exited cleanly but produced no output%s", formatStderrTail(stderr.String())))
	}
	if err := os.Rename(part, output); err != nil {
		_ = os.Remove(part)
		return wrapCategory(CategoryFilesystem, fmt.Errorf("moving output into place: %w", err))
	}
	return nil
}

func runCommand(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

// partialPath keeps the extension last so the encoder still picks the right muxer.
func partialPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + partialOutputPostfix + ext
}

func formatStderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return "\n" + strings.Join(lines, "\n")
}
