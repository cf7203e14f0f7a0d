package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ResultFile is where the capture tool leaves the URL for the downloader.
const ResultFile = "captured_m3u8_url.txt"

var ErrEmptyResult = errors.New("capture file is empty")

func WriteResult(path, url string) error {
	if path == "" {
		path = ResultFile
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(url)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ReadResult returns the first non-empty line of the capture file.
func ReadResult(path string) (string, error) {
	if path == "" {
		path = ResultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrEmptyResult)
}

// ManualInstructions explains how to find the playlist URL by hand.
func ManualInstructions(w io.Writer, pageURL string) {
	fmt.Fprintln(w, "Could not capture the playlist URL automatically.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Manual method:")
	fmt.Fprintf(w, "  1. Open %s in your browser\n", pageURL)
	fmt.Fprintln(w, "  2. Open Developer Tools (F12 or Cmd+Option+I)")
	fmt.Fprintln(w, "  3. Go to the Network tab")
	fmt.Fprintln(w, "  4. Filter by 'm3u8'")
	fmt.Fprintln(w, "  5. Start playing the video")
	fmt.Fprintln(w, "  6. Look for requests ending in .m3u8")
	fmt.Fprintln(w, "  7. Right-click the request > Copy > Copy URL")
	fmt.Fprintln(w, "  8. Run: mediaspace-dl '<copied url>'")
}
