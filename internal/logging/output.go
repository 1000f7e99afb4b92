package logging

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single output line before truncation.
	MaxLineLength = 4096

	// TailLines is how many trailing lines Frame returns.
	TailLines = 20
)

// OutputFramer prints the captured output of a finished task between begin
// and end markers naming the task and its process id.
type OutputFramer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewOutputFramer creates a framer writing to w. A nil writer discards.
func NewOutputFramer(w io.Writer) *OutputFramer {
	if w == nil {
		w = io.Discard
	}
	return &OutputFramer{w: w}
}

// BeginMarker returns the line printed before a task's output.
func BeginMarker(label string, pid int) string {
	return fmt.Sprintf("------ Begin output for %s - %d", label, pid)
}

// EndMarker returns the line printed after a task's output.
func EndMarker(label string, pid int) string {
	return fmt.Sprintf("------ Completed output for %s - %d", label, pid)
}

// FrameFile prints the contents of path. A missing file prints empty markers.
func (f *OutputFramer) FrameFile(label string, pid int, path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f.Frame(label, pid, strings.NewReader(""))
		}
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	defer file.Close()

	return f.Frame(label, pid, file)
}

// Frame copies r line by line between the markers and returns the last
// TailLines lines, which callers attach to failure logs.
func (f *OutputFramer) Frame(label string, pid int, r io.Reader) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bw := bufio.NewWriter(f.w)
	fmt.Fprintln(bw, BeginMarker(label, pid))

	tail := make([]string, 0, TailLines)
	br := bufio.NewReader(r)
	for {
		line, err := readLine(br)
		if line != "" || err == nil {
			fmt.Fprintln(bw, line)
			if len(tail) == TailLines {
				tail = append(tail[:0], tail[1:]...)
			}
			tail = append(tail, line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			bw.Flush()
			return tail, fmt.Errorf("read output: %w", err)
		}
	}

	fmt.Fprintln(bw, EndMarker(label, pid))
	return tail, bw.Flush()
}

// readLine returns one line without its newline, truncated to MaxLineLength.
func readLine(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if sb.Len() > 0 {
				return finish(&sb, truncated), nil
			}
			return "", err
		}
		if !truncated {
			room := MaxLineLength - sb.Len()
			if len(chunk) > room {
				sb.Write(chunk[:room])
				truncated = true
			} else {
				sb.Write(chunk)
			}
		}
		if !isPrefix {
			return finish(&sb, truncated), nil
		}
	}
}

func finish(sb *strings.Builder, truncated bool) string {
	if truncated {
		return sb.String() + "...(truncated)"
	}
	return sb.String()
}
