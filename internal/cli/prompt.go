package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/ChuLiYu/annosync/internal/remote"
)

// ErrNotInteractive is returned when prompting is required but stdin is not
// a terminal.
var ErrNotInteractive = errors.New("stdin is not a terminal, rerun with --yes to skip confirmations")

// terminalPrompter asks yes/no questions on out and reads answers from in.
type terminalPrompter struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
}

// newTerminalPrompter returns nil when prompting is disabled.
func newTerminalPrompter(in io.Reader, out io.Writer, enabled bool) (remote.Prompter, error) {
	if !enabled {
		return nil, nil
	}
	if f, ok := in.(*os.File); ok && !isTerminal(f) {
		return nil, ErrNotInteractive
	}
	return &terminalPrompter{reader: bufio.NewReader(in), out: out}, nil
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Confirm implements remote.Prompter. Only "y" and "yes" confirm; EOF declines.
func (p *terminalPrompter) Confirm(ctx context.Context, message string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	fmt.Fprintf(p.out, "%s [y/N]: ", message)
	line, err := p.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
