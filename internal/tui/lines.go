package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nugget/aigent/internal/agent"
)

// RunLines drives a session from a plain reader, one message per line.
// It is used when stdin or stdout is not a terminal.
func RunLines(ctx context.Context, s *Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if reply, ok := s.Command(ctx, line); ok {
			for _, l := range reply.Lines {
				fmt.Fprintln(out, l)
			}
			if reply.Exit {
				return nil
			}
			continue
		}

		outcome, err := StreamTurn(ctx, s, line, out, "aigent> ")
		if err != nil {
			continue
		}
		s.Complete(line, outcome)
	}
}

// StreamTurn runs one turn, copying fragments to w after prefix as they
// arrive. If any fragment was dropped the authoritative reply is printed
// again in full. Errors are written to w as well as returned.
func StreamTurn(ctx context.Context, s *Session, message string, w io.Writer, prefix string) (outcome agent.Outcome, err error) {
	frags := make(chan string, fragmentQueue)
	io.WriteString(w, prefix)

	var (
		wg      sync.WaitGroup
		printed strings.Builder
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for f := range frags {
			printed.WriteString(f)
			io.WriteString(w, f)
		}
	}()

	outcome, err = s.Generate(ctx, message, frags)
	close(frags)
	wg.Wait()
	if err != nil {
		if printed.Len() > 0 {
			fmt.Fprint(w, "\n"+prefix)
		}
		fmt.Fprintf(w, "error: %v\n", err)
		return outcome, err
	}

	if printed.String() != outcome.Text {
		if printed.Len() > 0 {
			fmt.Fprint(w, "\n"+prefix)
		}
		fmt.Fprint(w, outcome.Text)
	}
	fmt.Fprintln(w)
	return outcome, nil
}
