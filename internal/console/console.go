// Package console is the interactive operator shell.
//
// Each input line is one command. Directives typed with "say" go to the
// agent as silent supervisor instructions; the caller never hears them.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MrWong99/callbridge/internal/session"
	"github.com/MrWong99/callbridge/pkg/audio/devmatch"
)

// Bridge is the call surface driven by the shell.
type Bridge interface {
	// StartCall places a call. A non-empty instruction replaces the
	// configured one for this call only.
	StartCall(ctx context.Context, instruction string) error
	StopCall()
	SendCommand(text string) error
	ToggleMute() bool
	Status() session.Status
	Devices() ([]devmatch.Device, error)
	Preview(ctx context.Context) error

	// Reload re-reads the configuration file and reports whether it changed.
	Reload() (bool, error)
}

// Shell reads commands from in and reports on out and errOut.
type Shell struct {
	bridge Bridge
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

// New creates a shell. Nil streams default to the process's stdio.
func New(bridge Bridge, in io.Reader, out, errOut io.Writer) *Shell {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Shell{bridge: bridge, in: in, out: out, errOut: errOut}
}

// errExit ends the read loop.
var errExit = errors.New("exit")

// Run processes commands until "exit", end of input, or ctx is done. An
// active call is hung up before Run returns.
func (s *Shell) Run(ctx context.Context) error {
	defer s.bridge.StopCall()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	s.printHelp()
	for {
		fmt.Fprint(s.out, "> ")
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("console: read input: %w", err)
					}
				default:
				}
				return nil
			}
			if err := s.Exec(ctx, line); errors.Is(err, errExit) {
				fmt.Fprintln(s.out, "bye")
				return nil
			}
		}
	}
}

// Exec runs a single command line. Command failures are reported on errOut
// and do not end the shell.
func (s *Shell) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "start":
		fmt.Fprintln(s.out, "connecting...")
		if err := s.bridge.StartCall(ctx, arg); err != nil {
			s.fail("start", err)
			return nil
		}
		fmt.Fprintln(s.out, "call connected; the agent is listening")
	case "stop":
		s.bridge.StopCall()
		fmt.Fprintln(s.out, "call ended")
	case "say":
		if err := s.bridge.SendCommand(arg); err != nil {
			s.fail("say", err)
			return nil
		}
		fmt.Fprintf(s.out, "directive sent: %s\n", arg)
	case "mute":
		if s.bridge.ToggleMute() {
			fmt.Fprintln(s.out, "microphone muted")
		} else {
			fmt.Fprintln(s.out, "microphone live")
		}
	case "status":
		s.printStatus(s.bridge.Status())
	case "devices":
		s.printDevices()
	case "preview":
		fmt.Fprintln(s.out, "playing voice preview...")
		if err := s.bridge.Preview(ctx); err != nil {
			s.fail("preview", err)
		}
	case "reload":
		changed, err := s.bridge.Reload()
		switch {
		case err != nil:
			s.fail("reload", err)
		case changed:
			fmt.Fprintln(s.out, "configuration reloaded; call settings apply to the next call")
		default:
			fmt.Fprintln(s.out, "configuration unchanged")
		}
	case "help", "?":
		s.printHelp()
	case "exit", "quit":
		return errExit
	default:
		fmt.Fprintf(s.errOut, "unknown command %q; type 'help' for a list\n", cmd)
	}
	return nil
}

func (s *Shell) fail(cmd string, err error) {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		fmt.Fprintf(s.errOut, "%s: no active call; use 'start' first\n", cmd)
	case errors.Is(err, session.ErrEmptyCommand):
		fmt.Fprintf(s.errOut, "%s: usage: say <directive>\n", cmd)
	default:
		fmt.Fprintf(s.errOut, "%s: %v\n", cmd, err)
	}
}

func (s *Shell) printStatus(st session.Status) {
	fmt.Fprintf(s.out, "state:    %s\n", st.State)
	fmt.Fprintf(s.out, "speaking: %t\n", st.AgentSpeaking)
	fmt.Fprintf(s.out, "muted:    %t\n", st.Muted)
	fmt.Fprintf(s.out, "level:    %s\n", meter(st.InputLevel))
	if st.LastError != nil {
		fmt.Fprintf(s.out, "error:    %v\n", st.LastError)
	}
}

func (s *Shell) printDevices() {
	devices, err := s.bridge.Devices()
	if err != nil {
		s.fail("devices", err)
		return
	}
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "no audio devices found")
		return
	}
	for _, d := range devices {
		var dirs []string
		if d.InputChannels > 0 {
			dirs = append(dirs, fmt.Sprintf("in:%d", d.InputChannels))
		}
		if d.OutputChannels > 0 {
			dirs = append(dirs, fmt.Sprintf("out:%d", d.OutputChannels))
		}
		fmt.Fprintf(s.out, "[%2d] %-45s %-10s %.0f Hz  %s\n", d.Index, d.Name, strings.Join(dirs, " "), d.DefaultSampleRate, d.HostAPI)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, "commands:")
	fmt.Fprintln(s.out, "  start [instruction]  connect the agent, optionally with a one-off instruction")
	fmt.Fprintln(s.out, "  stop                 hang up")
	fmt.Fprintln(s.out, "  say <text>           send a silent directive to the agent")
	fmt.Fprintln(s.out, "  mute                 toggle the caller microphone")
	fmt.Fprintln(s.out, "  status               show the call state")
	fmt.Fprintln(s.out, "  devices              list audio devices")
	fmt.Fprintln(s.out, "  preview              play a sample of the configured voice")
	fmt.Fprintln(s.out, "  reload               re-read the configuration file")
	fmt.Fprintln(s.out, "  help                 show this list")
	fmt.Fprintln(s.out, "  exit                 hang up and quit")
}

// meter renders an RMS level in [0, 1] as a ten-step bar.
func meter(level float64) string {
	n := int(level*10 + 0.5)
	n = min(max(n, 0), 10)
	return fmt.Sprintf("[%s%s] %.2f", strings.Repeat("#", n), strings.Repeat(".", 10-n), level)
}
