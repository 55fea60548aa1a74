package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/memwatch/pkg/memwatch"
)

// ReplCmd drives the engine interactively: allocate buffers, watch
// them, poke bytes, and see events arrive.
func ReplCmd(cfg memwatch.Config, in io.Reader) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Interactive session against a live engine",
		Long: "Starts an engine and reads commands: alloc, watch, poke, show,\n" +
			"unwatch, ls, stats, check, help, quit.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			eng, err := memwatch.Init(cfg)
			if err != nil {
				return fmt.Errorf("init engine: %w", err)
			}

			defer func() { _ = eng.Shutdown() }()

			eng.SetCallback(func(ev memwatch.ChangeEvent) {
				printEvent(o, ev)
			})

			s := &session{eng: eng}
			defer s.free()

			o.Printf("engine started in %s mode; type 'help'\n", eng.Mode())

			return s.loop(ctx, o, in)
		},
	}
}

// session is the REPL's state: named buffers and their watch ids.
type session struct {
	eng  *memwatch.Engine
	bufs []*namedBuffer
}

type namedBuffer struct {
	name     string
	data     []byte
	regionID uint64 // 0 when unwatched
}

func (s *session) loop(ctx context.Context, o *IO, in io.Reader) error {
	prompt := newPrompter(in)
	defer prompt.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := prompt.read("memwatch> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}

		execErr := s.execute(o, fields[0], fields[1:])
		if execErr != nil {
			o.ErrPrintln("error:", execErr)
		}
	}
}

func (s *session) execute(o *IO, cmd string, args []string) error {
	switch cmd {
	case "alloc":
		return s.alloc(o, args)
	case "watch":
		return s.watch(o, args)
	case "unwatch":
		return s.unwatch(o, args)
	case "poke":
		return s.poke(o, args)
	case "show":
		return s.show(o, args)
	case "ls":
		return s.list(o)
	case "stats":
		return s.stats(o)
	case "check":
		s.eng.CheckNow()
		return nil
	case "help":
		printReplHelp(o)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (s *session) alloc(o *IO, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: alloc <name> <size>")
	}

	name := args[0]
	if s.find(name) != nil {
		return fmt.Errorf("buffer %q already exists", name)
	}

	size, err := strconv.Atoi(args[1])
	if err != nil || size < 1 {
		return fmt.Errorf("bad size %q", args[1])
	}

	data, err := memwatch.AllocBytes(size)
	if err != nil {
		return err
	}

	s.bufs = append(s.bufs, &namedBuffer{name: name, data: data})
	o.Printf("allocated %q (%s)\n", name, humanize.IBytes(uint64(size)))

	return nil
}

func (s *session) watch(o *IO, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: watch <name> [full|none|<bytes>]")
	}

	b := s.find(args[0])
	if b == nil {
		return fmt.Errorf("no buffer %q", args[0])
	}

	if b.regionID != 0 {
		return fmt.Errorf("buffer %q already watched as region %d", b.name, b.regionID)
	}

	capture := memwatch.CaptureFull

	if len(args) > 1 {
		switch args[1] {
		case "full":
			capture = memwatch.CaptureFull
		case "none":
			capture = memwatch.CaptureNone
		default:
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return fmt.Errorf("bad capture mode %q", args[1])
			}

			capture = memwatch.CaptureBytes(n)
		}
	}

	id, err := s.eng.WatchBytes(b.data, memwatch.WatchOptions{
		Label:   b.name,
		Capture: capture,
	})
	if err != nil {
		return err
	}

	b.regionID = id
	o.Printf("watching %q as region %d\n", b.name, id)

	return nil
}

func (s *session) unwatch(o *IO, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: unwatch <name>")
	}

	b := s.find(args[0])
	if b == nil {
		return fmt.Errorf("no buffer %q", args[0])
	}

	if b.regionID == 0 {
		return fmt.Errorf("buffer %q is not watched", b.name)
	}

	if !s.eng.Unwatch(b.regionID) {
		o.Warn(fmt.Sprintf("region %d was already gone", b.regionID))
	}

	b.regionID = 0
	o.Printf("unwatched %q\n", b.name)

	return nil
}

func (s *session) poke(o *IO, args []string) error {
	if len(args) != 3 {
		return errors.New("usage: poke <name> <offset> <byte>")
	}

	b := s.find(args[0])
	if b == nil {
		return fmt.Errorf("no buffer %q", args[0])
	}

	offset, err := strconv.Atoi(args[1])
	if err != nil || offset < 0 || offset >= len(b.data) {
		return fmt.Errorf("offset %q out of range [0,%d)", args[1], len(b.data))
	}

	val, err := strconv.ParseUint(args[2], 0, 8)
	if err != nil {
		return fmt.Errorf("bad byte value %q", args[2])
	}

	b.data[offset] = byte(val)
	o.Printf("%s[%d] = %#02x\n", b.name, offset, byte(val))

	return nil
}

func (s *session) show(o *IO, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: show <name>")
	}

	b := s.find(args[0])
	if b == nil {
		return fmt.Errorf("no buffer %q", args[0])
	}

	const window = 64

	data := b.data
	if len(data) > window {
		data = data[:window]
	}

	o.Printf("%s (%s): % x\n", b.name, humanize.IBytes(uint64(len(b.data))), data)

	return nil
}

func (s *session) list(o *IO) error {
	if len(s.bufs) == 0 {
		o.Println("no buffers")
		return nil
	}

	for _, b := range s.bufs {
		watched := "-"
		if b.regionID != 0 {
			watched = fmt.Sprintf("region %d", b.regionID)
		}

		o.Printf("%-16s %-10s %s\n", b.name, humanize.IBytes(uint64(len(b.data))), watched)
	}

	return nil
}

func (s *session) stats(o *IO) error {
	st := s.eng.Stats()

	o.Printf("mode:            %s\n", st.Mode)
	o.Printf("regions:         %d\n", st.NumTrackedRegions)
	o.Printf("pages:           %d\n", st.NumTrackedPages)
	o.Printf("ring:            %d/%d\n", st.RingUsed, st.RingCapacity)
	o.Printf("events emitted:  %d\n", st.EventsEmitted)
	o.Printf("events dropped:  %d\n", st.DroppedEvents)
	o.Printf("callback errors: %d\n", st.CallbackErrors)
	o.Printf("native memory:   %s\n", humanize.IBytes(uint64(st.NativeMemoryBytes)))

	return nil
}

func (s *session) find(name string) *namedBuffer {
	for _, b := range s.bufs {
		if b.name == name {
			return b
		}
	}

	return nil
}

func (s *session) free() {
	for _, b := range s.bufs {
		if b.regionID != 0 {
			_ = s.eng.Unwatch(b.regionID)
		}

		_ = memwatch.FreeBytes(b.data)
	}

	s.bufs = nil
}

func printReplHelp(o *IO) {
	o.Println("commands:")
	o.Println("  alloc <name> <size>            allocate a page-aligned buffer")
	o.Println("  watch <name> [full|none|N]     watch a buffer (default: full capture)")
	o.Println("  unwatch <name>                 stop watching")
	o.Println("  poke <name> <offset> <byte>    write one byte (triggers an event)")
	o.Println("  show <name>                    hex dump of the first 64 bytes")
	o.Println("  ls                             list buffers")
	o.Println("  stats                          engine counters")
	o.Println("  check                          synchronous detection sweep")
	o.Println("  quit                           exit")
}

// prompter reads input lines: line editing with history when attached
// to a real terminal, a plain scanner otherwise (pipes, tests).
type prompter struct {
	ln      *liner.State
	scanner *bufio.Scanner
}

func newPrompter(in io.Reader) *prompter {
	if in == os.Stdin && liner.TerminalSupported() {
		ln := liner.NewLiner()
		ln.SetCtrlCAborts(true)

		return &prompter{ln: ln}
	}

	return &prompter{scanner: bufio.NewScanner(in)}
}

func (p *prompter) read(prompt string) (string, error) {
	if p.ln != nil {
		line, err := p.ln.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return "", io.EOF
			}

			return "", err
		}

		if strings.TrimSpace(line) != "" {
			p.ln.AppendHistory(line)
		}

		return line, nil
	}

	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return p.scanner.Text(), nil
}

func (p *prompter) close() {
	if p.ln != nil {
		_ = p.ln.Close()
	}
}
