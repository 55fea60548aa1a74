package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/memwatch/pkg/memwatch"
)

// DemoCmd runs the scripted small-buffer and large-buffer demos against
// a live engine.
func DemoCmd(cfg memwatch.Config) *Command {
	flags := flag.NewFlagSet("demo", flag.ContinueOnError)
	flagLarge := flags.Bool("large", false, "Also run the large-buffer (value store) demo")

	return &Command{
		Flags: flags,
		Usage: "demo [flags]",
		Short: "Watch demo buffers and print the change events",
		Long: "Allocates demo buffers, watches them, mutates them, and prints\n" +
			"each change event as it is delivered.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			eng, err := memwatch.Init(cfg)
			if err != nil {
				return fmt.Errorf("init engine: %w", err)
			}

			defer func() { _ = eng.Shutdown() }()

			o.Printf("engine started in %s mode\n", eng.Mode())

			eng.SetCallback(func(ev memwatch.ChangeEvent) {
				printEvent(o, ev)
			})

			err = smallBufferDemo(ctx, o, eng)
			if err != nil {
				return err
			}

			if *flagLarge {
				err = largeBufferDemo(ctx, o, eng, cfg)
				if err != nil {
					return err
				}
			}

			stats := eng.Stats()
			o.Printf("\nstats: regions=%d pages=%d emitted=%d dropped=%d native=%s\n",
				stats.NumTrackedRegions, stats.NumTrackedPages,
				stats.EventsEmitted, stats.DroppedEvents,
				humanize.IBytes(uint64(stats.NativeMemoryBytes)))

			return nil
		},
	}
}

func smallBufferDemo(ctx context.Context, o *IO, eng *memwatch.Engine) error {
	buf, err := memwatch.AllocBytes(4096)
	if err != nil {
		return err
	}

	defer func() { _ = memwatch.FreeBytes(buf) }()

	data := buf[:16]
	copy(data, "Hello, memwatch!")

	id, err := eng.WatchBytes(data, memwatch.WatchOptions{
		Label:   "greeting",
		Capture: memwatch.CaptureFull,
	})
	if err != nil {
		return fmt.Errorf("watch greeting: %w", err)
	}

	defer func() { _ = eng.Unwatch(id) }()

	o.Printf("\n-- small buffer demo (region %d) --\n", id)
	o.Printf("mutating byte 0: 'H' -> 'J'\n")

	data[0] = 'J'

	waitForEvents(ctx, eng)

	return nil
}

func largeBufferDemo(ctx context.Context, o *IO, eng *memwatch.Engine, cfg memwatch.Config) error {
	const size = 64 * 1024

	buf, err := memwatch.AllocBytes(size)
	if err != nil {
		return err
	}

	defer func() { _ = memwatch.FreeBytes(buf) }()

	for i := range buf {
		buf[i] = byte(i)
	}

	id, err := eng.WatchBytes(buf, memwatch.WatchOptions{
		Label:   "large_blob",
		Capture: memwatch.CaptureFull,
	})
	if err != nil {
		return fmt.Errorf("watch large blob: %w", err)
	}

	defer func() { _ = eng.Unwatch(id) }()

	o.Printf("\n-- large buffer demo (region %d, %s) --\n", id, humanize.IBytes(size))

	if cfg.Store == nil {
		o.Println("note: no --store-dir given; oversized values keep previews only")
	}

	o.Printf("mutating byte 1000\n")

	buf[1000] ^= 0xFF

	waitForEvents(ctx, eng)

	return nil
}

// waitForEvents gives the detector and worker time to deliver, using a
// synchronous sweep so polling mode does not depend on timer luck.
func waitForEvents(ctx context.Context, eng *memwatch.Engine) {
	eng.CheckNow()

	select {
	case <-ctx.Done():
	case <-time.After(50 * time.Millisecond):
	}
}

func printEvent(o *IO, ev memwatch.ChangeEvent) {
	o.Printf("event seq=%d region=%d %q size=%d old=%q new=%q",
		ev.Seq, ev.RegionID, ev.VariableName, ev.Size,
		preview(ev.OldPreview), preview(ev.NewPreview))

	if ev.StorageKeyNew != "" {
		o.Printf(" stored old=%s new=%s", ev.StorageKeyOld, ev.StorageKeyNew)
	}

	o.Printf("\n")
}

func preview(b []byte) string {
	const max = 16
	if len(b) > max {
		return string(b[:max]) + "..."
	}

	return string(b)
}
