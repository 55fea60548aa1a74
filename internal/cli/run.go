package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/memwatch/pkg/blobstore"
	"github.com/calvinalkan/memwatch/pkg/memwatch"
)

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	// Create fresh global flags for this invocation.
	globalFlags := flag.NewFlagSet("memwatch", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})
	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file` (JSONC)")
	flagMode := globalFlags.String("mode", "", "Detection mode: auto, fault or polling")
	flagPollMS := globalFlags.Int("poll-interval", 0, "Polling sweep interval in `ms`")
	flagRing := globalFlags.Int("ring-capacity", 0, "Fault ring capacity (power of two)")
	flagStoreDir := globalFlags.String("store-dir", "", "Spill `directory` for oversized values")
	flagVerbose := globalFlags.BoolP("verbose", "v", false, "Engine diagnostics on stderr")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	cfg, err := loadConfig(*flagConfig, env)
	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	// Apply CLI overrides.
	if *flagMode != "" {
		cfg.Mode = memwatch.Mode(*flagMode)
	}

	if *flagPollMS > 0 {
		cfg.PollIntervalMS = *flagPollMS
	}

	if *flagRing > 0 {
		cfg.RingCapacity = *flagRing
	}

	if *flagStoreDir != "" {
		store, storeErr := blobstore.NewFileStore(*flagStoreDir)
		if storeErr != nil {
			fprintln(errOut, "error:", storeErr)

			return 1
		}

		cfg.Store = store
	}

	cfg.Logger = newLogger(errOut, *flagVerbose)

	commands := allCommands(cfg, in)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	// Show help: explicit --help or bare `memwatch` with no args.
	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(out, commands)

		if *flagHelp || globalFlags.NFlag() == 0 {
			return 0
		}

		return 1
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run command in goroutine so we can handle signals.
	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:])
	}()

	// Wait for completion or first signal (nil channel never fires).
	select {
	case exitCode := <-done:
		if exitCode != 0 {
			return exitCode
		}

		return cmdIO.Finish()
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	// Wait for completion, timeout, or second signal.
	select {
	case <-done:
		fprintln(errOut, "graceful shutdown ok (130)")

		return 130
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")

		return 130
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")

		return 130
	}
}

// loadConfig builds the engine config: defaults, optional JSONC file,
// MEMWATCH_* environment overrides.
func loadConfig(configPath string, env map[string]string) (memwatch.Config, error) {
	cfg := memwatch.DefaultConfig()

	if configPath != "" {
		fileCfg, err := memwatch.LoadConfigFile(configPath)
		if err != nil {
			return memwatch.Config{}, err
		}

		cfg = fileCfg
	}

	return memwatch.ApplyEnviron(cfg, env)
}

// newLogger builds the diagnostic sink: console encoding on errOut,
// warn-and-up unless verbose.
func newLogger(errOut io.Writer, verbose bool) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(errOut),
		level,
	)

	return zap.New(core)
}

// allCommands returns all commands in display order.
// Dependencies are captured via closures in each command constructor.
func allCommands(cfg memwatch.Config, in io.Reader) []*Command {
	return []*Command{
		DemoCmd(cfg),
		ReplCmd(cfg, in),
	}
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "memwatch - memory mutation watcher demo")
	fprintln(w)
	fprintln(w, "Usage: memwatch [global flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}

	fprintln(w)
	printGlobalOptions(w)
}

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Global flags:")
	fprintln(w, "  -h, --help                 Show help")
	fprintln(w, "  -c, --config file          Use specified config file (JSONC)")
	fprintln(w, "      --mode mode            Detection mode: auto, fault or polling")
	fprintln(w, "      --poll-interval ms     Polling sweep interval")
	fprintln(w, "      --ring-capacity n      Fault ring capacity (power of two)")
	fprintln(w, "      --store-dir directory  Spill directory for oversized values")
	fprintln(w, "  -v, --verbose              Engine diagnostics on stderr")
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}
