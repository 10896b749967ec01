//go:build linux

package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/brickingsoft/errors"
	"github.com/brickingsoft/rxp"
	"github.com/brickingsoft/uring"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	// Optional; flags fall back to the process environment.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "uringtest",
		Usage: "conformance runner for the uring completion engine",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "entries",
				Value:   64,
				Usage:   "submission queue depth for every scenario ring",
				EnvVars: []string{"URINGTEST_ENTRIES"},
			},
			&cli.StringFlag{
				Name:    "level",
				Value:   "info",
				Usage:   "log level (trace, debug, info, warn, error)",
				EnvVars: []string{"URINGTEST_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "run",
				Usage: "run only scenarios whose name contains this substring",
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "print scenario names and exit",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("list") {
		for _, sc := range scenarios {
			fmt.Println(sc.name)
		}
		return nil
	}

	level, err := zerolog.ParseLevel(c.String("level"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("bad level %q: %v", c.String("level"), err), 2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)

	entries := c.Int("entries")
	if entries <= 0 || uint32(entries) > uring.MaxEntries {
		return cli.Exit(fmt.Sprintf("entries out of range: %d", entries), 2)
	}

	if v := uring.GetVersion(); v.Validate() {
		logger.Info().Str("kernel", v.String()).Int("entries", entries).Msg("starting")
	}

	exec := rxp.New(rxp.MaxGoroutines(64), rxp.WithCloseTimeout(10*time.Second))
	defer func() {
		if cerr := exec.CloseGracefully(); cerr != nil {
			logger.Warn().Err(cerr).Msg("executor close")
		}
	}()

	filter := c.String("run")
	var ran, passed, skipped, failed int
	for _, sc := range scenarios {
		if filter != "" && !strings.Contains(sc.name, filter) {
			continue
		}
		ran++
		switch runScenario(sc, uint32(entries), exec, logger) {
		case outcomePass:
			passed++
		case outcomeSkip:
			skipped++
		case outcomeFail:
			failed++
		}
	}
	if ran == 0 {
		return cli.Exit(fmt.Sprintf("no scenario matches %q", filter), 2)
	}
	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d scenarios failed", failed, ran), 1)
	}
	logger.Info().Int("passed", passed).Int("skipped", skipped).Msg("all scenarios passed")
	return nil
}

type outcome int

const (
	outcomePass outcome = iota
	outcomeSkip
	outcomeFail
)

// runScenario gives every scenario a fresh ring so table and group state
// cannot leak between properties. Missing kernel support skips, a failing
// assertion fails the run.
func runScenario(sc scenario, entries uint32, exec rxp.Executors, logger zerolog.Logger) outcome {
	log := logger.With().Str("test", sc.name).Logger()
	if sc.kernelMajor > 0 && !uring.VersionEnable(sc.kernelMajor, sc.kernelMinor, 0) {
		log.Info().Str("reason", fmt.Sprintf("kernel < %d.%d", sc.kernelMajor, sc.kernelMinor)).Msg("skip")
		return outcomeSkip
	}

	ring, err := uring.New(uring.WithEntries(entries))
	if err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EPERM) {
			log.Info().Str("reason", "io_uring unavailable").Msg("skip")
			return outcomeSkip
		}
		log.Error().Err(err).Msg("ring setup failed")
		return outcomeFail
	}
	defer ring.Close()

	for _, op := range sc.opcodes {
		if !ring.OpSupported(op) {
			log.Info().Uint8("opcode", op).Str("reason", "opcode unsupported").Msg("skip")
			return outcomeSkip
		}
	}

	ctx := &scenarioContext{ring: ring, exec: exec, log: log}
	defer ctx.close()

	started := time.Now()
	if err := sc.run(ctx); err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(started)).Msg("failed")
		return outcomeFail
	}
	log.Info().Dur("elapsed", time.Since(started)).Msg("ok")
	return outcomePass
}
