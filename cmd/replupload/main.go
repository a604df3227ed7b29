// cmd/replupload/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"board-service/internal/config"
	"board-service/internal/discovery"
	"board-service/internal/discovery/usb"
	"board-service/internal/protocol/serial"
	"board-service/internal/upload"
	"board-service/internal/utils"
)

type options struct {
	port     string
	list     bool
	firmware bool
	force    bool
	monitor  time.Duration
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("replupload", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: replupload [flags] <program.py | firmware.bin>\n\n")
		flags.PrintDefaults()
	}

	var opts options
	flags.StringVarP(&opts.port, "port", "p", "", "serial port (default: the only known board)")
	flags.BoolVarP(&opts.list, "list", "l", false, "list serial ports and exit")
	flags.BoolVar(&opts.firmware, "firmware", false, "run the simulated firmware path instead of the raw REPL upload")
	flags.BoolVar(&opts.force, "force", false, "upload program text even to a board without an interpreter")
	flags.DurationVar(&opts.monitor, "monitor", 0, "print board output for this long after the upload")
	flags.IntP("baud", "b", 115200, "baud rate")
	flags.String("log-level", "warn", "log level")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	v := viper.New()
	if err := v.BindPFlag("serial.baud_rate", flags.Lookup("baud")); err != nil {
		return err
	}
	if err := v.BindPFlag("logging.level", flags.Lookup("log-level")); err != nil {
		return err
	}
	v.Set("logging.output", "stderr")
	v.Set("logging.format", "console")

	cfg, err := config.LoadWith(v)
	if err != nil {
		return err
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return err
	}
	defer utils.CloseLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boards := usb.NewBoardDatabase()
	host := serial.NewSystemHost(cfg.Serial.ReadInterval, logger)
	if !host.Supported() {
		return serial.ErrUnsupportedPlatform
	}
	scanner := discovery.NewScanner(host, boards, logger)

	if opts.list {
		return listPorts(ctx, scanner)
	}

	if flags.NArg() != 1 {
		flags.Usage()
		return errors.New("exactly one input file is required")
	}
	data, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	manager := serial.NewManager(host, boards, serial.OptionsFromConfig(cfg.Serial), logger)
	manager.OnReceive(func(text string) { fmt.Print(text) })
	manager.OnError(func(err error) { logger.Error("Serial link error", zap.Error(err)) })

	pick := serial.PickByName(opts.port)
	if opts.port == "" {
		pick = scanner.AutoPick()
	}
	if err := manager.Connect(ctx, pick, serial.Options{}); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer manager.Disconnect()

	info := manager.GetPortInfo()
	if info == nil {
		return serial.ErrNotConnected
	}
	fmt.Fprintf(os.Stderr, "Connected to %s (%s)\n", info.PortName, info.BoardType)

	controller := upload.NewController(manager, upload.TimingFromConfig(cfg.Upload), logger)
	bar := newProgressBar()
	controller.SetProgressCallback(func(p upload.Progress) {
		bar.Describe(p.Message)
		_ = bar.Set(p.Percent)
	})
	controller.SetCompleteCallback(func() { _ = bar.Finish() })

	if opts.firmware {
		report, err := controller.SimulateFirmwareUpload(ctx, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\nSimulated firmware upload of %d bytes finished (nothing was written)\n", report.ImageBytes)
	} else {
		if !opts.force && !info.Family.AcceptsSource() {
			return fmt.Errorf("%s does not run program text; use --firmware or --force", info.BoardType)
		}
		if err := controller.UploadProgram(ctx, string(data)); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr)
	}

	if opts.monitor > 0 {
		select {
		case <-time.After(opts.monitor):
		case <-ctx.Done():
		}
	}
	return nil
}

func newProgressBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription("Starting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func listPorts(ctx context.Context, scanner *discovery.Scanner) error {
	ports, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Printf("%-24s %s:%s  %s\n", p.Name, p.VendorID, p.ProductID, p.BoardType)
		} else {
			fmt.Printf("%-24s %s\n", p.Name, p.BoardType)
		}
	}
	return nil
}
