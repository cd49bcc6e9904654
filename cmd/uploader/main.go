// Command uploader sends a video file to a vodforge server. Files above the
// single-shot threshold go up in chunks and can be resumed after an
// interruption. With -wait it polls until transcoding finishes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"vodforge/internal/observability/logging"
	"vodforge/internal/uploader"
)

type cliOptions struct {
	server      string
	title       string
	description string
	chunkSize   int64
	threshold   int64
	resume      string
	wait        bool
	logLevel    string
	file        string
}

func main() {
	ctx, abort := context.WithCancel(context.Background())
	defer abort()

	cancel := &uploader.CancelFlag{}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Fprintln(os.Stderr, "\nstopping after the current chunk; interrupt again to abort")
		cancel.Cancel()
		<-sigs
		abort()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, cancel); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "uploader:", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("uploader", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: uploader [flags] FILE")
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.server, "server", "http://localhost:8080", "vodforge server base URL")
	fs.StringVar(&opts.title, "title", "", "video title")
	fs.StringVar(&opts.description, "description", "", "video description")
	fs.Int64Var(&opts.chunkSize, "chunk-size", uploader.DefaultChunkSize, "chunk size in bytes")
	fs.Int64Var(&opts.threshold, "single-shot-threshold", uploader.DefaultSingleShotThreshold, "files up to this size are sent in one request")
	fs.StringVar(&opts.resume, "resume", "", "resume the upload session with this file id")
	fs.BoolVar(&opts.wait, "wait", false, "wait for transcoding to finish")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return cliOptions{}, errors.New("exactly one FILE argument is required")
	}
	opts.file = fs.Arg(0)
	if opts.chunkSize <= 0 {
		return cliOptions{}, errors.New("chunk size must be positive")
	}
	if opts.title == "" {
		base := filepath.Base(opts.file)
		opts.title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, cancel *uploader.CancelFlag) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	f, err := os.Open(opts.file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", opts.file)
	}

	logger := logging.New(logging.Config{Level: opts.logLevel, Writer: stderr})
	transport, err := uploader.NewHTTPTransport(opts.server, uploader.WithTransportLogger(logger))
	if err != nil {
		return err
	}
	coord := uploader.NewCoordinator(transport, uploader.Config{
		ChunkSize:           opts.chunkSize,
		SingleShotThreshold: opts.threshold,
	}, uploader.WithLogger(logger))

	progress := newProgressPrinter(stdout)
	result, err := coord.Upload(ctx, uploader.Source{
		Name: opts.file,
		Size: info.Size(),
		Data: f,
	}, uploader.Options{
		Title:       opts.title,
		Description: opts.description,
		ResumeID:    opts.resume,
		Progress:    progress.Update,
		Cancel:      cancel,
	})
	progress.Done()
	if err != nil {
		if result.FileID != "" {
			fmt.Fprintf(stdout, "upload interrupted; resume with -resume %s\n", result.FileID)
		}
		return err
	}
	if result.SingleShot {
		fmt.Fprintf(stdout, "uploaded %s in one request\n", info.Name())
	} else {
		fmt.Fprintf(stdout, "uploaded %s in %d chunks (%d resumed, %d attempts)\n", info.Name(), result.Chunks, result.Skipped, result.Attempts)
	}
	fmt.Fprintf(stdout, "video id: %s\n", result.VideoID)
	if !opts.wait {
		return nil
	}

	last := ""
	status, err := coord.WaitForJob(ctx, result.VideoID, func(s uploader.JobStatus) {
		if s.Status != last {
			last = s.Status
			fmt.Fprintf(stdout, "status: %s\n", s.Status)
		}
	})
	if err != nil {
		return err
	}
	if status.Status == "error" {
		return fmt.Errorf("transcode failed: %s", status.Error)
	}
	fmt.Fprintf(stdout, "renditions: %s\n", strings.Join(status.Resolutions, ", "))
	return nil
}
