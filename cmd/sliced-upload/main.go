package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/compress"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/config"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/storageapi"
	"github.com/withObsrvr/obsrvr-sliced-uploader/internal/uploader"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "", "YAML config file (default $SLICED_CONFIG)")
		name       = flag.String("name", "", "name of the sliced file")
		tags       = flag.String("tags", "", "comma separated file tags")
		compressF  = flag.Bool("compress", false, "compress slices before upload")
		encrypted  = flag.Bool("encrypted", false, "request server-side encryption")
		status     = flag.String("status", "", `print the checkpoint of a run id, or "latest", and exit`)
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: sliced-upload [-config file] -name <fileName> [-tags a,b] [-compress] [-encrypted] <path>...\n       sliced-upload [-config file] -status <runID|latest>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Printf("sliced-upload %s (%s)\n", Version, GitSHA)
		return
	}
	log.Printf("[main] Sliced Uploader %s (%s)", Version, GitSHA)

	if *status == "" && (*name == "" || flag.NArg() == 0) {
		flag.Usage()
		os.Exit(2)
	}

	var cfg config.Config
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("[config] %v", err)
		}
	} else {
		cfg = config.MustLoad()
	}
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	if *status != "" {
		cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: cfg.Checkpoint.Dir})
		if err != nil {
			log.Fatalf("[status] %v", err)
		}
		if err := showStatus(context.Background(), cps, *status, os.Stdout); err != nil {
			log.Fatalf("[status] %v", err)
		}
		return
	}

	paths, err := expandPaths(flag.Args())
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Printf("[shutdown] received signal: %v", sig)
		cancel()
	}()

	var opts []uploader.Option
	if cfg.Metrics.Enabled {
		m := metrics.Init(cfg.Metrics.Namespace)
		opts = append(opts, uploader.WithMetrics(m))
		go func() {
			log.Printf("[metrics] serving on %s", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	cps, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		log.Printf("[main] checkpoints disabled: %v", err)
		cps = checkpoint.Noop()
	}
	opts = append(opts, uploader.WithCheckpoints(cps))

	u := uploader.New(uploaderConfig(cfg), newPreparer(cfg), storeOpener(cfg), opts...)

	start := time.Now()
	res, err := u.UploadSliced(ctx, paths, uploader.Options{
		FileName:  *name,
		Sliced:    true,
		Compress:  *compressF || cfg.Upload.Compress,
		Encrypted: *encrypted || cfg.Upload.Encrypted,
		Tags:      splitTags(*tags),
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] upload interrupted: %v", err)
			os.Exit(130)
		}
		red := color.New(color.FgRed, color.Bold)
		red.Fprintf(os.Stderr, "upload failed: %v\n", err)

		var ue *uploader.Error
		if errors.As(err, &ue) && len(ue.Unresolved) > 0 {
			gray := color.New(color.Faint)
			for _, p := range ue.Unresolved {
				gray.Fprintf(os.Stderr, "  unresolved: %s\n", p)
			}
		}
		os.Exit(exitCode(err))
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("uploaded %s as file %d\n", *name, res.FileID)
	fmt.Printf("  slices:   %d in %d batches (%d retry rounds)\n", res.Slices, res.Batches, res.RetryRounds)
	fmt.Printf("  size:     %s\n", humanize.IBytes(uint64(res.Bytes)))
	fmt.Printf("  manifest: %s\n", res.ManifestURI)
	fmt.Printf("  took:     %s\n", time.Since(start).Round(time.Millisecond))
}

func uploaderConfig(cfg config.Config) uploader.Config {
	retries := cfg.Upload.MaxRetriesPerBatch
	if retries == 0 {
		retries = uploader.NoRetries
	}
	return uploader.Config{
		BatchSize:             cfg.Upload.BatchSize,
		MaxRetriesPerBatch:    retries,
		SingleFileConcurrency: cfg.Upload.SingleFileConcurrency,
		MultiFileConcurrency:  cfg.Upload.MultiFileConcurrency,
		FileConcurrency:       cfg.Upload.FileConcurrency,
		Codec:                 compress.Codec(cfg.Upload.Codec),
		StagingDir:            cfg.Upload.StagingDir,
		AbortOnFailure:        cfg.Upload.AbortOnFailure,
		Backend:               cfg.Storage.Backend,
	}
}

func newPreparer(cfg config.Config) uploader.Preparer {
	if cfg.StorageAPI.Offline {
		log.Printf("[main] preparing files offline")
		return &storageapi.Offline{}
	}
	return storageapi.NewClient(cfg.StorageAPI.URL, cfg.StorageAPI.Token, cfg.StorageAPI.Timeout, cfg.StorageAPI.Retries)
}

func storeOpener(cfg config.Config) uploader.StoreOpener {
	storeCfg := storage.Config{
		Backend:        cfg.Storage.Backend,
		BlobURL:        cfg.Storage.BlobURL,
		S3Endpoint:     cfg.Storage.S3Endpoint,
		ForcePathStyle: cfg.Storage.ForcePathStyle,
		PartSize:       int64(cfg.Upload.PartSize),
		PartRetries:    cfg.Upload.PartRetries,
	}
	return func(ctx context.Context, dest storage.Destination) (storage.Store, error) {
		return storage.Open(ctx, storeCfg, dest)
	}
}

// expandPaths replaces directories with the regular files directly inside
// them, sorted by name. Other arguments are kept as given.
func expandPaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil || !fi.IsDir() {
			// Unreadable paths are reported by the uploader.
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("read directory %s: %w", arg, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	return paths, nil
}

// showStatus prints the checkpoint of run, or of the most recently updated
// run when run is "latest".
func showStatus(ctx context.Context, cps checkpoint.Manager, run string, w io.Writer) error {
	var (
		cp  *checkpoint.Checkpoint
		err error
	)
	if run == "latest" {
		cp, err = cps.Latest(ctx)
	} else {
		cp, err = cps.Load(ctx, run)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "run:      %s\n", cp.RunID)
	fmt.Fprintf(w, "file:     %s", cp.FileName)
	if cp.FileID != 0 {
		fmt.Fprintf(w, " (id %d)", cp.FileID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "status:   %s\n", cp.Status)
	fmt.Fprintf(w, "batches:  %d/%d (%d slices, %d retry rounds)\n", cp.BatchesCompleted, cp.BatchesTotal, cp.SlicesUploaded, cp.RetryRounds)
	if cp.ManifestKey != "" {
		fmt.Fprintf(w, "manifest: %s\n", cp.ManifestKey)
	}
	if cp.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", cp.Error)
	}
	for _, p := range cp.Unresolved {
		fmt.Fprintf(w, "  unresolved: %s\n", p)
	}
	fmt.Fprintf(w, "updated:  %s\n", cp.UpdatedAt.Format(time.RFC3339))
	return nil
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func exitCode(err error) int {
	switch uploader.KindOf(err) {
	case uploader.KindInvalidInput, uploader.KindFileNotReadable:
		return 2
	case uploader.KindRetriesExhausted:
		return 3
	case uploader.KindManifestWriteFailed:
		return 4
	default:
		return 1
	}
}
