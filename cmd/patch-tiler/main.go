package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	patchtiler "github.com/menta2k/patch-tiler"
	"github.com/menta2k/patch-tiler/internal/config"
	"github.com/menta2k/patch-tiler/internal/logger"
	"github.com/menta2k/patch-tiler/internal/utils"
)

func main() {
	var cfgPath, writeCfg, annDir, imgDir, outDir, level string
	var size, workers, compression int
	var stopOnError, manifest, debug, detach, jsonLog, progress, version bool

	// Debug overlay format (separate from patch output)
	var dbgext string
	var dbgquality int
	var dbglossless bool

	flag.StringVar(&cfgPath, "config", "", "JSON config file (flags override its values; default "+config.GetConfigPath()+" when present)")
	flag.StringVar(&writeCfg, "write-config", "", "write the effective configuration to this file and exit")
	flag.StringVar(&annDir, "ann", "", "directory of annotation CSV files")
	flag.StringVar(&imgDir, "img", "", "directory of source images")
	flag.StringVar(&outDir, "out", "", "output directory (img/ and ann/ are created inside)")
	flag.IntVar(&size, "size", 0, "patch edge length in pixels")
	flag.IntVar(&workers, "workers", 0, "annotation files processed in parallel")
	flag.IntVar(&compression, "png-compression", 0, "PNG compression: 0 default, -1 none, -2 speed, -3 best")
	flag.BoolVar(&stopOnError, "stop-on-error", false, "abort at the first failed annotation file")
	flag.BoolVar(&manifest, "manifest", false, "write manifest.json to the output directory")
	flag.BoolVar(&debug, "debug", false, "write patch grid overlays to the output debug directory")
	flag.StringVar(&dbgext, "dbgext", "png", "debug overlay format: png|jpg|webp")
	flag.IntVar(&dbgquality, "dbgquality", 92, "debug overlay quality (for jpg/webp)")
	flag.BoolVar(&dbglossless, "dbglossless", false, "debug overlay WebP lossless mode")
	flag.BoolVar(&detach, "detach", false, "copy every patch into its own buffer before encoding")
	flag.StringVar(&level, "log-level", "", "log level: debug|info|warn|error")
	flag.BoolVar(&jsonLog, "log-json", false, "log JSON to stderr instead of console output")
	flag.BoolVar(&progress, "progress", false, "show a progress bar")
	flag.BoolVar(&version, "version", false, "print version and exit")
	flag.Parse()

	if version {
		fmt.Println(patchtiler.Version)
		return
	}

	cfg := config.Default()
	if cfgPath == "" && utils.FileExists(config.GetConfigPath()) {
		cfgPath = config.GetConfigPath()
	}
	if cfgPath != "" {
		loaded, err := config.LoadFromFile(cfgPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}

	// only flags given on the command line override the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ann":
			cfg.Input.AnnotationDir = annDir
		case "img":
			cfg.Input.ImageDir = imgDir
		case "out":
			cfg.Output.Dir = outDir
		case "size":
			cfg.Tiling.PatchSize = size
		case "workers":
			cfg.Run.Workers = workers
		case "png-compression":
			cfg.Output.PNGCompression = compression
		case "stop-on-error":
			cfg.Run.StopOnError = stopOnError
		case "manifest":
			cfg.Output.Manifest = manifest
		case "debug":
			cfg.Output.Debug = debug
		case "dbgext":
			cfg.Output.DebugFormat = dbgext
		case "dbgquality":
			cfg.Output.DebugQuality = dbgquality
		case "dbglossless":
			cfg.Output.DebugLossless = dbglossless
		case "detach":
			cfg.Tiling.Detach = detach
		case "log-level":
			cfg.Log.Level = level
		case "log-json":
			cfg.Log.JSON = jsonLog
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		fmt.Fprintf(os.Stderr, "usage: %s -ann annotations/ -img images/ -out patches/ [-size 640] [-workers 4]\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}

	if writeCfg != "" {
		if err := cfg.SaveToFile(writeCfg); err != nil {
			fatal(err)
		}
		fmt.Printf("wrote %s\n", writeCfg)
		return
	}

	lvl := logger.ParseLevel(cfg.Log.Level)
	var log zerolog.Logger
	if cfg.Log.JSON {
		log = logger.New(os.Stderr, lvl)
	} else {
		log = logger.NewConsole(lvl)
	}

	opts := []patchtiler.Option{patchtiler.WithLogger(log)}

	var bar *progressbar.ProgressBar
	if progress {
		var mu sync.Mutex
		opts = append(opts, patchtiler.WithProgress(func(done, total int, item string) {
			mu.Lock()
			defer mu.Unlock()
			if bar == nil {
				bar = progressbar.Default(int64(total), "tiling")
			}
			_ = bar.Set(done)
		}))
	}

	tiler, err := patchtiler.New(patchtiler.Config{
		AnnotationDir:  cfg.Input.AnnotationDir,
		ImageDir:       cfg.Input.ImageDir,
		OutputDir:      cfg.Output.Dir,
		PatchSize:      cfg.Tiling.PatchSize,
		Workers:        cfg.Run.Workers,
		StopOnError:    cfg.Run.StopOnError,
		Manifest:       cfg.Output.Manifest,
		Detach:         cfg.Tiling.Detach,
		Debug:          cfg.Output.Debug,
		DebugFormat:    cfg.Output.DebugFormat,
		DebugQuality:   cfg.Output.DebugQuality,
		DebugLossless:  cfg.Output.DebugLossless,
		PNGCompression: png.CompressionLevel(cfg.Output.PNGCompression),
	}, opts...)
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := tiler.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}

	fmt.Printf("items=%d succeeded=%d failed=%d skipped=%d patches=%d annotations=%d unlabeled=%d malformed=%d\n",
		summary.Items, summary.Succeeded, len(summary.Failed), summary.Skipped,
		summary.Patches, summary.AnnotationsWritten, summary.Unlabeled, summary.Malformed)

	if err != nil {
		var batch *patchtiler.BatchError
		if errors.As(err, &batch) {
			for _, f := range batch.Failed {
				log.Error().Err(f.Err).Str("file", f.File).Msg("failed")
			}
			os.Exit(1)
		}
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
