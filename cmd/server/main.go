// Package main is the entry point for the multiscale image server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/natefinch/lumberjack"

	"github.com/multiscale-tiles/server/internal/api"
	"github.com/multiscale-tiles/server/internal/assemble"
	"github.com/multiscale-tiles/server/internal/cache"
	"github.com/multiscale-tiles/server/internal/config"
	"github.com/multiscale-tiles/server/internal/data/zarr"
	"github.com/multiscale-tiles/server/internal/render"
	"github.com/multiscale-tiles/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Log.File != "" {
		logFile := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxAge:     cfg.Log.MaxAgeDays,
			MaxBackups: cfg.Log.MaxBackups,
		}
		defer logFile.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}

	log.Printf("Starting multiscale image server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all images)
	cacheManager, err := cache.NewManager(cache.Config{
		ChunkCacheSizeMB: cfg.Cache.ChunkSizeMB,
		ChunkTTL:         cfg.Cache.ChunkTTL(),
		ChunkShards:      cfg.Cache.ChunkShards,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Shared across all images
	sliceRenderer := render.NewSliceRenderer(render.Config{
		MinSize:         cfg.Render.MinSize,
		DefaultColormap: cfg.Render.DefaultColormap,
	})
	assembler := assemble.New(cfg.Fetch.AssemblyWorkers)

	imageIDs := cfg.Images.IDs()
	registry := api.NewImageRegistry(cfg.Images.Default, imageIDs, cfg.Server.Title)

	log.Printf("Initializing %d image(s), default: %s", len(imageIDs), cfg.Images.Default)

	for _, imageID := range imageIDs {
		ic := cfg.Images.Images[imageID]

		store, err := openStore(ic.URL)
		if err != nil {
			log.Fatalf("Failed to open store for image %q: %v", imageID, err)
		}

		maxConcurrency := ic.MaxConcurrency
		if maxConcurrency == 0 {
			maxConcurrency = cfg.Fetch.MaxConcurrency
		}

		openCtx, cancel := context.WithTimeout(ctx, time.Minute)
		img, err := zarr.Open(openCtx, zarr.NewCachedStore(imageID, store, cacheManager), zarr.Options{
			Name:           ic.Name,
			MaxConcurrency: maxConcurrency,
			Assembler:      assembler,
			Verbose:        cfg.Log.Verbose,
		})
		cancel()
		if err != nil {
			log.Fatalf("Failed to open image %q: %v", imageID, err)
		}

		log.Printf("  [%s] Loaded from: %s", imageID, ic.URL)
		log.Printf("    Scales: %d, Type: %s x%d", len(img.Scales()),
			img.ImageType().ComponentType, img.ImageType().Components)

		registry.Register(imageID, service.NewImageService(service.ImageServiceConfig{
			ImageID:  imageID,
			Image:    img,
			Cache:    cacheManager,
			Renderer: sliceRenderer,
		}))
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// openStore picks an HTTP store for http(s) URLs and a directory store otherwise.
func openStore(location string) (zarr.Store, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return zarr.NewHTTPStore(location, nil)
	}
	return zarr.NewDirStore(location)
}
