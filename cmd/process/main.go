// The process binary runs the pipeline once for a single file and prints
// the aggregated result. Useful for local runs and smoke tests without the
// HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/config"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var (
		inputPath = flag.String("input", "", "local path of the scan to process")
		fileID    = flag.String("file-id", "", "process an already uploaded file by ID instead of -input")
	)
	flag.Parse()
	if (*inputPath == "") == (*fileID == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -input or -file-id is required")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	processor, err := services.NewProcessor(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize processor.", "error", err)
		os.Exit(1)
	}
	defer processor.Close()

	id := *fileID
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			slog.Error("Failed to open input.", "path", *inputPath, "error", err)
			os.Exit(1)
		}
		id, err = processor.SaveUpload(ctx, filepath.Base(*inputPath), f)
		f.Close()
		if err != nil {
			slog.Error("Failed to store input.", "path", *inputPath, "error", err)
			os.Exit(1)
		}
	}

	result, err := processor.Process(ctx, id)
	if err != nil {
		slog.Error("Processing failed.", "fileId", id, "error", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		slog.Error("Failed to encode result.", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
