package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	streamingest "github.com/e7canasta/stream-ingest"
)

// Version information
const version = "v0.1.0"

func main() {
	// Parse command-line flags
	url := flag.String("url", "", "Source URL: rtsp://... or local video file (required)")
	transport := flag.String("transport", "tcp", "RTSP transport: tcp, udp, auto")
	width := flag.Int("width", 640, "Frame width")
	height := flag.Int("height", 480, "Frame height")
	bufferSize := flag.Int("buffer", 30, "Frame buffer capacity")
	probe := flag.Bool("probe", false, "Probe the source and exit")
	outputDir := flag.String("output", "", "Directory to save captured frames (optional)")
	outputFormat := flag.String("format", "png", "Output format: png, jpeg")
	jpegQuality := flag.Int("jpeg-quality", 90, "JPEG quality (1-100, only for jpeg format)")
	maxFrames := flag.Int("max-frames", 0, "Maximum frames to capture (0 = unlimited)")
	frameTimeout := flag.Duration("frame-timeout", 2*time.Second, "Per-frame wait before a placeholder is returned")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("test-ingest %s\n", version)
		os.Exit(0)
	}

	// Validate required flags
	if *url == "" {
		fmt.Fprintf(os.Stderr, "Error: --url flag is required\n\n")
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  test-ingest --url rtsp://192.168.1.100:554/stream\n")
		fmt.Fprintf(os.Stderr, "  test-ingest --url ./clip.mp4 --output ./frames --max-frames 100\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Validate output format
	if *outputFormat != "png" && *outputFormat != "jpeg" {
		log.Fatalf("Invalid output format: %s (must be png or jpeg)", *outputFormat)
	}

	// Create output directory if specified
	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		slog.Info("Frame saving enabled",
			"directory", *outputDir,
			"format", *outputFormat,
			"jpeg_quality", *jpegQuality,
		)
	}

	// Print banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║               Stream Ingest Test Tool                     ║\n")
	fmt.Printf("║                      Version %s                        ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Source URL:    %s\n", *url)
	fmt.Printf("  Transport:     %s\n", *transport)
	fmt.Printf("  Geometry:      %dx%d\n", *width, *height)
	fmt.Printf("  Buffer:        %d frames\n", *bufferSize)
	if *outputDir != "" {
		fmt.Printf("  Output Dir:    %s\n", *outputDir)
	} else {
		fmt.Printf("  Output Dir:    (none - frames not saved)\n")
	}
	if *maxFrames > 0 {
		fmt.Printf("  Max Frames:    %d\n", *maxFrames)
	} else {
		fmt.Printf("  Max Frames:    unlimited\n")
	}
	fmt.Printf("\n")

	cfg := streamingest.SourceConfig{
		ID:         "test",
		URL:        *url,
		Width:      *width,
		Height:     *height,
		BufferSize: *bufferSize,
	}
	switch *transport {
	case "tcp":
		cfg.Transport = streamingest.TransportTCP
	case "udp":
		cfg.Transport = streamingest.TransportUDP
	case "auto":
		// Resolved below via a transport probe.
	default:
		log.Fatalf("Invalid transport: %s (must be tcp, udp, or auto)", *transport)
	}

	conn, err := streamingest.NewConnection(cfg)
	if err != nil {
		log.Fatalf("Failed to create connection: %v", err)
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Probe-only mode: test the source, report, exit.
	if *probe {
		ok, msg := conn.TestConnection(ctx)
		fmt.Printf("Probe result:  %v\n", ok)
		fmt.Printf("Detail:        %s\n", msg)
		if !ok {
			os.Exit(1)
		}
		recommended := conn.RecommendedTransport(ctx)
		fmt.Printf("Recommended:   %s\n", recommended)
		os.Exit(0)
	}

	if *transport == "auto" {
		slog.Info("Probing source for the best transport...")
		recommended := conn.RecommendedTransport(ctx)
		conn.SetTransport(recommended)
		fmt.Printf("Auto transport selected: %s\n\n", recommended)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Report connection edges as they happen
	conn.OnConnectionChange(func(id string, connected bool) {
		if connected {
			fmt.Printf("\n>>> %s CONNECTED\n\n", id)
		} else {
			fmt.Printf("\n>>> %s DISCONNECTED\n\n", id)
		}
	})

	slog.Info("Starting source...")
	if !conn.Start(ctx) {
		log.Fatalf("Failed to start source")
	}

	fmt.Printf("Capturing frames...\n")
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

	// Stats tracking
	startTime := time.Now()
	framesSaved := 0
	saveFailures := 0
	placeholders := 0

	// Launch stats reporter goroutine
	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				status := conn.Status()
				uptime := time.Since(startTime)

				fmt.Printf("\n")
				fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
				fmt.Printf("│ Source Status (Uptime: %s)\n", uptime.Round(time.Second))
				fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
				fmt.Printf("│ Connected:          %6v\n", status.ConnectionOK)
				fmt.Printf("│ Transport:          %6s\n", status.Transport)
				fmt.Printf("│ FPS:                %6.2f fps\n", status.FPS)
				fmt.Printf("│ Frames Received:    %6d frames\n", status.FramesReceived)
				fmt.Printf("│ Frames Saved:       %6d frames\n", framesSaved)
				if status.FramesDropped > 0 {
					fmt.Printf("│ Frames Dropped:     %6d frames (%.1f%%)\n", status.FramesDropped, status.FrameDropRate*100)
				}
				fmt.Printf("│ Queue:              %3d/%-3d frames\n", status.QueueSize, status.BufferSize)
				fmt.Printf("│ Network Quality:    %6.2f\n", status.NetworkQuality)
				fmt.Printf("│ Connect Attempts:   %6d\n", status.ConnectionAttempts)
				fmt.Printf("│ Transport Switches: %6d\n", status.TransportSwitches)
				totalErrors := status.ErrorsNetwork + status.ErrorsCodec + status.ErrorsAuth + status.ErrorsUnknown
				if totalErrors > 0 {
					fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
					fmt.Printf("│ Error Telemetry\n")
					fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
					fmt.Printf("│ Network Errors:     %6d\n", status.ErrorsNetwork)
					fmt.Printf("│ Codec Errors:       %6d\n", status.ErrorsCodec)
					fmt.Printf("│ Auth Errors:        %6d\n", status.ErrorsAuth)
					fmt.Printf("│ Unknown Errors:     %6d\n", status.ErrorsUnknown)
				}
				fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
				fmt.Printf("\n")
			}
		}
	}()

	// Main frame pull loop
	frameCount := 0
	for {
		select {
		case <-sigChan:
			fmt.Printf("\n\nReceived interrupt signal, shutting down...\n")
			cancel()
			goto shutdown
		default:
		}

		frame := conn.GetFrame(*frameTimeout)

		// Placeholder frames carry no trace id; the source is down or
		// simply slower than the timeout.
		if frame.TraceID == "" {
			placeholders++
			if !conn.IsRunning() {
				fmt.Printf("\nSource worker exited (end of stream?), stopping...\n")
				goto shutdown
			}
			continue
		}

		frameCount++

		fmt.Printf("[%s] Frame #%-6d | Seq: %-8d | Size: %6.1f KB | Timestamp: %s\n",
			time.Now().Format("15:04:05"),
			frameCount,
			frame.Seq,
			float64(len(frame.Data))/1024,
			frame.Timestamp.Format("15:04:05.000"),
		)

		// Save frame if output directory specified
		if *outputDir != "" {
			if err := saveFrame(*outputDir, frame, *outputFormat, *jpegQuality); err != nil {
				slog.Error("Failed to save frame", "error", err, "seq", frame.Seq)
				saveFailures++
			} else {
				framesSaved++
			}
		}

		// Stop if max frames reached
		if *maxFrames > 0 && frameCount >= *maxFrames {
			fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
			cancel()
			goto shutdown
		}
	}

shutdown:
	slog.Info("Stopping source...")
	if err := conn.Stop(); err != nil {
		slog.Error("Error stopping source", "error", err)
	}

	// Final stats
	finalStatus := conn.Status()
	uptime := time.Since(startTime)

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                     Final Statistics                      \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Total Uptime:       %s\n", uptime.Round(time.Second))
	fmt.Printf("  Frames Pulled:      %d frames\n", frameCount)
	fmt.Printf("  Placeholder Waits:  %d\n", placeholders)
	if *outputDir != "" {
		fmt.Printf("  Frames Saved:       %d frames\n", framesSaved)
		fmt.Printf("  Save Failures:      %d frames\n", saveFailures)
	}
	fmt.Printf("  Source FPS:         %.2f fps\n", finalStatus.FPS)
	fmt.Printf("  Frames Received:    %d frames\n", finalStatus.FramesReceived)
	fmt.Printf("  Frames Dropped:     %d frames\n", finalStatus.FramesDropped)
	fmt.Printf("  Connect Attempts:   %d\n", finalStatus.ConnectionAttempts)
	fmt.Printf("  Transport Switches: %d\n", finalStatus.TransportSwitches)
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")

	slog.Info("Test ingest completed successfully")
}

// saveFrame saves a frame to disk as PNG or JPEG
func saveFrame(outputDir string, frame streamingest.Frame, format string, jpegQuality int) error {
	// Create filename with timestamp and sequence
	ext := format
	filename := fmt.Sprintf("frame_%06d_%s.%s", frame.Seq, frame.Timestamp.Format("20060102_150405.000"), ext)
	outPath := filepath.Join(outputDir, filename)

	// Convert raw BGR bytes to image.Image
	img := &image.RGBA{
		Pix:    make([]uint8, len(frame.Data)+frame.Width*frame.Height), // RGBA needs alpha channel
		Stride: frame.Width * 4,
		Rect:   image.Rect(0, 0, frame.Width, frame.Height),
	}

	// Convert BGR to RGBA (swap channels, add alpha = 255)
	for i := 0; i < frame.Width*frame.Height; i++ {
		img.Pix[i*4+0] = frame.Data[i*3+2] // R
		img.Pix[i*4+1] = frame.Data[i*3+1] // G
		img.Pix[i*4+2] = frame.Data[i*3+0] // B
		img.Pix[i*4+3] = 255               // A (opaque)
	}

	// Create output file
	file, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	// Encode based on format
	switch format {
	case "png":
		if err := png.Encode(file, img); err != nil {
			return fmt.Errorf("failed to encode PNG: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(file, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("failed to encode JPEG: %w", err)
		}
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}

	return nil
}
