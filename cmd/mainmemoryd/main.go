package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	mainmemory "github.com/respu/go-mainmemory"
	"github.com/respu/go-mainmemory/internal/logging"
)

func main() {
	var (
		cores      = flag.Int("cores", 0, "Worker threads (0 = detected CPU count)")
		workers    = flag.Int("workers", 0, "Max worker tasks per core")
		partitions = flag.Int("partitions", 0, "Cache partitions, power of two (0 = core count)")
		volumeStr  = flag.String("volume", "64M", "Byte budget per partition (e.g., 64M, 1G)")
		strategy   = flag.String("strategy", "direct", "Partition serialization: direct, delegate or combine")
		listen     = flag.String("listen", "127.0.0.1:11211", "Memcache TCP endpoint")
		ctrlSock   = flag.String("control", "mm_cmd.sock", "Unix control socket path (empty disables)")
		pin        = flag.Bool("pin", false, "Pin core threads to CPUs")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	volume, err := parseSize(*volumeStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid volume '%s': %v\n", *volumeStr, err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := mainmemory.DefaultParams()
	params.Cores = *cores
	params.MaxWorkers = *workers
	params.Partitions = *partitions
	params.VolumePerPartition = uint64(volume)
	params.Strategy = mainmemory.Strategy(*strategy)
	params.ListenAddr = *listen
	params.ControlSocket = *ctrlSock
	params.PinCores = *pin

	srv, err := mainmemory.CreateAndServe(params, &mainmemory.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	logger.Info("mainmemory ready",
		"listen", *listen,
		"volume_per_partition", formatSize(volume))

	g, ctx := errgroup.WithContext(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			srv.Stop()
			return nil
		case <-ctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		srv.Runtime().Wait()
		return nil
	})

	_ = g.Wait()

	snap := srv.Metrics().Snapshot()
	logger.Info("final stats",
		"total_ops", snap.TotalOps,
		"hit_rate", fmt.Sprintf("%.2f", snap.HitRate),
		"evictions", snap.Evictions)
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
