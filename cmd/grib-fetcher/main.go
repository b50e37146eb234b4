package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/engine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[main] grib-fetcher %s (%s)", engine.Version, engine.GitSHA)

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

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ctx.Err() != nil {
			log.Printf("[main] interrupted: %v", err)
		} else {
			log.Printf("[main] %v", err)
		}
		os.Exit(1)
	}

	log.Println("[main] grib-fetcher stopped cleanly")
	time.Sleep(100 * time.Millisecond)
}
