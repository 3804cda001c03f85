package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"drop/internal/client"
)

func main() {
	server := flag.String("server", envOr("DROP_SERVER", client.DefaultServer), "drop server base URL")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: drop [-server URL] FILE...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	paths, err := client.ParseArgs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*server, nil)
	failed := 0
	for _, p := range paths {
		result, err := c.Upload(ctx, p)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", p, err)
			failed++
			continue
		}
		fmt.Println(result.URL)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
