// Command healthcheck probes /readyz for container health checks. The address
// comes from HEALTHCHECK_URL, defaulting to the bot's listen port.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

func main() {
	url := os.Getenv("HEALTHCHECK_URL")
	if url == "" {
		url = "http://localhost:8080/readyz"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Error("build request", slog.Any("err", err))
		os.Exit(1) //nolint:gocritic // cancel is irrelevant on exit
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		slog.Error("probe failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		slog.Error("not ready", slog.Int("status", resp.StatusCode))
		os.Exit(1)
	}
}
