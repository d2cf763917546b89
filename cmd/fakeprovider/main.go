// Command fakeprovider runs the in-process payment provider stand-in for
// local development. POST /admin/payments/{id}/pay simulates the payer.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/creditops/internal/api"
	"github.com/punchamoorthee/creditops/internal/provider/providertest"
)

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	fake := providertest.New(os.Getenv("PROVIDER_ACCOUNT_ID"), os.Getenv("PROVIDER_API_KEY"))
	fake.WebhookURL = os.Getenv("FAKE_PROVIDER_WEBHOOK_URL")
	fake.WebhookSecret = os.Getenv("WEBHOOK_SECRET")

	server := &http.Server{
		Addr:              *addr,
		Handler:           api.LoggingMiddleware(logger, fake.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("fake provider listening", "addr", *addr, "webhook_url", fake.WebhookURL)
	if err := server.ListenAndServe(); err != nil {
		logger.Error("fake provider stopped", "error", err)
		os.Exit(1)
	}
}
