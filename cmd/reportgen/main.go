package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/massdialogue/massdialogue/config"
	"github.com/massdialogue/massdialogue/internal/clients"
	"github.com/massdialogue/massdialogue/internal/logging"
	"github.com/massdialogue/massdialogue/internal/report"
)

func main() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}
	config.LoadEnv(env)
	logging.InitLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pipeline := report.NewPipeline(clients.GetStoreClient(), clients.GetOpenAIClient())

	rep, err := pipeline.Generate(ctx)
	if err != nil {
		slog.Error("[reportgen] Report generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	for paragraph := range report.Paragraphs(rep.Text) {
		fmt.Println(paragraph)
	}
}
