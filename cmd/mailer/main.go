package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/massdialogue/massdialogue/config"
	"github.com/massdialogue/massdialogue/internal/clients"
	"github.com/massdialogue/massdialogue/internal/email"
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

	recipients := splitRecipients(os.Getenv("REPORT_RECIPIENTS"))
	if len(recipients) == 0 {
		slog.Error("[mailer] REPORT_RECIPIENTS is empty, nothing to do")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pipeline := report.NewPipeline(clients.GetStoreClient(), clients.GetOpenAIClient())
	rep, err := pipeline.Generate(ctx)
	if err != nil {
		slog.Error("[mailer] Report generation failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gmail := clients.GetGmailClient()
	dispatcher := email.NewDispatcher(gmail.Sender, gmail)

	failed, err := dispatcher.SendReport(ctx, recipients, rep.Text)
	if err != nil {
		slog.Error("[mailer] Dispatch aborted", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("[mailer] Dispatch finished",
		slog.Int("sent", len(recipients)-len(failed)),
		slog.Int("failed", len(failed)))
	if len(failed) == len(recipients) {
		os.Exit(1)
	}
}

func splitRecipients(raw string) []string {
	var out []string
	for _, addr := range strings.Split(raw, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
