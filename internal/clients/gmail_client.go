package clients

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	GMAIL_SMTP_HOST = "smtp.gmail.com"
	GMAIL_SMTP_ADDR = "smtp.gmail.com:587"
	GMAIL_SCOPE     = "https://mail.google.com/"
)

var (
	gmailClientInstance *GmailClient
	gmailClientOnce     sync.Once
)

// GmailClient turns a long-lived refresh token into short-lived access
// tokens for the SMTP XOAUTH2 exchange.
type GmailClient struct {
	Sender string
	source oauth2.TokenSource
}

func GetGmailClient() *GmailClient {
	gmailClientOnce.Do(func() {
		clientID := os.Getenv("GMAIL_CLIENT_ID")
		clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
		refreshToken := os.Getenv("GMAIL_REFRESH_TOKEN")
		redirectURI := os.Getenv("GMAIL_REDIRECT_URI")
		sender := os.Getenv("GMAIL_SENDER")
		if clientID == "" || clientSecret == "" || refreshToken == "" || sender == "" {
			slog.Error("[GmailClient] Missing GMAIL_CLIENT_ID, GMAIL_CLIENT_SECRET, GMAIL_REFRESH_TOKEN or GMAIL_SENDER in environment variables")
			panic("[GmailClient] Missing Gmail credentials in environment variables")
		}

		conf := &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       []string{GMAIL_SCOPE},
			Endpoint:     google.Endpoint,
		}

		gmailClientInstance = &GmailClient{
			Sender: sender,
			source: conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refreshToken}),
		}
		slog.Info("[GmailClient] Gmail client initialized", slog.String("sender", sender))
	})
	return gmailClientInstance
}

func NewGmailClient(sender string, source oauth2.TokenSource) *GmailClient {
	return &GmailClient{Sender: sender, source: source}
}

// AccessToken returns a valid access token, refreshing it if expired.
func (g *GmailClient) AccessToken() (string, error) {
	token, err := g.source.Token()
	if err != nil {
		slog.Error("[GmailClient] Failed to refresh access token", slog.String("error", err.Error()))
		return "", err
	}
	return token.AccessToken, nil
}
