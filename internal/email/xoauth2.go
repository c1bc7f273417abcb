package email

import (
	"errors"
	"fmt"
	"net/smtp"
)

// xoauth2 implements the SASL XOAUTH2 exchange Gmail expects: a single
// initial response carrying the user and bearer token, then an empty reply
// to any error challenge.
type xoauth2 struct {
	user  string
	token string
}

func NewXOAuth2(user, token string) smtp.Auth {
	return &xoauth2{user: user, token: token}
}

func (a *xoauth2) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS {
		return "", nil, errors.New("xoauth2: refusing to send token without TLS")
	}
	initial := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.user, a.token)
	return "XOAUTH2", []byte(initial), nil
}

func (a *xoauth2) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		// Server pushed an error payload; an empty response lets it finish
		// with the real SMTP error code.
		return []byte{}, nil
	}
	return nil, nil
}
