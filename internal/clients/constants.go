package clients

import "time"

const (
	REQUEST_TIMEOUT   = 15 * time.Second
	HEARTBEAT_PERIOD  = 25 * time.Second
	RECONNECT_BACKOFF = 2 * time.Second
	USER_AGENT        = "massdialogue-client/1.0 (+https://github.com/massdialogue/massdialogue)"
)
