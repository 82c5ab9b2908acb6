package oauth

import (
	"strings"

	"github.com/smallbiznis/obgateway/internal/config"
)

const (
	TokenTypeBearer = "Bearer"

	defaultAccessTokenBytes  = 48
	defaultRefreshTokenBytes = 64
)

// Config holds static token settings. Lifetimes come from the gateway
// policy so they can change without a restart.
type Config struct {
	Issuer            string
	AccessTokenBytes  int
	RefreshTokenBytes int
}

func NewConfig(cfg config.Config) Config {
	return Config{
		Issuer:            strings.TrimRight(cfg.PublicBaseURL, "/"),
		AccessTokenBytes:  defaultAccessTokenBytes,
		RefreshTokenBytes: defaultRefreshTokenBytes,
	}
}
