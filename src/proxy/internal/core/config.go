package core

import (
	"fmt"
	"os"
	"strings"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigModule provides the configuration provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// The proxy takes all of its configuration from environment variables
// consumed at startup. The skeleton below maps them onto config paths so
// that consumers read config the same way regardless of the source.
const _configYAML = `
service:
  name: pyright-proxy
logging:
  level: ${PYRIGHT_PROXY_LOG_LEVEL:info}
  outputPath: ${PYRIGHT_PROXY_LOG_FILE:stderr}
backend:
  command: ${PYRIGHT_PROXY_BACKEND:pyright-langserver}
  initializeTimeoutSeconds: ${PYRIGHT_PROXY_INIT_TIMEOUT:15}
venv:
  watch: ${PYRIGHT_PROXY_WATCH_VENVS:false}
  maxDepth: ${PYRIGHT_PROXY_VENV_MAX_DEPTH:32}
  maxScanEntries: ${PYRIGHT_PROXY_SCAN_MAX_ENTRIES:4096}
`

// NewConfig builds the configuration provider from the environment.
func NewConfig() (uber_config.Provider, error) {
	provider, err := uber_config.NewYAML(
		uber_config.Source(strings.NewReader(_configYAML)),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return provider, nil
}
