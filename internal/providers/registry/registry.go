package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"supportchat/internal/metrics"
	"supportchat/internal/providers"
	"supportchat/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind         string
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	HTTPClient   *http.Client
	SystemPrompt string
	Timeout      time.Duration
	IdleTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai_compat", "openai-compatible", "openai", "":
		return openai_compat.New(openai_compat.Config{
			BaseURL:      opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			HTTPClient:   opts.HTTPClient,
			SystemPrompt: opts.SystemPrompt,
			Timeout:      opts.Timeout,
			IdleTimeout:  opts.IdleTimeout,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
			IncludeUsage: true,
			Logger:       opts.Logger,
			Metrics:      opts.Metrics,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
