package groq

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultURL   = "https://api.groq.com/openai/v1/chat/completions"
	defaultModel = "llama-3.1-8b-instant"
)

// Client calls an OpenAI compatible chat completion endpoint. Groq is the
// default, any compatible server can be set with WithURL.
type Client struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client

	tokens metric.Int64Counter
}

type Option func(*Client)

func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.url = url
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		model: defaultModel,
		url:   defaultURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		apiKey, ok := os.LookupEnv("GROQ_API_KEY")
		if !ok {
			return nil, fmt.Errorf("groq api key not found")
		}
		c.apiKey = apiKey
	}

	c.tokens, _ = meter.Int64Counter("llm.tokens",
		metric.WithDescription("Tokens used by summarization requests"))
	return c, nil
}
