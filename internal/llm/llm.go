package llm

import (
	"context"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2"

	"github.com/comigor/azure-chat-go/internal/config"
)

// NewAzureClient creates an OpenAI client for an Azure OpenAI resource. Every
// request carries a bearer token from ts; the model name doubles as the
// deployment name.
func NewAzureClient(conn config.ConnectionInfo, ts oauth2.TokenSource) *openai.Client {
	cfg := openai.DefaultAzureConfig("", strings.TrimRight(conn.Endpoint, "/"))
	cfg.APIType = openai.APITypeAzureAD
	cfg.APIVersion = conn.APIVersion
	cfg.AzureModelMapperFunc = func(model string) string { return model }
	cfg.HTTPClient = oauth2.NewClient(context.Background(), ts)

	return openai.NewClientWithConfig(cfg)
}
