package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
azure:
  endpoint: https://example.openai.azure.com
  api_version: 2024-06-01
model:
  model: gpt4o
  max_completion_tokens: 256
  temperature: 0.2
  messages:
    - role: System
      content: Be concise.
    - role: user
      content: ignored
server:
  port: "9090"
  request_timeout: 15s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad_FromConfigPath verifies that Load honours CONFIG_PATH and fills defaults.
func TestLoad_FromConfigPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "https://example.openai.azure.com", cfg.Azure.Endpoint)
	require.Equal(t, "2024-06-01", cfg.Azure.APIVersion)
	require.Equal(t, "gpt4o", cfg.Model.Model)
	require.Equal(t, 256, cfg.Model.MaxCompletionTokens)
	require.InDelta(t, 0.2, cfg.Model.Temperature, 1e-6)
	require.Len(t, cfg.Model.Messages, 2)
	require.Equal(t, "System", cfg.Model.Messages[0].Role)
	require.Equal(t, "Be concise.", cfg.Model.Messages[0].Content)

	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, "9090", cfg.Server.Port)
	require.Equal(t, 15*time.Second, cfg.Server.RequestTimeout)
	require.Equal(t, "history.db", cfg.History.DBPath)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CHATBOT_MODEL_MODEL", "gpt35")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "gpt35", cfg.Model.Model)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing endpoint": `
azure:
  api_version: 2024-06-01
model:
  model: gpt4o
`,
		"zero tokens": `
azure:
  endpoint: https://example.openai.azure.com
  api_version: 2024-06-01
model:
  model: gpt4o
  max_completion_tokens: 0
`,
		"prompt without role": `
azure:
  endpoint: https://example.openai.azure.com
  api_version: 2024-06-01
model:
  model: gpt4o
  messages:
    - content: orphan
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
