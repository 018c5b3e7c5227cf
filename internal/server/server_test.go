package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/azure-chat-go/internal/chat"
	"github.com/comigor/azure-chat-go/internal/config"
	"github.com/comigor/azure-chat-go/internal/history"
	"github.com/comigor/azure-chat-go/internal/logger"
)

type scriptedLLM struct {
	replies []string
	seen    [][]openai.ChatCompletionMessage
}

func (m *scriptedLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.seen = append(m.seen, r.Messages)
	content := m.replies[0]
	m.replies = m.replies[1:]
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}, nil
}

type failingCompleter struct{ err error }

func (f failingCompleter) GetChatCompletion(context.Context, chat.ChatRequest) (chat.ChatResponse, error) {
	return chat.ChatResponse{}, f.err
}

func newService(t *testing.T, llmClient *scriptedLLM) *chat.Service {
	t.Helper()
	s, err := chat.New(
		&config.ConnectionInfo{Endpoint: "https://example.openai.azure.com", APIVersion: "2024-06-01"},
		&config.ModelConfig{
			Model:               "gpt4o",
			MaxCompletionTokens: 64,
			Messages:            []config.PromptMessage{{Role: "system", Content: "Be concise."}},
		},
		chat.WithLLMClient(llmClient),
	)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := New(failingCompleter{}, nil, logger.Discard(), 0)
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestChat_Stateless(t *testing.T) {
	llmClient := &scriptedLLM{replies: []string{"Hello!"}}
	h := New(newService(t, llmClient), nil, logger.Discard(), time.Minute)

	rec := do(t, h, http.MethodPost, "/v1/chat", `{"message":"Hi","history":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chat.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Hello!", resp.Message)
	require.Len(t, resp.History, 2)
	require.Equal(t, chat.RoleUser, resp.History[0].Role)
	require.Equal(t, chat.RoleAssistant, resp.History[1].Role)
}

func TestChat_BadRequests(t *testing.T) {
	h := New(failingCompleter{}, nil, logger.Discard(), 0)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/chat", `{`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/chat", `{"message":"  "}`).Code)
}

func TestChat_ErrorMapping(t *testing.T) {
	cases := map[chat.ErrorKind]int{
		chat.KindRateLimited:     http.StatusTooManyRequests,
		chat.KindTimeout:         http.StatusGatewayTimeout,
		chat.KindUnauthorized:    http.StatusBadGateway,
		chat.KindInvalidResponse: http.StatusBadGateway,
		chat.KindUnknown:         http.StatusBadGateway,
	}
	for kind, status := range cases {
		t.Run(string(kind), func(t *testing.T) {
			h := New(failingCompleter{err: &chat.RemoteServiceError{Kind: kind, Err: context.Canceled}}, nil, logger.Discard(), 0)
			rec := do(t, h, http.MethodPost, "/v1/chat", `{"message":"Hi"}`)
			require.Equal(t, status, rec.Code)
			require.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestSessions_ConversationIsStored(t *testing.T) {
	llmClient := &scriptedLLM{replies: []string{"Hello!", "Paris."}}
	store := history.Open(filepath.Join(t.TempDir(), "history.db"), logger.Discard())
	t.Cleanup(func() { store.Close() })
	h := New(newService(t, llmClient), store, logger.Discard(), time.Minute)

	rec := do(t, h, http.MethodPost, "/v1/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	path := "/v1/sessions/" + created.ID + "/messages"
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, path, `{"message":"Hi"}`).Code)

	rec = do(t, h, http.MethodPost, path, `{"message":"Capital of France?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp chat.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Paris.", resp.Message)
	require.Len(t, resp.History, 4)

	// second call saw the stored first exchange after the system prompt
	require.Equal(t, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "Be concise."},
		{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		{Role: openai.ChatMessageRoleAssistant, Content: "Hello!"},
		{Role: openai.ChatMessageRoleUser, Content: "Capital of France?"},
	}, llmClient.seen[1])

	rec = do(t, h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		ID      string                `json:"id"`
		History []chat.ChatbotMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Equal(t, created.ID, listed.ID)
	require.Len(t, listed.History, 4)
	require.Equal(t, "Paris.", listed.History[3].Content)
}

func TestSessions_InvalidID(t *testing.T) {
	store := history.Open(filepath.Join(t.TempDir(), "history.db"), logger.Discard())
	t.Cleanup(func() { store.Close() })
	h := New(failingCompleter{}, store, logger.Discard(), 0)

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/v1/sessions/not-a-uuid/messages", "").Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/v1/sessions/not-a-uuid/messages", `{"message":"Hi"}`).Code)
}

// echoLLM answers "re: <last message>" and records how many calls overlap.
type echoLLM struct {
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (m *echoLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	n := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		cur := m.maxInflight.Load()
		if n <= cur || m.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	last := r.Messages[len(r.Messages)-1].Content
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "re: " + last}}},
	}, nil
}

func TestSessions_ConcurrentMessagesStayOrdered(t *testing.T) {
	llmClient := &echoLLM{}
	svc, err := chat.New(
		&config.ConnectionInfo{Endpoint: "https://example.openai.azure.com", APIVersion: "2024-06-01"},
		&config.ModelConfig{Model: "gpt4o", MaxCompletionTokens: 64},
		chat.WithLLMClient(llmClient),
	)
	require.NoError(t, err)
	store := history.Open(filepath.Join(t.TempDir(), "history.db"), logger.Discard())
	t.Cleanup(func() { store.Close() })
	h := New(svc, store, logger.Discard(), 0)

	session := "7f9c2ba4-e88f-4f6a-9a3c-2a1d5c7e0b11"
	path := "/v1/sessions/" + session + "/messages"

	const n = 6
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"message":"m`+strconv.Itoa(i)+`"}`))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		require.Equal(t, http.StatusOK, code, "request %d", i)
	}
	require.Equal(t, int32(1), llmClient.maxInflight.Load())

	stored, err := store.List(context.Background(), session)
	require.NoError(t, err)
	require.Len(t, stored, 2*n)
	for i := 0; i < len(stored); i += 2 {
		require.Equal(t, "user", stored[i].Role)
		require.Equal(t, "assistant", stored[i+1].Role)
		require.Equal(t, "re: "+stored[i].Content, stored[i+1].Content)
	}
}
