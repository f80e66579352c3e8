package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chirino/chat-ledger/internal/config"
	"github.com/chirino/chat-ledger/internal/model"
	registryblob "github.com/chirino/chat-ledger/internal/registry/blob"
	"github.com/chirino/chat-ledger/internal/registry/chatmodel"
)

func init() {
	chatmodel.Register(chatmodel.Plugin{
		Name:   "openai",
		Loader: load,
	})
}

func load(ctx context.Context) (chatmodel.Model, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai model: CHAT_LEDGER_MODEL_OPENAI_API_KEY is required")
	}
	return New(Options{
		APIKey:  cfg.OpenAIAPIKey,
		Model:   cfg.OpenAIModelName,
		BaseURL: cfg.OpenAIBaseURL,
		Client:  &http.Client{Timeout: cfg.OpenAITimeout},
		Blobs:   registryblob.FromContext(ctx),
	}), nil
}

// Options configures a chat-completions client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
	// Blobs resolves image attachments so they can be sent inline. When nil
	// attachments are omitted from the request.
	Blobs registryblob.BlobStore
}

// Model calls an OpenAI compatible /chat/completions endpoint.
type Model struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	blobs   registryblob.BlobStore
}

// New builds a Model from opts.
func New(opts Options) *Model {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Model{
		apiKey:  opts.APIKey,
		model:   opts.Model,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		blobs:   opts.Blobs,
	}
}

func (m *Model) Name() string { return "openai:" + m.model }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (m *Model) Invoke(ctx context.Context, messages []chatmodel.Message) (*chatmodel.Reply, error) {
	req := completionRequest{Model: m.model, Messages: make([]chatMessage, 0, len(messages))}
	for _, msg := range messages {
		cm, err := m.toChatMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, cm)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai chat: read response: %w", err)
	}
	var result completionResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("openai chat: parse response (status %d): %w", resp.StatusCode, err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai chat error: %s", result.Error.Message)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("openai chat: unexpected status %d", resp.StatusCode)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: response has no choices")
	}
	return &chatmodel.Reply{Text: result.Choices[0].Message.Content}, nil
}

func (m *Model) toChatMessage(ctx context.Context, msg chatmodel.Message) (chatMessage, error) {
	role := string(msg.Role)
	if len(msg.Attachments) == 0 || m.blobs == nil || msg.Role != model.RoleUser {
		return chatMessage{Role: role, Content: msg.Text}, nil
	}
	parts := []contentPart{{Type: "text", Text: msg.Text}}
	for _, a := range msg.Attachments {
		if !strings.HasPrefix(a.MimeType, "image/") {
			continue
		}
		data, err := m.blobs.Get(ctx, a.BlobID)
		if err != nil {
			return chatMessage{}, fmt.Errorf("openai chat: load attachment %s: %w", a.BlobID, err)
		}
		if len(data) == 0 {
			continue
		}
		url := "data:" + a.MimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
	}
	if len(parts) == 1 {
		return chatMessage{Role: role, Content: msg.Text}, nil
	}
	return chatMessage{Role: role, Content: parts}, nil
}
