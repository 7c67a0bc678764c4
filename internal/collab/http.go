// Package collab provides HTTP clients for the external speech and
// language collaborators. The services themselves (whisper, llama,
// piper, or hosted equivalents) are black boxes behind small sidecar
// APIs; these clients only move bytes and text.
package collab

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/vocalis-ai/vocalis/pkg/models"
)

// Transcriber posts WAV segments to a speech-to-text endpoint.
type Transcriber struct {
	url    string
	client *http.Client
}

func NewTranscriber(url string, client *http.Client) *Transcriber {
	if client == nil {
		client = &http.Client{}
	}
	return &Transcriber{url: url, client: client}
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, &buf)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", unexpectedStatus("stt", resp)
	}

	var decoded transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return decoded.Text, nil
}

// Completer posts prompts with optional conversation context to a
// language-model endpoint.
type Completer struct {
	url    string
	client *http.Client
}

func NewCompleter(url string, client *http.Client) *Completer {
	if client == nil {
		client = &http.Client{}
	}
	return &Completer{url: url, client: client}
}

type completeRequest struct {
	Prompt  string                  `json:"prompt"`
	Context []models.ContextMessage `json:"context,omitempty"`
}

type completeResponse struct {
	Response string `json:"response"`
}

func (c *Completer) Complete(ctx context.Context, prompt string, contextMessages []models.ContextMessage) (string, error) {
	payload, err := json.Marshal(completeRequest{Prompt: prompt, Context: contextMessages})
	if err != nil {
		return "", fmt.Errorf("encode llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", unexpectedStatus("llm", resp)
	}

	var decoded completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	return decoded.Response, nil
}

// Synthesizer posts reply text to a text-to-speech endpoint and
// returns the raw audio body.
type Synthesizer struct {
	url    string
	client *http.Client
}

func NewSynthesizer(url string, client *http.Client) *Synthesizer {
	if client == nil {
		client = &http.Client{}
	}
	return &Synthesizer{url: url, client: client}
}

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

func (s *Synthesizer) Synthesize(ctx context.Context, text, language string) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: text, Language: language})
	if err != nil {
		return nil, fmt.Errorf("encode tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus("tts", resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	return audio, nil
}

func unexpectedStatus(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s endpoint returned %d: %s", service, resp.StatusCode, bytes.TrimSpace(body))
}
