package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"

	"docdigest/shared"
)

// ErrInvalidAPIKey is returned when the LLM provider rejects the credentials.
var ErrInvalidAPIKey = errors.New("llm api key rejected")

// maxDocumentChars bounds the document text sent to the model.
const maxDocumentChars = 12000

// Summarizer turns documents into short summaries and summaries into a digest.
type Summarizer interface {
	Summarize(ctx context.Context, doc shared.Document) (string, error)
	Overview(ctx context.Context, repoURL string, summaries []shared.DocSummary) (string, error)
}

// NewSummarizer returns the OpenAI summarizer when apiKey is set, otherwise the extractive one.
func NewSummarizer(apiKey, model string) Summarizer {
	if apiKey == "" {
		return NewExtractiveSummarizer(3)
	}
	return NewOpenAISummarizer(openai.NewClient(apiKey), model)
}

// --- OpenAI ---

const summarizeSystemPrompt = `You summarize technical documentation.
Reply with a plain-text summary of at most four sentences covering what the document explains.
Do not use headings, bullet points or code blocks.`

const overviewSystemPrompt = `You are given per-file summaries of a repository's documentation.
Write one paragraph describing what the documentation as a whole covers and how the files relate.
Reply in plain text only.`

type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

func NewOpenAISummarizer(client *openai.Client, model string) *OpenAISummarizer {
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &OpenAISummarizer{client: client, model: model}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, doc shared.Document) (string, error) {
	user := fmt.Sprintf("File: %s\n\n%s", doc.Path, truncateUTF8(doc.Content, maxDocumentChars))
	return s.complete(ctx, summarizeSystemPrompt, user, 300)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *OpenAISummarizer) Overview(ctx context.Context, repoURL string, summaries []shared.DocSummary) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\n\n", repoURL)
	for _, sum := range summaries {
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", sum.Path, sum.Summary)
	}
	return s.complete(ctx, overviewSystemPrompt, b.String(), 500)
}

func (s *OpenAISummarizer) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		if (errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusUnauthorized) ||
			(errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusUnauthorized) {
			return "", fmt.Errorf("%w: %w", ErrInvalidAPIKey, err)
		}
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("empty response content from openai")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// --- Extractive ---

// ExtractiveSummarizer keeps the first sentences of a document's prose. It is
// deterministic and needs no network access.
type ExtractiveSummarizer struct {
	sentences int
}

func NewExtractiveSummarizer(sentences int) *ExtractiveSummarizer {
	if sentences <= 0 {
		sentences = 3
	}
	return &ExtractiveSummarizer{sentences: sentences}
}

func (s *ExtractiveSummarizer) Summarize(_ context.Context, doc shared.Document) (string, error) {
	sentences := splitSentences(proseOf(doc.Content))
	if len(sentences) == 0 {
		return "", nil
	}
	if len(sentences) > s.sentences {
		sentences = sentences[:s.sentences]
	}
	return strings.Join(sentences, " "), nil
}

func (s *ExtractiveSummarizer) Overview(_ context.Context, repoURL string, summaries []shared.DocSummary) (string, error) {
	words := 0
	for _, sum := range summaries {
		words += sum.Words
	}
	return fmt.Sprintf("%s contains %d documentation files (%d words).", repoURL, len(summaries), words), nil
}

// proseOf drops fenced code, headings, tables, HTML and link-only lines from markdown.
func proseOf(markdown string) string {
	var out []string
	inFence := false
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || trimmed == "" {
			continue
		}
		switch trimmed[0] {
		case '#', '|', '<', '!', '[', '>':
			continue
		}
		trimmed = strings.TrimLeft(trimmed, "-*+ ")
		out = append(out, trimmed)
	}
	return strings.Join(out, " ")
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if i+1 == len(text) || text[i+1] == ' ' {
				if sentence := strings.TrimSpace(text[start : i+1]); sentence != "" {
					sentences = append(sentences, sentence)
				}
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// CountWords counts whitespace separated words.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// RenderDigest lays out the overview followed by one section per document.
func RenderDigest(repoURL, commit, overview string, summaries []shared.DocSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Documentation digest: %s\n\n", repoURL)
	if commit != "" {
		fmt.Fprintf(&b, "Commit: `%s`\n\n", commit)
	}
	if overview != "" {
		b.WriteString(overview)
		b.WriteString("\n\n")
	}
	for _, sum := range summaries {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sum.Path, sum.Summary)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
