package llm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fabfab/policybot/config"
	"github.com/fabfab/policybot/llm"
)

type call struct {
	model  string
	prompt string
}

// scriptedClient answers each call with the next scripted error, or with
// "answer from <model>" once the script is exhausted.
type scriptedClient struct {
	mu    sync.Mutex
	errs  []error
	calls []call
}

func (c *scriptedClient) Generate(_ context.Context, model, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{model: model, prompt: prompt})
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "answer from " + model, nil
}

var _ llm.Client = (*scriptedClient)(nil)

func status(code int) error {
	return fmt.Errorf("provider: %w", &llm.StatusError{Code: code, Err: errors.New(http.StatusText(code))})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, llm.KindRateLimited, llm.Classify(status(http.StatusTooManyRequests)))
	assert.Equal(t, llm.KindModelNotFound, llm.Classify(status(http.StatusNotFound)))
	assert.Equal(t, llm.KindOther, llm.Classify(status(http.StatusInternalServerError)))
	assert.Equal(t, llm.KindOther, llm.Classify(errors.New("quota 429 exceeded")), "message text is not inspected")
}

func TestGeneratorSuccess(t *testing.T) {
	client := &scriptedClient{}
	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))

	res, err := gen.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "answer from gemini-1.5-flash", res.Text)
	assert.Equal(t, "gemini-1.5-flash", res.Model)
	assert.Len(t, client.calls, 1)
}

type blankClient struct{}

func (blankClient) Generate(context.Context, string, string) (string, error) {
	return "  \n", nil
}

func TestGeneratorRejectsBlankAnswer(t *testing.T) {
	gen := llm.NewGenerator(blankClient{}, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))

	_, err := gen.Generate(context.Background(), "prompt")
	var genErr *llm.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, llm.KindOther, genErr.Kind)
	assert.Equal(t, "gemini-1.5-flash", genErr.Model)
}

func TestGeneratorRateLimitedIsNotRetried(t *testing.T) {
	client := &scriptedClient{errs: []error{status(http.StatusTooManyRequests)}}
	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))

	_, err := gen.Generate(context.Background(), "prompt")

	var genErr *llm.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, llm.KindRateLimited, genErr.Kind)
	assert.Contains(t, genErr.UserMessage(), "60초")
	assert.Len(t, client.calls, 1)
}

func TestGeneratorModelNotFoundFallsBackOnce(t *testing.T) {
	client := &scriptedClient{errs: []error{status(http.StatusNotFound)}}
	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))

	res, err := gen.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "gemini-pro", res.Model)
	require.Len(t, client.calls, 2)
	assert.Equal(t, "gemini-1.5-flash", client.calls[0].model)
	assert.Equal(t, "gemini-pro", client.calls[1].model)
	assert.Equal(t, "prompt", client.calls[1].prompt)
}

func TestGeneratorFallbackFailureIsReported(t *testing.T) {
	client := &scriptedClient{errs: []error{status(http.StatusNotFound), status(http.StatusNotFound)}}
	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))

	_, err := gen.Generate(context.Background(), "prompt")

	var genErr *llm.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, llm.KindModelNotFound, genErr.Kind)
	assert.Equal(t, "gemini-pro", genErr.Model)
	assert.Len(t, client.calls, 2, "exactly one fallback attempt")
}

func TestGeneratorModelNotFoundWithoutFallback(t *testing.T) {
	client := &scriptedClient{errs: []error{status(http.StatusNotFound)}}
	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-1.5-flash", zaptest.NewLogger(t))

	_, err := gen.Generate(context.Background(), "prompt")

	var genErr *llm.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, llm.KindModelNotFound, genErr.Kind)
	assert.Len(t, client.calls, 1)
}

func TestGeneratorOtherErrorSurfacesRawText(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("connection reset by peer")}}
	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))

	_, err := gen.Generate(context.Background(), "prompt")

	var genErr *llm.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, llm.KindOther, genErr.Kind)
	assert.Contains(t, genErr.UserMessage(), "connection reset by peer")
	assert.Len(t, client.calls, 1)
}

func TestOllamaClientReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		http.Error(w, `{"error":"model \"llama9\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client := llm.NewOllamaClient(llm.Options{OllamaHost: srv.URL})
	_, err := client.Generate(context.Background(), "llama9", "hello")
	require.Error(t, err)
	assert.Equal(t, llm.KindModelNotFound, llm.Classify(err))
}

func TestOllamaClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"15 days per year."},"done":true}`))
	}))
	defer srv.Close()

	client := llm.NewOllamaClient(llm.Options{OllamaHost: srv.URL + "/"})
	text, err := client.Generate(context.Background(), "llama3.1:8b", "How many annual leave days?")
	require.NoError(t, err)
	assert.Equal(t, "15 days per year.", text)
}

func TestOpenAIClientRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	client := llm.NewOpenAIClient(llm.Options{OpenAIAPIKey: "test", OpenAIBaseURL: srv.URL + "/v1"})
	_, err := client.Generate(context.Background(), "gpt-4o-mini", "hello")
	require.Error(t, err)
	assert.Equal(t, llm.KindRateLimited, llm.Classify(err))
}

func geminiServer(t *testing.T, handler http.HandlerFunc) llm.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := llm.NewGeminiClient(context.Background(), llm.Options{GeminiAPIKey: "test", GeminiBaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return client
}

func geminiError(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":"request failed","status":%q}}`, code, status)
}

func TestGeminiClientClassifiesStatus(t *testing.T) {
	cases := []struct {
		code   int
		status string
		want   llm.FailureKind
	}{
		{http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", llm.KindRateLimited},
		{http.StatusNotFound, "NOT_FOUND", llm.KindModelNotFound},
		{http.StatusInternalServerError, "INTERNAL", llm.KindOther},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			client := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
				geminiError(w, tc.code, tc.status)
			})

			_, err := client.Generate(context.Background(), "gemini-1.5-flash", "hello")
			require.Error(t, err)
			assert.Equal(t, tc.want, llm.Classify(err))

			var statusErr *llm.StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tc.code, statusErr.Code)
		})
	}
}

func TestGeminiClientSuccess(t *testing.T) {
	var path string
	client := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"15 days per year."}]},"finishReason":"STOP"}]}`))
	})

	text, err := client.Generate(context.Background(), "gemini-1.5-flash", "hello")
	require.NoError(t, err)
	assert.Equal(t, "15 days per year.", text)
	assert.Contains(t, path, "gemini-1.5-flash:generateContent")
}

func TestGeminiClientEmptyTextIsFailure(t *testing.T) {
	client := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"finishReason":"SAFETY"}]}`))
	})

	_, err := client.Generate(context.Background(), "gemini-1.5-flash", "hello")
	require.Error(t, err)
	assert.Equal(t, llm.KindOther, llm.Classify(err))
	assert.Contains(t, err.Error(), "SAFETY")
}

func TestGeminiFallbackOnMissingModel(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	client := geminiServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if strings.Contains(r.URL.Path, "gemini-1.5-flash:") {
			geminiError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"from fallback"}]}}]}`))
	})

	gen := llm.NewGenerator(client, "gemini-1.5-flash", "gemini-pro", zaptest.NewLogger(t))
	result, err := gen.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "from fallback", result.Text)
	assert.Equal(t, "gemini-pro", result.Model)
	assert.Len(t, paths, 2)
}

func TestNewClientRequiresKeys(t *testing.T) {
	cfg := config.Default()

	cfg.LLM.Provider = config.ProviderGemini
	_, err := llm.NewClient(context.Background(), cfg)
	require.Error(t, err, "GEMINI_API_KEY is required")

	cfg.LLM.Provider = config.ProviderOpenAI
	_, err = llm.NewClient(context.Background(), cfg)
	require.Error(t, err, "OPENAI_API_KEY is required")

	cfg.LLM.Provider = config.ProviderOllama
	client, err := llm.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)

	cfg.LLM.Provider = "bard"
	_, err = llm.NewClient(context.Background(), cfg)
	require.Error(t, err)
}
