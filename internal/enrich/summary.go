package enrich

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// ErrAPIKeyNotSet is returned when the OpenAI summarizer is selected without a key.
var ErrAPIKeyNotSet = errors.New("OPENAI_API_KEY is not set")

type summaryPayload struct {
	Summary string              `json:"summary"`
	Stats   map[string]*float64 `json:"stats"`
}

func (p summaryPayload) restrict(labels []string) Summary {
	stats, matched := RestrictStats(p.Stats, labels)
	return Summary{Text: strings.TrimSpace(p.Summary), Stats: stats, Matched: matched}
}

// HTTPSummarizer posts the chart URL to the vision-summary service.
type HTTPSummarizer struct {
	endpoint string
	http     *resty.Client
}

func NewHTTPSummarizer(endpoint string) *HTTPSummarizer {
	return &HTTPSummarizer{endpoint: endpoint, http: newResty()}
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, req SummaryRequest) (Summary, error) {
	if req.ImageURL == "" {
		return Summary{}, errors.New("summary: no image url")
	}
	var resp summaryPayload
	r, err := s.http.R().SetContext(ctx).
		SetBody(map[string]any{"imageUrl": req.ImageURL, "monthLabels": req.Labels}).
		SetResult(&resp).
		Post(s.endpoint)
	if err != nil {
		return Summary{}, fmt.Errorf("summary request: %w", err)
	}
	if r.IsError() {
		return Summary{}, fmt.Errorf("summary: %s; body: %s", r.Status(), abbreviate(r.String(), 500))
	}
	return resp.restrict(req.Labels), nil
}

// OpenAISummarizer reads the chart with a vision-capable chat model.
type OpenAISummarizer struct {
	client openai.Client
	model  string
}

func NewOpenAISummarizer(apiKey, model string, opts ...option.RequestOption) (*OpenAISummarizer, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAISummarizer{client: openai.NewClient(opts...), model: model}, nil
}

func summaryPrompt(labels []string) string {
	keys, _ := json.Marshal(labels)
	return "На изображении график спроса на автозапчасть по месяцам. " +
		"Кратко опиши динамику (1-2 предложения) и считай значения для месяцев " + string(keys) + ". " +
		`Ответь JSON-объектом {"summary": string, "stats": {"<месяц>": number}} ` +
		"с ключами stats ровно из этого списка; если значение не видно, укажи 0."
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, req SummaryRequest) (Summary, error) {
	imageURL := req.ImageURL
	if len(req.Image) > 0 {
		imageURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.Image)
	}
	if imageURL == "" {
		return Summary{}, errors.New("summary: no image")
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(summaryPrompt(req.Labels)),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}
	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Summary{}, fmt.Errorf("openai summary: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Summary{}, errors.New("openai summary: no choices returned")
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &payload); err != nil {
		return Summary{}, fmt.Errorf("decode openai summary: %w", err)
	}
	return payload.restrict(req.Labels), nil
}
