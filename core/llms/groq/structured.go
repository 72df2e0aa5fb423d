package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-narrator/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// promptJSONSchema asks the model for a response matching the schema
// reflected from T.
func promptJSONSchema[T any](ctx context.Context, c *Client, prompt, instructions string) (*T, llms.Usage, error) {
	ctx, span := tracer.Start(ctx, "prompt llm structured")
	defer span.End()

	fail := func(err error) (*T, llms.Usage, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, llms.Usage{}, err
	}

	// TODO: Implement a custom reflector that only satisfies the subset of
	// jsonschema used by groq
	reflector := jsonschema.Reflector{DoNotReference: true}
	outputType := reflect.TypeOf((*T)(nil)).Elem()
	schema := reflector.ReflectFromType(outputType)

	reqBody := schemaRequestBody{
		Model:    c.model,
		Messages: toMessages(instructions, prompt),
		ResponseFormat: &ChatResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   outputType.Name(),
				Schema: *schema,
				Strict: true,
			},
		},
	}

	span.SetAttributes(attribute.String("request.model", c.model))
	schemaString, _ := schema.MarshalJSON()
	span.SetAttributes(attribute.String("request.schema", string(schemaString)))

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fail(fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return fail(fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	span.SetAttributes(attribute.String("request.url", req.URL.String()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(fmt.Errorf("error reading response body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		span.SetAttributes(attribute.String("response.error", string(respBodyBytes)))
		return fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
	}

	var responseBody schemaResponseBody
	if err := json.Unmarshal(respBodyBytes, &responseBody); err != nil {
		return fail(fmt.Errorf("error unmarshalling response body: %w", err))
	}
	if len(responseBody.Choices) == 0 {
		return fail(errors.New("llm returned no choices"))
	}

	content := responseBody.Choices[0].Message.Content
	split := strings.Split(content, "```")
	if len(split) > 1 {
		content = strings.TrimPrefix(split[1], "json")
	}
	var output T
	if err := json.Unmarshal([]byte(content), &output); err != nil {
		return fail(fmt.Errorf("error unmarshalling response: %w", err))
	}

	var usage llms.Usage
	if responseBody.Usage != nil {
		usage = llms.Usage{
			PromptTokens:     responseBody.Usage.PromptTokens,
			CompletionTokens: responseBody.Usage.CompletionTokens,
			TotalTokens:      responseBody.Usage.TotalTokens,
		}
		c.tokens.Add(ctx, int64(usage.TotalTokens), metric.WithAttributes(attribute.String("model", c.model)))
	}
	return &output, usage, nil
}

type schemaRequestBody struct {
	Model          string              `json:"model"`
	Messages       []message           `json:"messages"`
	ResponseFormat *ChatResponseFormat `json:"response_format,omitempty"`
}

type ChatResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

type JSONSchema struct {
	// Name is the name of the chat completion response format json
	// schema.
	//
	// it is used to further identify the schema in the response.
	Name string `json:"name"`
	// Description is the description of the chat completion
	// response format json schema.
	Description string `json:"description,omitempty"`
	// Schema is the schema of the chat completion response format
	// json schema.
	Schema jsonschema.Schema `json:"schema"`
	// Strict determines whether to enforce the schema upon the
	// generated content.
	Strict bool `json:"strict"`
}

type schemaResponseBody struct {
	Choices []struct {
		Message struct {
			Role         string  `json:"role,omitempty"`
			Content      string  `json:"content,omitempty"`
			Reasoning    string  `json:"reasoning,omitempty"`
			FinishReason *string `json:"finish_reason,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		QueueTime        float64 `json:"queue_time"`
		PromptTokens     int     `json:"prompt_tokens"`
		PromptTime       float64 `json:"prompt_time"`
		CompletionTokens int     `json:"completion_tokens"`
		CompletionTime   float64 `json:"completion_time"`
		TotalTokens      int     `json:"total_tokens"`
		TotalTime        float64 `json:"total_time"`
	} `json:"usage"`
}
