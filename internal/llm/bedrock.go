package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	mirerrors "github.com/mira-run/mira/internal/mira/errors"
)

// BedrockConfig holds the AWS-side settings for a BedrockProvider.
// Credentials may be left empty to use the default chain (env, IAM role).
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// BedrockProvider serves Anthropic models hosted on AWS Bedrock through the
// Converse API. It is a third wire path alongside the native Anthropic and
// OpenAI-compatible providers: callers still see Anthropic-shaped blocks,
// translated to and from Converse content blocks here. Request.ResponseFormat
// is not honored (Converse has no constrained-output mode); callers that need
// JSON output instruct the model through the system prompt instead.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
}

// NewBedrockProvider loads AWS configuration and builds the provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("llm: load aws config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// GenerateResponse sends req through the Converse API and translates the
// reply back into the provider-neutral Response.
func (p *BedrockProvider) GenerateResponse(ctx context.Context, req Request) (Response, error) {
	input, model, err := p.buildConverseInput(req)
	if err != nil {
		return Response{}, err
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return Response{}, mapBedrockError(err, model)
	}

	resp := Response{Model: model, StopReason: mapBedrockStopReason(out.StopReason)}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		resp.Content = fromBedrockContent(msg.Value.Content)
	}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	return resp, nil
}

// GenerateResponseStream streams the completion via ConverseStream,
// emitting text deltas as they arrive and a final delta carrying the
// accumulated Response.
func (p *BedrockProvider) GenerateResponseStream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	input, model, err := p.buildConverseInput(req)
	if err != nil {
		return nil, err
	}

	stream, err := p.client.ConverseStream(ctx, converseToStreamInput(input))
	if err != nil {
		return nil, mapBedrockError(err, model)
	}

	deltas := make(chan StreamDelta)
	go p.processStream(ctx, stream, deltas, model)
	return deltas, nil
}

func (p *BedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, deltas chan<- StreamDelta, model string) {
	defer close(deltas)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	final := Response{Model: model, StopReason: StopEndTurn}
	var textBuilder strings.Builder
	var currentTool *ContentBlock
	var toolInput strings.Builder

	flushText := func() {
		if textBuilder.Len() == 0 {
			return
		}
		final.Content = append(final.Content, ContentBlock{Type: BlockText, Text: textBuilder.String()})
		textBuilder.Reset()
	}
	flushTool := func() {
		if currentTool == nil {
			return
		}
		currentTool.ToolInput = parseToolInputJSON(toolInput.String())
		final.Content = append(final.Content, *currentTool)
		currentTool = nil
		toolInput.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventStream.Events():
			if !ok {
				flushText()
				flushTool()
				deltas <- StreamDelta{Done: true, Final: final}
				return
			}
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					flushText()
					currentTool = &ContentBlock{
						Type:      BlockToolUse,
						ToolUseID: aws.ToString(toolUse.Value.ToolUseId),
						ToolName:  aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						textBuilder.WriteString(delta.Value)
						deltas <- StreamDelta{TextDelta: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				flushTool()
			case *types.ConverseStreamOutputMemberMessageStop:
				final.StopReason = mapBedrockStopReason(ev.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					final.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					final.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}
	}
}

func (p *BedrockProvider) buildConverseInput(req Request) (*bedrockruntime.ConverseInput, string, error) {
	model := req.ModelOverride
	if model == "" {
		model = p.defaultModel
	}

	messages, err := toBedrockMessages(req.Messages)
	if err != nil {
		return nil, model, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	inference := &types.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(int32(min(req.MaxTokens, 1<<31-1)))
	}
	if req.Temperature > 0 {
		inference.Temperature = aws.Float32(float32(req.Temperature))
	}
	if inference.MaxTokens != nil || inference.Temperature != nil {
		input.InferenceConfig = inference
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(req.Tools)
	}
	return input, model, nil
}

// converseToStreamInput reuses a built ConverseInput for the streaming call;
// the two input types are field-for-field identical in the SDK.
func converseToStreamInput(in *bedrockruntime.ConverseInput) *bedrockruntime.ConverseStreamInput {
	return &bedrockruntime.ConverseStreamInput{
		ModelId:         in.ModelId,
		Messages:        in.Messages,
		System:          in.System,
		InferenceConfig: in.InferenceConfig,
		ToolConfig:      in.ToolConfig,
	}
}

func toBedrockMessages(messages []Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		var content []types.ContentBlock
		for _, block := range msg.Content {
			switch block.Type {
			case BlockText:
				content = append(content, &types.ContentBlockMemberText{Value: block.Text})
			case BlockImage:
				img, err := toBedrockImage(block)
				if err != nil {
					return nil, err
				}
				content = append(content, img)
			case BlockToolUse:
				var inputDoc any = map[string]any{}
				if block.ToolInput != nil {
					inputDoc = block.ToolInput
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(block.ToolUseID),
						Name:      aws.String(block.ToolName),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			case BlockToolResult:
				result := types.ToolResultBlock{
					ToolUseId: aws.String(block.ToolResultForID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: block.ToolResultText},
					},
				}
				if block.ToolResultError {
					result.Status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: result})
			case BlockThinking:
				// Converse has no inbound thinking block; dropped outbound,
				// same as the OpenAI-compatible path.
			}
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out, nil
}

func toBedrockImage(block ContentBlock) (*types.ContentBlockMemberImage, error) {
	data, err := base64.StdEncoding.DecodeString(block.ImageData)
	if err != nil {
		return nil, fmt.Errorf("llm: decode image block: %w", err)
	}
	var format types.ImageFormat
	switch block.ImageMediaType {
	case "image/png":
		format = types.ImageFormatPng
	case "image/jpeg", "image/jpg":
		format = types.ImageFormatJpeg
	case "image/gif":
		format = types.ImageFormatGif
	case "image/webp":
		format = types.ImageFormatWebp
	default:
		return nil, fmt.Errorf("llm: unsupported image media type %q for bedrock", block.ImageMediaType)
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, nil
}

func toBedrockToolConfig(tools []Tool) *types.ToolConfiguration {
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		var schema any = map[string]any{"type": "object"}
		if t.InputSchema != nil {
			schema = t.InputSchema
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

func fromBedrockContent(blocks []types.ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, block := range blocks {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			out = append(out, ContentBlock{Type: BlockText, Text: b.Value})
		case *types.ContentBlockMemberToolUse:
			cb := ContentBlock{
				Type:      BlockToolUse,
				ToolUseID: aws.ToString(b.Value.ToolUseId),
				ToolName:  aws.ToString(b.Value.Name),
			}
			if b.Value.Input != nil {
				var input map[string]any
				if err := b.Value.Input.UnmarshalSmithyDocument(&input); err == nil {
					cb.ToolInput = input
				}
			}
			out = append(out, cb)
		}
	}
	return out
}

func parseToolInputJSON(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		// Tolerate proxies and models that omit arguments for
		// parameterless tools.
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{}
	}
	return input
}

func mapBedrockStopReason(reason types.StopReason) StopReason {
	switch reason {
	case types.StopReasonToolUse:
		return StopToolUse
	case types.StopReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// mapBedrockError classifies AWS SDK errors into the same sentinel taxonomy
// the HTTP-status paths use: throttling -> rate limited, access denied ->
// permission, oversized validation errors -> context overflow.
func mapBedrockError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("llm: bedrock request failed for model %s: %w", model, err)
	}

	code := apiErr.ErrorCode()
	message := apiErr.ErrorMessage()
	switch {
	case code == "ThrottlingException" || code == "TooManyRequestsException":
		return mirerrors.NewProviderError("bedrock", 429, code, message)
	case code == "AccessDeniedException" || code == "UnauthorizedException":
		return mirerrors.NewProviderError("bedrock", 403, code, message)
	case code == "ValidationException" && strings.Contains(strings.ToLower(message), "too long"):
		return mirerrors.NewProviderError("bedrock", 400, "context_length_exceeded", message)
	case code == "ValidationException":
		return mirerrors.NewProviderError("bedrock", 400, code, message)
	case code == "ServiceUnavailableException" || code == "InternalServerException" || code == "ModelErrorException":
		return mirerrors.NewProviderError("bedrock", 500, code, message)
	default:
		return mirerrors.NewProviderError("bedrock", 500, code, message)
	}
}
