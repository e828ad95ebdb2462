package tool

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
)

type KnowledgeResult struct {
	Answer string `json:"answer"`
}

// KnowledgeCapability answers open-ended questions by asking the reasoning
// gateway directly, with no tools offered.
type KnowledgeCapability struct {
	gateway contractx.Gateway
}

func NewKnowledgeCapability(gateway contractx.Gateway) (*KnowledgeCapability, error) {
	if gateway == nil {
		return nil, errors.New("tool: nil gateway")
	}
	return &KnowledgeCapability{gateway: gateway}, nil
}

func (k *KnowledgeCapability) info() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: ToolGeneralKnowledge,
		Desc: "Answers general knowledge questions about oceanography or other topics.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"question": {Type: schema.String, Desc: "The question to answer", Required: true},
		}),
	}
}

func (k *KnowledgeCapability) invoke(ctx context.Context, args map[string]any) (any, error) {
	question, err := requireStringArg(args, "question")
	if err != nil {
		return nil, err
	}

	decision, err := k.gateway.Decide(ctx, []*schema.Message{schema.UserMessage(question)}, nil)
	if err != nil {
		return nil, err
	}
	if !decision.IsFinal() {
		return nil, errors.New("knowledge answer requested further tool calls")
	}
	answer := strings.TrimSpace(decision.Content)
	if answer == "" {
		return nil, errors.New("knowledge answer is empty")
	}
	return KnowledgeResult{Answer: answer}, nil
}
