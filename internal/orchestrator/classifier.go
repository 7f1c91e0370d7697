package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/glimte/mmate-agents/internal/llm"
)

// Label names the agent a request should be sent to
type Label string

const (
	LabelDiagram  Label = "DiagramAgent"
	LabelText     Label = "TextAgent"
	LabelSoftware Label = "SoftwareAgent"
	LabelUnknown  Label = "UnknownAgent"
)

// classificationPrompt instructs the model to answer with one label only
const classificationPrompt = `You route user requests to specialised agents.
Answer with exactly one of the following words and nothing else:
DiagramAgent - the user wants a chart, graph, diagram or other visualisation.
TextAgent - the user wants prose: an explanation, summary, translation or answer.
SoftwareAgent - the user wants source code, a script or help with programming.
UnknownAgent - none of the above fits.`

// Classifier picks the agent for a request
type Classifier interface {
	Classify(ctx context.Context, text string) (Label, error)
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(ctx context.Context, text string) (Label, error)

func (f ClassifierFunc) Classify(ctx context.Context, text string) (Label, error) {
	return f(ctx, text)
}

// LLMClassifier asks a language model for the label
type LLMClassifier struct {
	completer llm.Completer
	model     string
}

// NewLLMClassifier creates a classifier. An empty model uses the
// completer's default.
func NewLLMClassifier(completer llm.Completer, model string) *LLMClassifier {
	return &LLMClassifier{completer: completer, model: model}
}

func (c *LLMClassifier) Classify(ctx context.Context, text string) (Label, error) {
	out, err := c.completer.Complete(ctx, llm.Request{
		Model:        c.model,
		Instructions: classificationPrompt,
		Input:        text,
	})
	if err != nil {
		return "", fmt.Errorf("classification failed: %w", err)
	}
	return ParseLabel(out), nil
}

// ParseLabel extracts a label from model output. An exact answer wins;
// otherwise the first known label mentioned is used, else LabelUnknown.
func ParseLabel(out string) Label {
	out = strings.Trim(strings.TrimSpace(out), "`\"'.")
	for _, l := range []Label{LabelDiagram, LabelText, LabelSoftware, LabelUnknown} {
		if strings.EqualFold(out, string(l)) {
			return l
		}
	}

	lower := strings.ToLower(out)
	best, at := LabelUnknown, -1
	for _, l := range []Label{LabelDiagram, LabelText, LabelSoftware} {
		if i := strings.Index(lower, strings.ToLower(string(l))); i >= 0 && (at < 0 || i < at) {
			best, at = l, i
		}
	}
	return best
}
