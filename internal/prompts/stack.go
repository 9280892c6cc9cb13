// Package prompts resolves the ordered, versioned system prompt stack for a
// session and renders it into each provider's prompt payload shape.
package prompts

import (
	"context"
	"fmt"
	"time"

	. "github.com/loopline/agentd/internal/logging"
	"github.com/loopline/agentd/internal/store"
	"github.com/loopline/agentd/internal/telemetry"
)

// Source records where a resolved stack came from.
type Source string

const (
	SourceSession Source = "session" // session pinned an explicit list
	SourceDefault Source = "default" // family defaults for the provider
)

// ResolvedItem is one prompt item in a stack, with any per-session overrides.
type ResolvedItem struct {
	Item      *store.ContextItem
	Overrides map[string]any
}

// Stack is the resolved prompt set for a session+provider.
type Stack struct {
	Provider string
	Source   Source
	Items    []ResolvedItem
}

// Resolver resolves prompt stacks against the store.
type Resolver struct {
	store     *store.Store
	telemetry *telemetry.Emitter
}

// NewResolver creates a Resolver. telemetry may be nil.
func NewResolver(st *store.Store, tel *telemetry.Emitter) *Resolver {
	return &Resolver{store: st, telemetry: tel}
}

// ResolveForSession resolves the prompt stack for a session and provider.
//
// A session that pins prompts for the provider gets exactly those items, in
// pin order, skipping disabled pins. Otherwise the provider's family defaults
// (provider-specific plus shared) apply. A provider with no defaults yields
// an empty stack and a missing_defaults telemetry measurement.
func (r *Resolver) ResolveForSession(ctx context.Context, sess *store.Session, provider string) (*Stack, error) {
	start := time.Now()

	stack := &Stack{Provider: provider}
	overridesCount := 0
	missingDefaults := 0

	if pins, ok := sess.PromptPins[provider]; ok && len(pins) > 0 {
		stack.Source = SourceSession

		ids := make([]string, 0, len(pins))
		for _, pin := range pins {
			if pin.On() {
				ids = append(ids, pin.ID)
			}
		}
		items, err := r.store.GetContextItems(ctx, ids)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]*store.ContextItem, len(items))
		for _, item := range items {
			byID[item.ID] = item
		}
		for _, pin := range pins {
			if !pin.On() {
				continue
			}
			item, ok := byID[pin.ID]
			if !ok {
				L_warn("prompts: pinned item missing", "id", pin.ID, "session", sess.ID)
				continue
			}
			if len(pin.Overrides) > 0 {
				overridesCount++
			}
			stack.Items = append(stack.Items, ResolvedItem{Item: item, Overrides: pin.Overrides})
		}
	} else {
		stack.Source = SourceDefault

		items, err := r.store.DefaultContextItems(ctx, provider)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			missingDefaults = 1
			L_debug("prompts: no defaults for provider", "provider", provider)
		}
		for _, item := range items {
			stack.Items = append(stack.Items, ResolvedItem{Item: item})
		}
	}

	r.telemetry.Emit(telemetry.EventPromptsResolved,
		map[string]float64{
			"prompt_count":     float64(len(stack.Items)),
			"overrides_count":  float64(overridesCount),
			"missing_defaults": float64(missingDefaults),
			"duration_ms":      float64(time.Since(start).Milliseconds()),
		},
		map[string]string{
			"provider":   provider,
			"session_id": sess.ID,
			"source":     string(stack.Source),
		})

	return stack, nil
}

// Segment is one OpenAI instruction segment.
type Segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Block is one Anthropic system block.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// GeminiPrompt is the Gemini systemInstruction content.
type GeminiPrompt struct {
	Role  string           `json:"role"`
	Parts []map[string]any `json:"parts"`
}

// Payload is a provider-rendered prompt stack. Exactly one of the payload
// fields is populated for a given provider.
type Payload struct {
	Provider string
	Segments []Segment
	Blocks   []Block
	Gemini   *GeminiPrompt
}

// Empty reports whether the payload carries no prompt content.
func (p *Payload) Empty() bool {
	if p == nil {
		return true
	}
	return len(p.Segments) == 0 && len(p.Blocks) == 0 && (p.Gemini == nil || len(p.Gemini.Parts) == 0)
}

// RenderForProvider renders a resolved stack into the provider's payload
// shape. Rendering is a pure function of the stored rows and overrides.
func RenderForProvider(provider string, stack *Stack) (*Payload, error) {
	payload := &Payload{Provider: provider}

	for _, ri := range stack.Items {
		switch provider {
		case "openai":
			payload.Segments = append(payload.Segments, renderSegments(ri)...)
		case "anthropic":
			payload.Blocks = append(payload.Blocks, renderBlocks(ri)...)
		case "gemini":
			if payload.Gemini == nil {
				payload.Gemini = &GeminiPrompt{Role: "user"}
			}
			payload.Gemini.Parts = append(payload.Gemini.Parts, renderParts(ri)...)
		default:
			return nil, fmt.Errorf("unknown prompt provider: %s", provider)
		}
	}

	return payload, nil
}

// renderSegments produces text segments from metadata segments, override
// segments, or the item's raw text, in that order of precedence (overrides
// win).
func renderSegments(ri ResolvedItem) []Segment {
	if raw, ok := ri.Overrides["segments"]; ok {
		return toSegments(raw, ri.Item.Text)
	}
	if raw, ok := ri.Item.Metadata["segments"]; ok {
		return toSegments(raw, ri.Item.Text)
	}
	return []Segment{{Type: "text", Text: ri.Item.Text}}
}

func renderBlocks(ri ResolvedItem) []Block {
	raw, ok := ri.Overrides["blocks"]
	if !ok {
		raw, ok = ri.Item.Metadata["blocks"]
	}
	if ok {
		segs := toSegments(raw, ri.Item.Text)
		blocks := make([]Block, len(segs))
		for i, s := range segs {
			blocks[i] = Block{Type: "text", Text: s.Text}
		}
		return blocks
	}
	return []Block{{Type: "text", Text: ri.Item.Text}}
}

// renderParts merges metadata parts with override parts; overrides are
// appended after the stored parts.
func renderParts(ri ResolvedItem) []map[string]any {
	var parts []map[string]any
	if raw, ok := ri.Item.Metadata["parts"]; ok {
		parts = append(parts, toParts(raw)...)
	}
	if raw, ok := ri.Overrides["parts"]; ok {
		parts = append(parts, toParts(raw)...)
	}
	if len(parts) == 0 {
		parts = []map[string]any{{"text": ri.Item.Text}}
	}
	return parts
}

func toSegments(raw any, fallback string) []Segment {
	list, ok := raw.([]any)
	if !ok {
		return []Segment{{Type: "text", Text: fallback}}
	}
	var out []Segment
	for _, el := range list {
		switch v := el.(type) {
		case string:
			out = append(out, Segment{Type: "text", Text: v})
		case map[string]any:
			seg := Segment{Type: "text"}
			if t, ok := v["type"].(string); ok && t != "" {
				seg.Type = t
			}
			if txt, ok := v["text"].(string); ok {
				seg.Text = txt
			}
			out = append(out, seg)
		}
	}
	return out
}

func toParts(raw any) []map[string]any {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, el := range list {
		switch v := el.(type) {
		case string:
			out = append(out, map[string]any{"text": v})
		case map[string]any:
			out = append(out, v)
		}
	}
	return out
}
