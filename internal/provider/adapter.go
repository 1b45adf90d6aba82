// Package provider adapts upstream text-completion backends to a single
// streaming interface. The rest of the system treats inference as an opaque
// stream of text deltas.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ChatMessage is one prior line of conversation sent as model context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the normalized request for one assistant turn.
type CompletionRequest struct {
	SessionID string        `json:"session_id,omitempty"`
	Messages  []ChatMessage `json:"messages"`
}

// CompletionResponse is the final text after all deltas have streamed.
type CompletionResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter streams one completion, invoking onDelta for each fragment.
type Adapter interface {
	StreamResponse(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode         string
	HTTPURL      string
	APIKey       string
	Model        string
	GatewayURL   string
	GatewayToken string
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "gateway":
		if strings.TrimSpace(cfg.GatewayURL) == "" {
			return nil, errors.New("provider gateway url is required for gateway mode")
		}
		return NewGatewayAdapter(cfg.GatewayURL, cfg.GatewayToken), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("provider HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.APIKey, cfg.Model), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	var secondary Adapter
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		secondary = NewHTTPAdapter(cfg.HTTPURL, cfg.APIKey, cfg.Model)
	} else {
		secondary = NewMockAdapter()
	}

	// Prefer the gateway path when configured; it yields early deltas even
	// for providers that only expose a framed socket.
	if strings.TrimSpace(cfg.GatewayURL) != "" {
		return NewFallbackAdapter(NewGatewayAdapter(cfg.GatewayURL, cfg.GatewayToken), secondary)
	}
	return secondary
}
