package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	gatewayWriteTimeout = 3 * time.Second
	gatewayReadTimeout  = 120 * time.Second
)

// GatewayAdapter streams completions over a framed websocket protocol, for
// providers fronted by a gateway rather than a plain HTTP endpoint. One
// connection per request; the gateway correlates frames by request id.
type GatewayAdapter struct {
	wsURL  string
	token  string
	dialer websocket.Dialer
}

func NewGatewayAdapter(wsURL, token string) *GatewayAdapter {
	return &GatewayAdapter{
		wsURL: strings.TrimSpace(wsURL),
		token: strings.TrimSpace(token),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type gatewayFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Text  string          `json:"text,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type gatewayGenerateFrame struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Session  string        `json:"session,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

func (a *GatewayAdapter) StreamResponse(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	header := http.Header{}
	if a.token != "" {
		header.Set("Authorization", "Bearer "+a.token)
	}

	conn, res, err := a.dialer.DialContext(ctx, a.wsURL, header)
	if err != nil {
		if res != nil {
			return CompletionResponse{}, fmt.Errorf("gateway dial status %d: %w", res.StatusCode, err)
		}
		return CompletionResponse{}, fmt.Errorf("gateway dial: %w", err)
	}
	defer conn.Close()

	// Abandon the connection if the caller goes away mid-stream; the read
	// loop below unblocks on the closed socket.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-dialCtx.Done()
		_ = conn.Close()
	}()

	requestID := uuid.NewString()
	_ = conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	if err := conn.WriteJSON(gatewayGenerateFrame{
		Type:     "generate",
		ID:       requestID,
		Session:  req.SessionID,
		Messages: req.Messages,
	}); err != nil {
		return CompletionResponse{}, fmt.Errorf("gateway write: %w", err)
	}

	var out strings.Builder
	for {
		_ = conn.SetReadDeadline(time.Now().Add(gatewayReadTimeout))
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return CompletionResponse{}, ctx.Err()
			}
			return CompletionResponse{}, fmt.Errorf("gateway read: %w", err)
		}
		if frame.ID != "" && frame.ID != requestID {
			continue
		}

		switch frame.Type {
		case "delta":
			if frame.Text == "" {
				continue
			}
			out.WriteString(frame.Text)
			if onDelta != nil {
				if err := onDelta(frame.Text); err != nil {
					return CompletionResponse{}, err
				}
			}
		case "final":
			if out.Len() == 0 && frame.Text != "" {
				out.WriteString(frame.Text)
				if onDelta != nil {
					if err := onDelta(frame.Text); err != nil {
						return CompletionResponse{}, err
					}
				}
			}
			return CompletionResponse{Text: out.String()}, nil
		case "error":
			msg := frame.Error
			if msg == "" {
				msg = "gateway error"
			}
			return CompletionResponse{}, errors.New(msg)
		default:
			// Lifecycle/heartbeat frames pass through silently.
		}
	}
}
