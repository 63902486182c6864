package pingmark

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layer-3/pingmark/core"
)

// Result is the outcome of one attestation session as reported by the
// server's terminal frame.
type Result struct {
	EpochID     uint64
	Root        string
	Eligibility core.Eligibility
	Receipt     string

	// Echoed holds the per-challenge results seen before completion,
	// keyed by challenge index.
	Echoed map[uint32]EchoResult
}

// EchoResult is the server's verdict for one echoed challenge.
type EchoResult struct {
	RTTMs int32
	Valid bool
}

// Client connects to an attestation server, answers its timed challenges
// as fast as it can, and returns the session outcome.
type Client struct {
	url    string
	dialer *websocket.Dialer
}

// NewClient creates a client for the given websocket base URL, e.g.
// "ws://localhost:9000".
func NewClient(baseURL string) *Client {
	return &Client{
		url:    baseURL,
		dialer: websocket.DefaultDialer,
	}
}

type frame struct {
	Type        string           `json:"type"`
	Index       uint32           `json:"index"`
	Nonce       string           `json:"nonce"`
	TTLMs       int64            `json:"ttlMs"`
	RTTMs       int32            `json:"rttMs"`
	Valid       bool             `json:"valid"`
	Completed   int              `json:"completed"`
	Total       int              `json:"total"`
	EpochID     uint64           `json:"epochId"`
	Root        string           `json:"root"`
	Eligibility core.Eligibility `json:"eligibility"`
	Receipt     string           `json:"receipt"`
	Reason      string           `json:"reason"`
}

type clientEcho struct {
	Type            string `json:"type"`
	Index           uint32 `json:"index"`
	Nonce           string `json:"nonce"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

// Attest runs a full session for clientID. It blocks until the server
// sends the terminal frame, the context is canceled, or the connection
// drops.
func (c *Client) Attest(ctx context.Context, clientID string) (*Result, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url+"/session/"+clientID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial session socket: %w", err)
	}
	defer conn.Close()

	// Unblock the read loop when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	result := &Result{Echoed: make(map[uint32]EchoResult)}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("session connection lost: %w", err)
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("malformed server frame: %w", err)
		}

		switch f.Type {
		case "challenge":
			echo := clientEcho{
				Type:            "echo",
				Index:           f.Index,
				Nonce:           f.Nonce,
				ClientTimestamp: time.Now().UnixMilli(),
			}
			if err := conn.WriteJSON(echo); err != nil {
				return nil, fmt.Errorf("failed to send echo: %w", err)
			}
		case "result":
			result.Echoed[f.Index] = EchoResult{RTTMs: f.RTTMs, Valid: f.Valid}
		case "complete":
			result.EpochID = f.EpochID
			result.Root = f.Root
			result.Eligibility = f.Eligibility
			result.Receipt = f.Receipt
			return result, nil
		case "error":
			return nil, fmt.Errorf("session rejected: %s", f.Reason)
		}
	}
}
