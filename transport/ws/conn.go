package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

const writeTimeout = 5 * time.Second

// Frame types exchanged over the session socket.
const (
	frameChallenge = "challenge"
	frameEcho      = "echo"
	frameResult    = "result"
	frameComplete  = "complete"
	frameError     = "error"
)

type challengeFrame struct {
	Type  string `json:"type"`
	Index uint32 `json:"index"`
	Nonce string `json:"nonce"`
	TTLMs int64  `json:"ttlMs"`
}

type echoFrame struct {
	Type            string `json:"type"`
	Index           uint32 `json:"index"`
	Nonce           string `json:"nonce"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

type resultFrame struct {
	Type      string `json:"type"`
	Index     uint32 `json:"index"`
	RTTMs     int32  `json:"rttMs"`
	Valid     bool   `json:"valid"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

type completeFrame struct {
	Type        string           `json:"type"`
	EpochID     uint64           `json:"epochId"`
	Root        string           `json:"root"`
	Eligibility core.Eligibility `json:"eligibility"`
	Receipt     string           `json:"receipt,omitempty"`
}

type errorFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// sessionConn adapts a websocket connection to the session port.
// Gorilla supports one concurrent writer, so every send holds mu.
type sessionConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ ports.SessionConn = (*sessionConn)(nil)

func newSessionConn(conn *websocket.Conn) *sessionConn {
	return &sessionConn{conn: conn}
}

func (c *sessionConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *sessionConn) SendChallenge(index uint32, nonce core.Nonce, ttlMs int64) error {
	return c.writeJSON(challengeFrame{
		Type:  frameChallenge,
		Index: index,
		Nonce: nonce.String(),
		TTLMs: ttlMs,
	})
}

func (c *sessionConn) SendResult(index uint32, rttMs int32, valid bool, completed, total int) error {
	return c.writeJSON(resultFrame{
		Type:      frameResult,
		Index:     index,
		RTTMs:     rttMs,
		Valid:     valid,
		Completed: completed,
		Total:     total,
	})
}

func (c *sessionConn) SendComplete(epochID uint64, root core.Hash, eligibility core.Eligibility, receipt string) error {
	return c.writeJSON(completeFrame{
		Type:        frameComplete,
		EpochID:     epochID,
		Root:        root.String(),
		Eligibility: eligibility,
		Receipt:     receipt,
	})
}

func (c *sessionConn) SendError(reason string) error {
	return c.writeJSON(errorFrame{Type: frameError, Reason: reason})
}

func (c *sessionConn) Close() error {
	return c.conn.Close()
}
