package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	sse "github.com/r3labs/sse/v2"
)

const sseBufferSize = 1 << 16 // 64KB

var (
	headerData  = []byte("data:")
	headerEvent = []byte("event:")

	eventTypeNext     = []byte("next")
	eventTypeError    = []byte("error")
	eventTypeComplete = []byte("complete")
)

// SSEDialer subscribes over Server-Sent Events: one long-lived POST whose
// body streams `event:`/`data:` frames per the GraphQL-over-SSE protocol.
type SSEDialer struct {
	client *http.Client
}

func NewSSEDialer(client *http.Client) *SSEDialer {
	if client == nil {
		client = &http.Client{}
	}
	return &SSEDialer{client: client}
}

func (d *SSEDialer) Dial(ctx context.Context, url string, req Request) (Conn, error) {
	body, err := json.Marshal(struct {
		Query         string          `json:"query"`
		OperationName string          `json:"operationName,omitempty"`
		Variables     json.RawMessage `json:"variables,omitempty"`
	}{Query: req.Query, OperationName: req.OperationName, Variables: req.Variables})
	if err != nil {
		return nil, err
	}

	// the stream must outlive the dial context; cancellation happens in Close
	streamCtx, cancel := context.WithCancel(context.Background())
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "dialing subscription endpoint %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, errors.Errorf("subscription endpoint returned status %d", resp.StatusCode)
	}

	c := &sseConn{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan Event, eventBufferSize),
	}
	go c.readLoop()
	return c, nil
}

type sseConn struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Event
}

func (c *sseConn) Events() <-chan Event { return c.events }

func (c *sseConn) readLoop() {
	defer close(c.events)
	reader := sse.NewEventStreamReader(c.body, sseBufferSize)

	for {
		msg, err := reader.ReadEvent()
		if err != nil {
			// EOF or canceled stream; the bridge decides whether to reconnect
			return
		}
		if len(msg) == 0 {
			continue
		}

		var eventType []byte
		var data []byte
		lines := bytes.FieldsFunc(msg, func(r rune) bool { return r == '\n' || r == '\r' })
		for _, line := range lines {
			switch {
			case bytes.HasPrefix(line, headerEvent):
				eventType = bytes.TrimSpace(line[len(headerEvent):])
			case bytes.HasPrefix(line, headerData):
				data = bytes.TrimSpace(line[len(headerData):])
			case bytes.HasPrefix(line, []byte(":")):
				// comment line, keep-alive
			}
		}

		switch {
		case bytes.Equal(eventType, eventTypeError):
			c.events <- Event{Kind: EventError, Payload: json.RawMessage(data)}
			return
		case bytes.Equal(eventType, eventTypeComplete):
			c.events <- Event{Kind: EventComplete}
			return
		case len(eventType) == 0 || bytes.Equal(eventType, eventTypeNext):
			if len(data) == 0 {
				continue
			}
			c.events <- Event{Kind: EventData, Payload: json.RawMessage(data)}
		}
	}
}

func (c *sseConn) Close(ctx context.Context) error {
	c.cancel()
	err := c.body.Close()
	// wait for the read loop to drain, bounded by ctx
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return err
			}
		case <-ctx.Done():
			return err
		}
	}
}
