package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pillbox/laporbox/internal/schema"
)

// snapshotMessage is one frame of the live subscription: a full snapshot
// of the user's prescription collection after a change batch.
type snapshotMessage struct {
	Prescriptions []*schema.Prescription `json:"prescriptions"`
}

// wsSubscription reads collection snapshots from the store's websocket
// endpoint until the connection drops or Close is called.
type wsSubscription struct {
	conn    *websocket.Conn
	updates chan []*schema.Prescription
	cancel  context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

// Subscribe implements DocumentStore.Subscribe over a websocket at
// /users/{uid}/prescriptions/watch.
func (c *Client) Subscribe(ctx context.Context, userID string) (Subscription, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		fmt.Sprintf("/users/%s/prescriptions/watch", url.PathEscape(userID))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + c.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open live subscription: %w", err)
	}
	conn.SetReadLimit(8 << 20) // snapshots carry the whole collection

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &wsSubscription{
		conn:    conn,
		updates: make(chan []*schema.Prescription, 1),
		cancel:  cancel,
	}

	go sub.readLoop(readCtx, ctx)
	return sub, nil
}

// readLoop pumps snapshot frames into the updates channel.
func (s *wsSubscription) readLoop(readCtx, callerCtx context.Context) {
	defer close(s.updates)

	// Tear down when the caller's context ends.
	go func() {
		select {
		case <-callerCtx.Done():
			_ = s.Close()
		case <-readCtx.Done():
		}
	}()

	for {
		var msg snapshotMessage
		if err := wsjson.Read(readCtx, s.conn, &msg); err != nil {
			s.setErr(err)
			return
		}

		select {
		case s.updates <- msg.Prescriptions:
		case <-readCtx.Done():
			return
		}
	}
}

// Updates implements Subscription.Updates.
func (s *wsSubscription) Updates() <-chan []*schema.Prescription {
	return s.updates
}

// Err implements Subscription.Err.
func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.err
}

// Close implements Subscription.Close.
func (s *wsSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}

// setErr records the first terminal error, unless Close already won.
func (s *wsSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !s.closed {
		s.err = err
	}
}
