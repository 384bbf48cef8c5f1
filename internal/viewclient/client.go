// Package viewclient is a scripted webview shell. It dials a bridge endpoint,
// answers evaluations, prompts and picks, and reports every frame it gets.
// Used for smoke runs against a live server and in tests.
package viewclient

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/EchoPBX/agentweb-bridge/internal/hostview"
	"github.com/EchoPBX/agentweb-bridge/pkg/sdk"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const TopicFrame = "view.frame"

var ErrNotConnected = errors.New("viewclient: not connected")

type Options struct {
	URL      string
	Header   http.Header
	Insecure bool
	// Grant is the answer given to every system prompt.
	Grant bool
	// Picks is returned for every file pick.
	Picks   []string
	OnFrame func(hostview.Frame)
	Bus     sdk.Bus
	Log     *zap.Logger
	// Retry is the pause between dial attempts. Zero disables reconnecting.
	Retry time.Duration
}

type Client struct {
	o   Options
	log *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(o Options) *Client {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Header == nil {
		o.Header = http.Header{}
	}
	if o.Header.Get("User-Agent") == "" {
		o.Header.Set("User-Agent", "agentweb-view")
	}
	return &Client{o: o, log: o.Log}
}

// Run connects and serves frames. It returns nil once the host closes the
// view, or ctx's error.
func (c *Client) Run(ctx context.Context) error {
	d := websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: c.o.Insecure}}
	for {
		conn, _, err := d.DialContext(ctx, c.o.URL, c.o.Header)
		if err != nil {
			c.log.Warn("view dial failed", zap.Error(err))
			if c.o.Retry <= 0 {
				return err
			}
			if !c.sleep(ctx, c.o.Retry) {
				return ctx.Err()
			}
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info("view connected", zap.String("url", c.o.URL))

		closed := c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		if closed {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.o.Retry <= 0 {
			return ErrNotConnected
		}
		if !c.sleep(ctx, c.o.Retry) {
			return ctx.Err()
		}
	}
}

// serve reads until the connection drops; true means the host closed the view.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) bool {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var f hostview.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.log.Debug("view read", zap.Error(err))
			return false
		}
		c.report(f)
		switch f.Op {
		case hostview.OpEvaluate:
			_ = c.Send(hostview.Frame{Op: hostview.OpEvaluateResult, ID: f.ID, Result: "null"})
		case hostview.OpSystemPrompt:
			granted := c.o.Grant
			_ = c.Send(hostview.Frame{Op: hostview.OpSystemPromptResult, Capability: f.Capability, Granted: &granted})
		case hostview.OpPickFile:
			_ = c.Send(hostview.Frame{Op: hostview.OpFilePicked, ID: f.ID, URIs: c.o.Picks})
		case hostview.OpClose:
			return true
		}
	}
}

func (c *Client) report(f hostview.Frame) {
	if c.o.Bus != nil {
		c.o.Bus.Publish(sdk.Event{Type: TopicFrame, Data: map[string]any{"op": f.Op, "frame": f}})
	}
	if c.o.OnFrame != nil {
		c.o.OnFrame(f)
	}
}

// Send writes a frame to the host.
func (c *Client) Send(f hostview.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(f)
}

// CallNative sends an envelope the way content would.
func (c *Client) CallNative(eventType string, data map[string]any) error {
	b, err := sdk.Encode(eventType, data)
	if err != nil {
		return err
	}
	return c.Send(hostview.Frame{Op: hostview.OpCallNative, Message: string(b)})
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
