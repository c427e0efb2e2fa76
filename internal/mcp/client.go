package mcp

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dial connects an MCP client to a websocket endpoint. http(s) URLs are
// rewritten to ws(s).
func Dial(ctx context.Context, rawurl, name, version string) (*sdk.ClientSession, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	client := sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil)
	sess, err := client.Connect(ctx, newWebSocketTransport(conn), nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	return sess, nil
}
