// Package notefeed subscribes to server-pushed note changes over a
// websocket. One subscription carries one user's stream.
package notefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/notesync/internal/notesync"
)

type Feed struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewFeed dials against baseURL, which may be http(s) or ws(s); http schemes
// are rewritten for the websocket handshake.
func NewFeed(baseURL, token string, httpClient *http.Client) *Feed {
	return &Feed{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (f *Feed) Subscribe(ctx context.Context, userID string) (notesync.ChangeSubscription, error) {
	endpoint, err := f.changeURL(userID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: f.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial change feed: %w", err)
	}
	return &subscription{conn: conn}, nil
}

func (f *Feed) changeURL(userID string) (string, error) {
	base := f.baseURL
	if base == "" {
		return "", notesync.ErrInvalidInput
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported feed scheme: %s", parsed.Scheme)
	}
	// Path carries the raw id and RawPath its escaped form, otherwise
	// String() would escape the percent signs a second time.
	prefix := strings.TrimRight(parsed.Path, "/")
	rawPrefix := strings.TrimRight(parsed.EscapedPath(), "/")
	parsed.Path = prefix + "/v1/users/" + userID + "/changes"
	parsed.RawPath = rawPrefix + "/v1/users/" + url.PathEscape(userID) + "/changes"
	return parsed.String(), nil
}

type subscription struct {
	conn *websocket.Conn
}

// wireEvent is the frame shape on the feed.
type wireEvent struct {
	Event string        `json:"event"`
	Note  notesync.Note `json:"note"`
}

func (s *subscription) Next(ctx context.Context) (notesync.ChangeEvent, error) {
	var frame wireEvent
	if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
		return notesync.ChangeEvent{}, err
	}
	return notesync.ChangeEvent{
		Event: notesync.ChangeEventType(frame.Event),
		Note:  frame.Note,
	}, nil
}

func (s *subscription) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}
