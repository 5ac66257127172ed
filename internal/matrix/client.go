package matrix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client is the subset of the homeserver client-server API the bridge uses.
// asUser selects the virtual user to act as; empty means the service user.
type Client interface {
	WhoAmI(ctx context.Context) (string, error)
	CreateUser(ctx context.Context, localpart string) error
	SetDisplayName(ctx context.Context, userID, name string) error
	JoinRoom(ctx context.Context, asUser, roomID string) error
	LeaveRoom(ctx context.Context, asUser, roomID string) error
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
	SendEvent(ctx context.Context, asUser, roomID, eventType string, content any) (string, error)
}

// IsCode reports whether err is a homeserver error with the given errcode.
func IsCode(err error, code string) bool {
	return err != nil && errors.Is(err, mautrix.RespError{ErrCode: code})
}

// HTTPClient talks to the homeserver with the application service token.
// Requests on behalf of virtual users carry the user_id masquerade parameter.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client

	service *mautrix.Client

	mu    sync.Mutex
	users map[string]*mautrix.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the homeserver at baseURL.
func NewHTTPClient(baseURL, asToken string, timeout time.Duration) (*HTTPClient, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   asToken,
		http:    &http.Client{Timeout: timeout},
		users:   make(map[string]*mautrix.Client),
	}
	service, err := c.newClient("")
	if err != nil {
		return nil, err
	}
	c.service = service
	return c, nil
}

func (c *HTTPClient) newClient(userID string) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(c.baseURL, id.UserID(userID), c.token)
	if err != nil {
		return nil, fmt.Errorf("homeserver client: %w", err)
	}
	cli.Client = c.http
	cli.SetAppServiceUserID = userID != ""
	return cli, nil
}

// as returns the client acting as userID, or the service client for "".
func (c *HTTPClient) as(userID string) (*mautrix.Client, error) {
	if userID == "" {
		return c.service, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.users[userID]; ok {
		return cli, nil
	}
	cli, err := c.newClient(userID)
	if err != nil {
		return nil, err
	}
	c.users[userID] = cli
	return cli, nil
}

func (c *HTTPClient) WhoAmI(ctx context.Context) (string, error) {
	resp, err := c.service.Whoami(ctx)
	if err != nil {
		return "", err
	}
	return resp.UserID.String(), nil
}

// CreateUser registers localpart. An already registered user is not an error.
func (c *HTTPClient) CreateUser(ctx context.Context, localpart string) error {
	_, _, err := c.service.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if errors.Is(err, mautrix.MUserInUse) {
		return nil
	}
	return err
}

func (c *HTTPClient) SetDisplayName(ctx context.Context, userID, name string) error {
	cli, err := c.as(userID)
	if err != nil {
		return err
	}
	return cli.SetDisplayName(ctx, name)
}

func (c *HTTPClient) JoinRoom(ctx context.Context, asUser, roomID string) error {
	cli, err := c.as(asUser)
	if err != nil {
		return err
	}
	_, err = cli.JoinRoomByID(ctx, id.RoomID(roomID))
	return err
}

func (c *HTTPClient) LeaveRoom(ctx context.Context, asUser, roomID string) error {
	cli, err := c.as(asUser)
	if err != nil {
		return err
	}
	_, err = cli.LeaveRoom(ctx, id.RoomID(roomID))
	return err
}

func (c *HTTPClient) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := c.service.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID.String())
	}
	return members, nil
}

func (c *HTTPClient) SendEvent(ctx context.Context, asUser, roomID, eventType string, content any) (string, error) {
	cli, err := c.as(asUser)
	if err != nil {
		return "", err
	}
	evType := event.Type{Type: eventType, Class: event.MessageEventType}
	resp, err := cli.SendMessageEvent(ctx, id.RoomID(roomID), evType, content)
	if err != nil {
		return "", err
	}
	return resp.EventID.String(), nil
}
