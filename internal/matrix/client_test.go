package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method, path, userID, auth string
	body                       map[string]any
}

type fakeHomeserver struct {
	mu       sync.Mutex
	requests []recorded
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recorded{
		method: r.Method,
		path:   strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3"),
		userID: r.URL.Query().Get("user_id"),
		auth:   r.Header.Get("Authorization"),
	}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &rec.body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	if f.handle != nil {
		f.handle(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{}`)
}

func (f *fakeHomeserver) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, hs *fakeHomeserver) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(srv.URL+"/", "as-token", 0)
	require.NoError(t, err)
	return c
}

func TestHTTPClientWhoAmI(t *testing.T) {
	hs := &fakeHomeserver{handle: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"user_id":"@callbridge:example.org"}`)
	}}
	c := newTestClient(t, hs)

	got, err := c.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "@callbridge:example.org", got)

	req := hs.last()
	assert.Equal(t, "/account/whoami", req.path)
	assert.Equal(t, "Bearer as-token", req.auth)
	assert.Empty(t, req.userID)
}

func TestHTTPClientCreateUserIgnoresUserInUse(t *testing.T) {
	hs := &fakeHomeserver{handle: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errcode":"M_USER_IN_USE","error":"taken"}`)
	}}
	c := newTestClient(t, hs)

	require.NoError(t, c.CreateUser(context.Background(), "_voip_1"))
	req := hs.last()
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/register", req.path)
	assert.Equal(t, "_voip_1", req.body["username"])
	assert.Equal(t, "m.login.application_service", req.body["type"])
	assert.Equal(t, true, req.body["inhibit_login"])
	assert.Empty(t, req.userID)
}

func TestHTTPClientErrors(t *testing.T) {
	hs := &fakeHomeserver{handle: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"errcode":"M_FORBIDDEN","error":"not in room"}`)
	}}
	c := newTestClient(t, hs)

	err := c.JoinRoom(context.Background(), "@_voip_1:example.org", "!r:example.org")
	require.Error(t, err)
	assert.True(t, IsCode(err, "M_FORBIDDEN"))
	assert.False(t, IsCode(err, "M_NOT_FOUND"))
	assert.Equal(t, "/rooms/!r:example.org/join", hs.last().path)
	assert.Equal(t, "@_voip_1:example.org", hs.last().userID)

	hs.handle = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "upstream down")
	}
	err = c.LeaveRoom(context.Background(), "@_voip_1:example.org", "!r:example.org")
	require.Error(t, err)
	assert.False(t, IsCode(err, "M_FORBIDDEN"))
	assert.False(t, IsCode(nil, "M_FORBIDDEN"))
}

func TestHTTPClientReusesVirtualUserClient(t *testing.T) {
	c := newTestClient(t, &fakeHomeserver{})

	a, err := c.as("@_voip_1:example.org")
	require.NoError(t, err)
	b, err := c.as("@_voip_1:example.org")
	require.NoError(t, err)
	service, err := c.as("")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, service)
	assert.True(t, a.SetAppServiceUserID)
	assert.False(t, service.SetAppServiceUserID)
}

func TestHTTPClientSendEventMasquerades(t *testing.T) {
	hs := &fakeHomeserver{handle: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"event_id":"$abc"}`)
	}}
	c := newTestClient(t, hs)

	id, err := c.SendEvent(context.Background(), "@_voip_1:example.org", "!r:example.org", "m.call.hangup",
		map[string]any{"call_id": "c1", "version": 0})
	require.NoError(t, err)
	assert.Equal(t, "$abc", id)

	req := hs.last()
	assert.Equal(t, http.MethodPut, req.method)
	assert.True(t, strings.HasPrefix(req.path, "/rooms/!r:example.org/send/m.call.hangup/"), req.path)
	assert.Equal(t, "@_voip_1:example.org", req.userID)
	assert.Equal(t, "c1", req.body["call_id"])
}

func TestHTTPClientJoinedMembers(t *testing.T) {
	hs := &fakeHomeserver{handle: func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"joined":{"@a:example.org":{},"@_voip_1:example.org":{"display_name":"1 (Bridge)"}}}`)
	}}
	c := newTestClient(t, hs)

	members, err := c.JoinedMembers(context.Background(), "!r:example.org")
	require.NoError(t, err)
	sort.Strings(members)
	assert.Equal(t, []string{"@_voip_1:example.org", "@a:example.org"}, members)
}

func TestHTTPClientSetDisplayName(t *testing.T) {
	hs := &fakeHomeserver{}
	c := newTestClient(t, hs)

	require.NoError(t, c.SetDisplayName(context.Background(), "@_voip_1:example.org", "1 (Bridge)"))
	req := hs.last()
	assert.Equal(t, "/profile/@_voip_1:example.org/displayname", req.path)
	assert.Equal(t, "@_voip_1:example.org", req.userID)
	assert.Equal(t, "1 (Bridge)", req.body["displayname"])
}
