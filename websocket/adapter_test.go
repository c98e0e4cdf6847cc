package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boobalootoo/compals/domain"
	"github.com/boobalootoo/compals/hub"
	"github.com/boobalootoo/compals/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newTestServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	presence := hub.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		conn := NewConn(uuid.New().String(), ws)
		conn.Start(protocol.NewSession(presence, conn))
	}))
	t.Cleanup(srv.Close)

	return presence, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readUsers(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.UsersMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, domain.TypeUsers, msg.Type)
	return msg.Users
}

func waitForMembers(t *testing.T, presence *hub.Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, members := presence.Stats()
		return members == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_EndToEnd(t *testing.T) {
	presence, srv := newTestServer(t)

	alice := dial(t, srv)
	send(t, alice, `{"type":"join","room":"r1","name":"alice"}`)
	waitForMembers(t, presence, 1)

	aliceUpdate := `{"type":"update","lat":1,"lon":2}`
	send(t, alice, aliceUpdate)

	users := readUsers(t, alice)
	require.Len(t, users, 1)
	assert.JSONEq(t, aliceUpdate, string(users["alice"]))

	bob := dial(t, srv)
	send(t, bob, `{"type":"join","room":"r1","name":"bob"}`)
	waitForMembers(t, presence, 2)

	bobUpdate := `{"type":"update","lat":9,"lon":9}`
	send(t, bob, bobUpdate)

	for _, conn := range []*websocket.Conn{alice, bob} {
		users := readUsers(t, conn)
		require.Len(t, users, 2)
		assert.JSONEq(t, aliceUpdate, string(users["alice"]))
		assert.JSONEq(t, bobUpdate, string(users["bob"]))
	}

	// alice drops; the next snapshot bob triggers no longer mentions her.
	require.NoError(t, alice.Close())
	waitForMembers(t, presence, 1)

	send(t, bob, bobUpdate)
	users = readUsers(t, bob)
	require.Len(t, users, 1)
	assert.JSONEq(t, bobUpdate, string(users["bob"]))

	// bob drops; the room goes with him.
	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		rooms, _ := presence.Stats()
		return rooms == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_MalformedJoinIgnored(t *testing.T) {
	presence, srv := newTestServer(t)

	conn := dial(t, srv)
	send(t, conn, `{"type":"join","room":"r1"}`)
	send(t, conn, `{"type":"update","lat":1}`)
	send(t, conn, `garbage`)

	// Nothing above registers a member.
	time.Sleep(100 * time.Millisecond)
	_, members := presence.Stats()
	assert.Equal(t, 0, members)

	// The connection survived and can still join properly.
	send(t, conn, `{"type":"join","room":"r1","name":"alice"}`)
	waitForMembers(t, presence, 1)

	update := `{"type":"update","lat":1,"lon":2}`
	send(t, conn, update)

	users := readUsers(t, conn)
	require.Len(t, users, 1)
	assert.JSONEq(t, update, string(users["alice"]))
}

func TestRelay_RoomIsolation(t *testing.T) {
	presence, srv := newTestServer(t)

	alice := dial(t, srv)
	send(t, alice, `{"type":"join","room":"r1","name":"alice"}`)
	carol := dial(t, srv)
	send(t, carol, `{"type":"join","room":"r2","name":"carol"}`)
	waitForMembers(t, presence, 2)

	send(t, alice, `{"type":"update","lat":1}`)

	users := readUsers(t, alice)
	require.Len(t, users, 1)

	// carol sees nothing from r1.
	require.NoError(t, carol.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := carol.ReadMessage()
	assert.Error(t, err)
}
