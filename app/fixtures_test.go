package directchat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/directchat/core"
	"github.com/stretchr/testify/require"
)

var (
	testSecret  = []byte("directchat-test-secret")
	baseTimeout = 2 * time.Second
	drivers     = []string{SQLiteDriver, BadgerDriver}
)

func testConfig(t *testing.T, driver string) *Config {
	config, err := (&DefaultConfigLoader{}).Load()
	require.Nil(t, err)
	config.Auth.Secret = testSecret
	config.Storage.Driver = driver
	config.Storage.SQLiteFile = filepath.Join(t.TempDir(), "chat.db")
	config.Storage.BadgerDir = t.TempDir()
	config.RateLimit.MessagesPerSecond = 0
	return config
}

type appFixture struct {
	app      *App
	server   *httptest.Server
	t        *testing.T
	tearDown func()
}

func setUpAppFixture(t *testing.T, config *Config) *appFixture {
	app, err := New(context.Background(), config, WithLogOutput(io.Discard))
	require.Nil(t, err)
	app.run()

	server := httptest.NewServer(app.Handler())
	f := &appFixture{app: app, server: server, t: t}
	f.tearDown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		require.Nil(t, app.shutdown(ctx))
		server.Close()
	}
	return f
}

// forEachDriver runs f against a fresh app for every storage driver.
func forEachDriver(t *testing.T, configure func(*Config), f func(t *testing.T, fx *appFixture)) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			config := testConfig(t, driver)
			if configure != nil {
				configure(config)
			}
			fx := setUpAppFixture(t, config)
			defer fx.tearDown()
			f(t, fx)
		})
	}
}

type participantClient struct {
	participant string
	token       string
	fx          *appFixture
}

func (f *appFixture) client(participant string) *participantClient {
	token, _, err := core.NewToken(participant, time.Hour, testSecret)
	require.Nil(f.t, err)
	return &participantClient{participant: participant, token: token, fx: f}
}

func (c *participantClient) do(t *testing.T, method, path string, body any) *http.Response {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf := bytes.NewBuffer(nil)
		require.Nil(t, json.NewEncoder(buf).Encode(b))
		r = buf
	}

	req, err := http.NewRequest(method, c.fx.server.URL+path, r)
	require.Nil(t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.fx.server.Client().Do(req)
	require.Nil(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	var v T
	require.Nil(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func (c *participantClient) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(c.fx.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Authorization": {"Bearer " + c.token},
	})
	require.Nil(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEventOfType reads events until one of the given type arrives.
func readEventOfType(t *testing.T, conn *websocket.Conn, eventType string) core.Event {
	deadline := time.Now().Add(baseTimeout)
	for {
		conn.SetReadDeadline(deadline)
		var e core.Event
		_, r, err := conn.NextReader()
		require.Nil(t, err, "waiting for %q", eventType)
		require.Nil(t, core.DecodeEvent(r, &e))
		if e.Type == eventType {
			return e
		}
	}
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	b, err := json.Marshal(payload)
	require.Nil(t, err)
	require.Nil(t, conn.WriteJSON(core.Event{Type: eventType, Payload: b}))
}
