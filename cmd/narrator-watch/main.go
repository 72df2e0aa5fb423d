// Command narrator-watch follows a running narrator in the terminal. It
// subscribes to the observer websocket and shows the block list with live
// status, the music under the voice and system notices.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "http://localhost:8700", "narrator base URL")
	flag.Parse()

	wsURL, err := streamURL(*addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -addr:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := tea.NewProgram(newModel(wsURL), tea.WithAltScreen(), tea.WithMouseCellMotion())
	go follow(ctx, wsURL, p.Send)

	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "narrator-watch:", err)
		os.Exit(1)
	}
}

// streamURL turns the narrator base URL into its observer websocket URL.
func streamURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

// follow keeps a websocket open and forwards every frame, reconnecting with
// backoff. Each new connection starts with a fresh snapshot.
func follow(ctx context.Context, wsURL string, send func(tea.Msg)) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 500 * time.Millisecond
	retry.MaxInterval = 10 * time.Second

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			send(disconnectedMsg{err: err})
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry.NextBackOff()):
			}
			continue
		}

		retry.Reset()
		send(connectedMsg{url: wsURL})
		err = read(conn, send)
		_ = conn.Close()
		send(disconnectedMsg{err: err})
	}
}

func read(conn *websocket.Conn, send func(tea.Msg)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		send(frameMsg(f))
	}
}
