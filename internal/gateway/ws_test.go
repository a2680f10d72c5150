package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pawnhub/arena-server/internal/store"
)

func dialWS(ctx context.Context, baseURL, userID string) (*websocket.Conn, error) {
	url := "ws" + strings.TrimPrefix(baseURL, "http")
	conn, _, err := websocket.Dial(ctx, url+"/ws?user_id="+userID, nil)
	return conn, err
}

func TestGatewayConnectSendsStateFrame(t *testing.T) {
	srv := NewServer(store.NewMemoryClient(nil), nil, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialWS(ctx, hs.URL, "u-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Type != "state" || f.State != "IDLE" {
		t.Fatalf("first frame = %+v, want idle state", f)
	}
}

func TestGatewayCapsConnections(t *testing.T) {
	srv := NewServer(store.NewMemoryClient(nil), nil, nil).WithMatchCapacity(1)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, err := dialWS(ctx, hs.URL, "u-1")
	if err != nil {
		t.Fatalf("Dial 1: %v", err)
	}
	defer c1.Close(websocket.StatusNormalClosure, "")
	c2, err := dialWS(ctx, hs.URL, "u-2")
	if err != nil {
		t.Fatalf("Dial 2: %v", err)
	}

	// one match's worth of players is in; the next connection is turned away
	if conn, err := dialWS(ctx, hs.URL, "u-3"); err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatalf("connection admitted beyond capacity")
	}

	// a departure frees the slot
	c2.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, err := dialWS(ctx, hs.URL, "u-3")
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never freed after disconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
