package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsPath = "/weft"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsBackend struct{}

// NewWS builds the message-over-HTTP-upgrade backend. Useful where only
// HTTP(S) egress is permitted.
func NewWS() Backend {
	return wsBackend{}
}

func (wsBackend) Kind() Kind { return KindWS }

func (wsBackend) Dial(ctx context.Context, addr string) (Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+wsPath, nil)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return newWsChannel(conn), nil
}

func (wsBackend) Listen(ctx context.Context, bind string) (Listener, error) {
	l, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}
	wl := &wsListener{
		l:        l,
		incoming: make(chan *wsChannel, 16),
		done:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, wl.handleWS)
	wl.srv = &http.Server{Handler: mux}
	go func() {
		_ = wl.srv.Serve(l)
	}()
	go func() {
		<-ctx.Done()
		_ = wl.Close()
	}()
	return wl, nil
}

type wsListener struct {
	l         net.Listener
	srv       *http.Server
	incoming  chan *wsChannel
	done      chan struct{}
	closeOnce sync.Once
}

func (l *wsListener) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.incoming <- newWsChannel(conn):
	case <-l.done:
		conn.Close()
	default:
		// accept queue full
		conn.Close()
	}
}

func (l *wsListener) Accept() (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.done:
		return nil, ErrChannelClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}

func (l *wsListener) Addr() string { return l.l.Addr().String() }

type wsChannel struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func newWsChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(b []byte) error {
	if len(b) == 0 || len(b) > MaxMessage {
		return ErrMessageSize
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, b)
	return classifyWsErr(err)
}

func (c *wsChannel) Receive() ([]byte, error) {
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, classifyWsErr(err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(msg) == 0 {
			continue
		}
		return msg, nil
	}
}

func (c *wsChannel) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsChannel) Kind() Kind         { return KindWS }
func (c *wsChannel) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *wsChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func classifyWsErr(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrChannelClosed
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return ErrChannelClosed
	}
	return classifyChanErr(err)
}
