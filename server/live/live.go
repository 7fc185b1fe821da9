package live

import (
	"net/http"
	"sync"
	"time"

	"github.com/clipvault/clipvault/server/auth"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Number of frames that we will buffer per viewer before dropping frames.
// A viewer on a slow link gets a choppy picture instead of an ever-growing lag.
const viewerSendBufferSize = 50

// A viewer whose socket won't accept a frame within this time gets dropped,
// instead of wedging its handler goroutine until the kernel gives up.
const defaultViewerWriteTimeout = 10 * time.Second

// Hub relays live frames from one publisher (the capture device) to any number
// of viewers, per owner. Frames are opaque binary websocket messages; we never
// decode them. Owners are fully isolated: a viewer only ever sees frames from
// the publisher that authenticated as the same user.
type Hub struct {
	log          logs.Log
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu       sync.Mutex
	channels map[int64]*channel
}

type channel struct {
	publisher      *websocket.Conn
	viewers        map[*viewer]bool
	nFramesSent    int64
	nFramesDropped int64
	lastDropMsg    time.Time
}

type viewer struct {
	send chan []byte
	done chan struct{} // closed exactly once, when the viewer is removed
}

func NewHub(log logs.Log) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			// Authentication has already happened by the time we upgrade
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: defaultViewerWriteTimeout,
		channels:     map[int64]*channel{},
	}
}

// The capture device pushes frames here
func (h *Hub) HttpPublish(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader has already written the HTTP error
		h.log.Infof("Live publish upgrade failed (owner %v): %v", cred.UserID, err)
		return
	}
	h.setPublisher(cred.UserID, conn)
	h.log.Infof("Live publisher connected (owner %v)", cred.UserID)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType == websocket.BinaryMessage {
			h.broadcast(cred.UserID, data)
		}
	}
	h.clearPublisher(cred.UserID, conn)
	conn.Close()
	h.log.Infof("Live publisher disconnected (owner %v)", cred.UserID)
}

// A browser watches the owner's live stream here
func (h *Hub) HttpWatch(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Infof("Live watch upgrade failed (owner %v): %v", cred.UserID, err)
		return
	}
	v := &viewer{
		send: make(chan []byte, viewerSendBufferSize),
		done: make(chan struct{}),
	}
	h.addViewer(cred.UserID, v)

	// Read pump. We expect nothing from viewers, but reading is how we learn
	// about close frames and dead connections.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.removeViewer(cred.UserID, v)
	}()

	for alive := true; alive; {
		select {
		case data := <-v.send:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				h.removeViewer(cred.UserID, v)
				alive = false
			}
		case <-v.done:
			alive = false
		}
	}
	conn.Close()
}

func (h *Hub) channelForOwner(ownerID int64) *channel {
	ch := h.channels[ownerID]
	if ch == nil {
		ch = &channel{viewers: map[*viewer]bool{}}
		h.channels[ownerID] = ch
	}
	return ch
}

func (h *Hub) setPublisher(ownerID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channelForOwner(ownerID)
	if ch.publisher != nil {
		// A device reconnect beat the old connection's teardown
		ch.publisher.Close()
	}
	ch.publisher = conn
}

func (h *Hub) clearPublisher(ownerID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[ownerID]
	if ch != nil && ch.publisher == conn {
		ch.publisher = nil
	}
}

func (h *Hub) addViewer(ownerID int64, v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelForOwner(ownerID).viewers[v] = true
}

func (h *Hub) removeViewer(ownerID int64, v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[ownerID]
	if ch != nil && ch.viewers[v] {
		delete(ch.viewers, v)
		close(v.done)
	}
}

func (h *Hub) broadcast(ownerID int64, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := h.channels[ownerID]
	if ch == nil {
		return
	}
	for v := range ch.viewers {
		select {
		case v.send <- frame:
			ch.nFramesSent++
		default:
			ch.nFramesDropped++
		}
	}
	if ch.nFramesDropped != 0 && time.Now().Sub(ch.lastDropMsg) > 5*time.Second {
		h.log.Infof("Live relay owner %v: dropped %v/%v frames", ownerID, ch.nFramesDropped, ch.nFramesDropped+ch.nFramesSent)
		ch.lastDropMsg = time.Now()
	}
}
