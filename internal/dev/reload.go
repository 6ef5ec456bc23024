package dev

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LiveAction is the kind of a live-update message.
type LiveAction string

const (
	LiveBuilding LiveAction = "building"
	LiveBuilt    LiveAction = "built"
	LiveErrors   LiveAction = "errors"
	LiveSync     LiveAction = "sync"
)

// LiveMessage is sent to browsers via WebSocket.
type LiveMessage struct {
	Action   LiveAction `json:"action"`
	Hash     string     `json:"hash,omitempty"`
	ID       string     `json:"id,omitempty"`
	State    string     `json:"state,omitempty"`
	Errors   []Message  `json:"errors,omitempty"`
	Warnings []Message  `json:"warnings,omitempty"`
}

// LiveMessageFor returns the message announcing stats.
func LiveMessageFor(stats *Stats) LiveMessage {
	if stats.HasErrors() {
		return LiveMessage{Action: LiveErrors, ID: stats.ID, Errors: stats.Errors, Warnings: stats.Warnings}
	}
	return LiveMessage{Action: LiveBuilt, ID: stats.ID, Hash: stats.Hash, Warnings: stats.Warnings}
}

const liveWriteTimeout = 5 * time.Second

// LiveServer manages WebSocket connections for live updates.
type LiveServer struct {
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.RWMutex
	closed   bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *Metrics

	// onConnect returns the message sent to a client right after it connects.
	onConnect func() LiveMessage
}

// NewLiveServer creates a new live-update server.
func NewLiveServer(logger *slog.Logger, metrics *Metrics, onConnect func() LiveMessage) *LiveServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveServer{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in dev
			},
		},
		logger:    logger,
		metrics:   metrics,
		onConnect: onConnect,
	}
}

// HandleWebSocket handles WebSocket upgrade and connection.
func (s *LiveServer) HandleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	lock := &sync.Mutex{}
	s.clients[conn] = lock
	count := len(s.clients)
	s.mu.Unlock()
	s.metrics.LiveClients(count)

	if s.onConnect != nil {
		if data, err := json.Marshal(s.onConnect()); err == nil {
			if err := s.write(conn, lock, data); err != nil {
				s.drop(conn)
				return
			}
		}
	}

	// Keep connection alive until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.drop(conn)
}

// Broadcast sends msg to all clients, dropping those whose write fails.
func (s *LiveServer) Broadcast(msg LiveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode live message", "error", err)
		return
	}

	s.mu.RLock()
	type target struct {
		conn *websocket.Conn
		lock *sync.Mutex
	}
	targets := make([]target, 0, len(s.clients))
	for conn, lock := range s.clients {
		targets = append(targets, target{conn, lock})
	}
	s.mu.RUnlock()

	for _, t := range targets {
		if err := s.write(t.conn, t.lock, data); err != nil {
			s.drop(t.conn)
		}
	}
}

func (s *LiveServer) write(conn *websocket.Conn, lock *sync.Mutex, data []byte) error {
	lock.Lock()
	defer lock.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *LiveServer) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.mu.Unlock()

	if ok {
		conn.Close()
		s.metrics.LiveClients(count)
	}
}

// ClientCount returns the number of connected clients.
func (s *LiveServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close closes all client connections and rejects new ones. Unless force
// is set, each client first gets a CloseGoingAway frame; the frames are
// written concurrently so one stalled peer cannot hold up the rest.
func (s *LiveServer) Close(force bool) {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*websocket.Conn]*sync.Mutex)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for conn, lock := range clients {
		if force {
			conn.Close()
			continue
		}
		wg.Add(1)
		go func(conn *websocket.Conn, lock *sync.Mutex) {
			defer wg.Done()
			lock.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "dev server restarting"),
				time.Now().Add(time.Second))
			lock.Unlock()
			conn.Close()
		}(conn, lock)
	}
	wg.Wait()
	s.metrics.LiveClients(0)
}

// LiveClientScript is served at /__hotserve/client.js. Pages include it with
// a classic script tag pointing at the client dev listener.
const LiveClientScript = `(function () {
  'use strict';

  var reconnectDelay = 1000;
  var maxReconnectDelay = 30000;
  var currentHash = null;
  var src = document.currentScript ? new URL(document.currentScript.src) : location;

  function connect() {
    var protocol = src.protocol === 'https:' ? 'wss:' : 'ws:';
    var ws = new WebSocket(protocol + '//' + src.host + '/__hotserve/live');

    ws.onopen = function () {
      reconnectDelay = 1000;
    };

    ws.onmessage = function (e) {
      var msg;
      try {
        msg = JSON.parse(e.data);
      } catch (err) {
        return;
      }

      switch (msg.action) {
        case 'building':
          console.log('[hotserve] rebuilding...');
          break;

        case 'sync':
          if (currentHash === null) {
            currentHash = msg.hash || '';
          } else if (msg.hash && msg.hash !== currentHash) {
            location.reload();
          }
          break;

        case 'built':
          clearErrorOverlay();
          if (currentHash !== null && msg.hash !== currentHash) {
            location.reload();
          }
          currentHash = msg.hash;
          break;

        case 'errors':
          showErrorOverlay(msg.errors || []);
          break;
      }
    };

    ws.onclose = function () {
      setTimeout(function () {
        reconnectDelay = Math.min(reconnectDelay * 2, maxReconnectDelay);
        connect();
      }, reconnectDelay);
    };
  }

  function showErrorOverlay(errors) {
    clearErrorOverlay();

    var overlay = document.createElement('div');
    overlay.id = 'hotserve-error-overlay';
    overlay.style.cssText = 'position:fixed;top:0;left:0;right:0;bottom:0;background:rgba(0,0,0,0.9);color:#fff;font-family:monospace;font-size:14px;padding:20px;overflow:auto;z-index:999999;';

    var title = document.createElement('h2');
    title.style.cssText = 'color:#ff5555;margin:0 0 20px;';
    title.textContent = 'Build Error';
    overlay.appendChild(title);

    errors.forEach(function (err) {
      var pre = document.createElement('pre');
      pre.style.cssText = 'white-space:pre-wrap;background:#1a1a1a;padding:20px;border-radius:8px;border:1px solid #333;';
      pre.textContent = (err.file ? err.file + ':' + err.line + ':' + err.column + ': ' : '') + err.text;
      overlay.appendChild(pre);
    });

    document.body.appendChild(overlay);
  }

  function clearErrorOverlay() {
    var overlay = document.getElementById('hotserve-error-overlay');
    if (overlay) {
      overlay.remove();
    }
  }

  connect();
})();
`
