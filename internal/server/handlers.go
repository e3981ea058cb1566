// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, read-only debug views into the session store, and the built-in test
// page.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

type healthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	ConnectedUsers int       `json:"connectedUsers"`
	Version        string    `json:"version"`
}

type debugUsersResponse struct {
	Count int           `json:"count"`
	Users []RosterEntry `json:"users"`
}

type debugStatsResponse struct {
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Moods         map[string]int `json:"moods"`
	Memory        memoryStats    `json:"memory"`
	Goroutines    int            `json:"goroutines"`
}

type memoryStats struct {
	AllocBytes      uint64 `json:"allocBytes"`
	TotalAllocBytes uint64 `json:"totalAllocBytes"`
	SysBytes        uint64 `json:"sysBytes"`
	NumGC           uint32 `json:"numGC"`
}

// WebSocketHandler handles WebSocket upgrade requests and hands accepted
// connections to the hub, which launches the client's read/write pumps and
// triggers the initial roster delivery.
func (a *App) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	client := NewClient(conn, a.hub, a.dispatcher, r.RemoteAddr)
	a.hub.Register(client)
}

// HealthHandler reports server liveness along with the live session count.
// Read-only: it never mutates the session store.
func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.writeJSON(w, healthResponse{
		Status:         "ok",
		Timestamp:      time.Now().UTC(),
		ConnectedUsers: a.store.Len(),
		Version:        currentConfig().Version,
	})
}

// DebugUsersHandler enumerates the live sessions. Non-authoritative view for
// operators; never mutates the store.
func (a *App) DebugUsersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snapshot := a.store.Snapshot()
	a.writeJSON(w, debugUsersResponse{Count: len(snapshot), Users: snapshot})
}

// DebugStatsHandler reports the mood histogram, process uptime, and memory
// usage.
func (a *App) DebugStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	a.writeJSON(w, debugStatsResponse{
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		Moods:         a.store.MoodCounts(),
		Memory: memoryStats{
			AllocBytes:      m.Alloc,
			TotalAllocBytes: m.TotalAlloc,
			SysBytes:        m.Sys,
			NumGC:           m.NumGC,
		},
		Goroutines: runtime.NumGoroutine(),
	})
}

func (a *App) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("Error writing JSON response", slog.Any("error", err))
	}
}

// TestPageHandler serves a minimal HTML page for exercising the chat protocol
// by hand: join with an identity, send messages, and watch the roster.
func (a *App) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>MoodChat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; }
        input[type="text"] { width: 250px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; cursor: pointer; }
    </style>
</head>
<body>
    <h1>MoodChat Test</h1>
    <div>
        <input type="text" id="identity" placeholder="Identity (try alice_sun)">
        <button onclick="join()">Join</button>
        <button onclick="send({event:'logout'})">Logout</button>
    </div>
    <div>
        <input type="text" id="text" placeholder="Message...">
        <button onclick="message()">Send</button>
    </div>
    <div id="log"></div>
    <script>
        const log = document.getElementById('log');
        let ws = new WebSocket('ws://' + location.host + '/ws');
        ws.onmessage = function(ev) {
            const line = document.createElement('div');
            line.textContent = ev.data;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        };
        function send(env) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(env));
            }
        }
        function join() {
            send({event: 'join', payload: {identity: document.getElementById('identity').value}});
        }
        function message() {
            send({event: 'message', payload: {text: document.getElementById('text').value}});
            document.getElementById('text').value = '';
        }
    </script>
</body>
</html>`
	if _, err := w.Write([]byte(html)); err != nil {
		a.logger.Warn("Error writing HTML response", slog.Any("error", err))
	}
}
