package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebServer provides HTTP endpoints for health checking and live status.
type WebServer struct {
	controller *Controller
	server     *http.Server
	port       int
	startTime  time.Time
	upgrader   websocket.Upgrader
	clients    sync.Map
	broadcast  chan []byte
	done       chan struct{}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string           `json:"status"`
	Timestamp  string           `json:"timestamp"`
	Version    string           `json:"version,omitempty"`
	Controller ControllerHealth `json:"controller"`
	System     SystemHealth     `json:"system"`
}

// ControllerHealth represents controller-specific health information
type ControllerHealth struct {
	IsRunning       bool   `json:"is_running"`
	PlantsCount     int    `json:"plants_count"`
	BreakerCount    int    `json:"breaker_count"`
	DryRun          bool   `json:"dry_run"`
	CycleTime       string `json:"cycle_time"`
	ControlInterval string `json:"control_interval"`
}

// SystemHealth represents system-level health information
type SystemHealth struct {
	Uptime string `json:"uptime"`
}

// NewWebServer creates a new web server with health and status endpoints
func NewWebServer(controller *Controller, port int) *WebServer {
	if port <= 0 {
		return nil // Status server disabled
	}

	mux := http.NewServeMux()
	ws := &WebServer{
		controller: controller,
		port:       port,
		startTime:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/api/health", ws.healthHandler)
	mux.HandleFunc("/api/ready", ws.readinessHandler)
	mux.HandleFunc("/api/status", ws.statusHandler)
	mux.HandleFunc("/api/ws", ws.wsHandler)

	return ws
}

// Start starts the web server
func (ws *WebServer) Start() error {
	if ws == nil {
		return nil // Status server disabled
	}

	go ws.handleBroadcasts()
	go ws.broadcastStatus()

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Web server error: %v\n", err)
		}
	}()

	return nil
}

// Stop gracefully stops the web server
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws == nil {
		return nil // Status server disabled
	}

	close(ws.done)

	ws.clients.Range(func(key, value any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})

	return ws.server.Shutdown(ctx)
}

// healthHandler handles the /api/health endpoint
func (ws *WebServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := ws.buildHealth()
	if health.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// readinessHandler handles the /api/ready endpoint
func (ws *WebServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := ws.controller.GetStatus()

	ready := map[string]any{
		"ready":     status.IsRunning,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")

	if !status.IsRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(ready); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// statusHandler handles the /api/status endpoint (detailed status)
func (ws *WebServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ws.buildStatusData()); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// wsHandler handles WebSocket connections
func (ws *WebServer) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("WebSocket upgrade error: %v\n", err)
		return
	}

	ws.clients.Store(conn, true)

	// Send initial data immediately
	ws.sendStatusToClient(conn)

	defer func() {
		ws.clients.Delete(conn)
		conn.Close()
	}()

	// Read messages from client (ping/pong, close)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				fmt.Printf("WebSocket error: %v\n", err)
			}
			break
		}
	}
}

// handleBroadcasts sends messages to all connected clients
func (ws *WebServer) handleBroadcasts() {
	for {
		select {
		case message := <-ws.broadcast:
			ws.clients.Range(func(key, value any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}

				err := conn.WriteMessage(websocket.TextMessage, message)
				if err != nil {
					fmt.Printf("WebSocket write error: %v\n", err)
					conn.Close()
					ws.clients.Delete(conn)
				}
				return true
			})
		case <-ws.done:
			return
		}
	}
}

// broadcastStatus periodically broadcasts status updates
func (ws *WebServer) broadcastStatus() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hasClients := false
			ws.clients.Range(func(key, value any) bool {
				hasClients = true
				return false // Stop after finding first client
			})

			if hasClients {
				message, err := json.Marshal(ws.buildStatusData())
				if err != nil {
					fmt.Printf("Failed to marshal status data: %v\n", err)
					continue
				}
				ws.broadcast <- message
			}
		case <-ws.done:
			return
		}
	}
}

// sendStatusToClient sends status data to a specific client
func (ws *WebServer) sendStatusToClient(conn *websocket.Conn) {
	if err := conn.WriteJSON(ws.buildStatusData()); err != nil {
		fmt.Printf("Failed to send initial data: %v\n", err)
	}
}

func (ws *WebServer) buildHealth() HealthResponse {
	status := ws.controller.GetStatus()
	cfg := ws.controller.GetConfig()

	health := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   "1.0.0",
		Controller: ControllerHealth{
			IsRunning:       status.IsRunning,
			PlantsCount:     status.PlantsCount,
			BreakerCount:    len(status.Breaker),
			DryRun:          cfg.DryRun,
			CycleTime:       cfg.CycleTime.String(),
			ControlInterval: cfg.ControlInterval.String(),
		},
		System: SystemHealth{
			Uptime: formatUptime(time.Since(ws.startTime)),
		},
	}

	if !status.IsRunning {
		health.Status = "unhealthy"
	}
	return health
}

// buildStatusData builds combined health and status data
func (ws *WebServer) buildStatusData() map[string]any {
	status := ws.controller.GetStatus()

	return map[string]any{
		"type":   "status_update",
		"health": ws.buildHealth(),
		"status": map[string]any{
			"plants": map[string]any{
				"count": status.PlantsCount,
			},
			"regulators":   status.Regulators,
			"breaker":      status.Breaker,
			"clear_sky_kw": status.ClearSkyKW,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		},
	}
}

// formatUptime formats a duration as a string with seconds rounded to integer
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
