package server

import (
	"fmt"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster fans job progress events out to SSE subscribers.
type Broadcaster struct {
	clients map[string]*sseClient
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates an SSE broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[string]*sseClient)}
}

func (b *Broadcaster) addClient(w http.ResponseWriter) (*sseClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &sseClient{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("client_id", id).Int("total_clients", clientCount).Msg("SSE client connected")
	return client, nil
}

func (b *Broadcaster) removeClient(client *sseClient) {
	b.mu.Lock()
	delete(b.clients, client.ID)
	clientCount := len(b.clients)
	b.mu.Unlock()

	close(client.Done)
	log.Debug().Str("client_id", client.ID).Int("total_clients", clientCount).Msg("SSE client disconnected")
}

// removeClientByID drops a dead client discovered during a broadcast.
func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	b.mu.Unlock()

	if exists {
		select {
		case <-client.Done:
		default:
			close(client.Done)
		}
	}
}

// Broadcast sends one event to every connected client. Clients whose write
// fails are dropped.
func (b *Broadcaster) Broadcast(data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE event")
		return
	}
	message := fmt.Sprintf("data: %s\n\n", jsonData)

	b.mu.RLock()
	clients := make([]*sseClient, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	var dead []*sseClient
	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			if _, err := client.Writer.Write([]byte(message)); err != nil {
				dead = append(dead, client)
				continue
			}
			client.Flusher.Flush()
		}
	}
	for _, client := range dead {
		b.removeClientByID(client.ID)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves one SSE connection, blocking until the client goes away.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.addClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.removeClient(client)

	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"client_id\":%q}\n\n", client.ID)
	client.Flusher.Flush()

	<-r.Context().Done()
}
