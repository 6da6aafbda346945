// Package discovery lets intersection nodes running on one host find each other. Every
// node serves its Announcement on the first free port of a range and sweeps the rest of
// the range a few times, reporting each node it has not seen before on Entries.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Announcement is what a node tells its neighbours about itself.
type Announcement struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key,omitempty"`
	API       string `json:"api,omitempty"`
}

type Discover struct {
	Entries <-chan Announcement

	self      Announcement
	entries   chan Announcement
	port      uint16
	startPort uint16
	endPort   uint16
	attempts  uint
	interval  time.Duration
	server    *http.Server
	client    *http.Client
	log       *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New listens on the first free port of the range and starts sweeping the others.
func New(self Announcement, opts ...Option) (*Discover, error) {
	if self.NodeID == "" {
		return nil, errors.New("discovery: node id must not be empty")
	}
	d := &Discover{
		self:      self,
		entries:   make(chan Announcement, 16),
		startPort: 9000,
		endPort:   9010,
		attempts:  2,
		interval:  time.Second,
		client:    &http.Client{Timeout: 500 * time.Millisecond},
		log:       slog.Default(),
		seen:      map[string]struct{}{self.NodeID: {}},
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.startPort > d.endPort {
		return nil, fmt.Errorf("discovery: empty port range %d-%d", d.startPort, d.endPort)
	}
	d.Entries = d.entries

	var l net.Listener
	var err error
	for port := int(d.startPort); port <= int(d.endPort); port++ {
		l, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			d.port = uint16(port)
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: no free port in %d-%d: %w", d.startPort, d.endPort, err)
	}
	d.server = &http.Server{
		Handler:           http.HandlerFunc(d.serveAnnouncement),
		ReadHeaderTimeout: time.Second,
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		if err := d.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("discovery server stopped", "err", err)
		}
	}()
	go func() {
		defer d.wg.Done()
		for i := uint(0); i < d.attempts; i++ {
			if i > 0 {
				select {
				case <-d.done:
					return
				case <-time.After(d.interval):
				}
			}
			if !d.search() {
				return
			}
		}
	}()
	d.log.Debug("discovery listening", "port", d.port, "node", self.NodeID)
	return d, nil
}

// Port is the port this node announces itself on.
func (d *Discover) Port() uint16 {
	return d.port
}

func (d *Discover) serveAnnouncement(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(d.self); err != nil {
		d.log.Warn("discovery announcement not sent", "err", err)
	}
}

// search sweeps the port range once. It returns false when the node was closed.
func (d *Discover) search() bool {
	for port := int(d.startPort); port <= int(d.endPort); port++ {
		if uint16(port) == d.port {
			continue
		}
		a, err := d.fetch(port)
		if err != nil {
			continue
		}
		if !d.markSeen(a.NodeID) {
			continue
		}
		select {
		case d.entries <- a:
		case <-d.done:
			return false
		}
	}
	return true
}

func (d *Discover) fetch(port int) (Announcement, error) {
	resp, err := d.client.Get(fmt.Sprintf("http://localhost:%d", port))
	if err != nil {
		return Announcement{}, err
	}
	defer resp.Body.Close()
	var a Announcement
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		d.log.Debug("discovery: ignoring non-node listener", "port", port, "err", err)
		return Announcement{}, err
	}
	if a.NodeID == "" {
		return Announcement{}, errors.New("announcement without node id")
	}
	return a, nil
}

func (d *Discover) markSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	return true
}

// Close stops announcing and sweeping. Entries is not closed.
func (d *Discover) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = d.server.Shutdown(ctx)
		d.wg.Wait()
	})
	return err
}
