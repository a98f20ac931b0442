// Package registry maintains a Redis-backed live view of machine daemon
// status. Redis is advisory only: the database row is the durable record,
// the registry just gives dashboards and the event stream a low-latency
// feed without polling Postgres.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusChannel = "machines:status"
	keyPrefix     = "machine:"
	entryTTL      = 90 * time.Second
)

// StatusEntry is one machine's last reported daemon status.
type StatusEntry struct {
	MachineID  string    `json:"machine_id"`
	ProjectID  string    `json:"project_id"`
	Status     string    `json:"status"`
	ReportedAt time.Time `json:"reported_at"`
}

// Registry caches machine status in memory, backed by Redis pub/sub for
// real-time updates and periodic SCAN for reconciliation. A nil *Registry is
// valid and turns every method into a no-op, so the server runs without
// Redis configured.
type Registry struct {
	rdb      *redis.Client
	mu       sync.RWMutex
	machines map[string]*StatusEntry
	watchers map[chan StatusEntry]struct{}
	stop     chan struct{}
}

// New connects to Redis and returns a registry, or nil when redisURL is
// empty.
func New(redisURL string) (*Registry, error) {
	if redisURL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Registry{
		rdb:      rdb,
		machines: make(map[string]*StatusEntry),
		watchers: make(map[chan StatusEntry]struct{}),
		stop:     make(chan struct{}),
	}, nil
}

// Start launches the pub/sub subscriber and the periodic reconciliation scan.
func (r *Registry) Start() {
	if r == nil {
		return
	}
	go r.subscribeLoop()
	go r.reconcileLoop()
}

// Report stores a machine's status under a TTL key and broadcasts it. Entries
// expire on their own when a machine stops reporting.
func (r *Registry) Report(ctx context.Context, entry StatusEntry) {
	if r == nil {
		return
	}
	if entry.ReportedAt.IsZero() {
		entry.ReportedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		log.Printf("registry: failed to marshal status entry: %v", err)
		return
	}

	if err := r.rdb.Set(ctx, keyPrefix+entry.MachineID, payload, entryTTL).Err(); err != nil {
		log.Printf("registry: failed to store status for %s: %v", entry.MachineID, err)
	}
	if err := r.rdb.Publish(ctx, statusChannel, payload).Err(); err != nil {
		log.Printf("registry: failed to publish status for %s: %v", entry.MachineID, err)
	}

	r.apply(entry)
}

// Get returns the cached status for a machine, or nil when unknown.
func (r *Registry) Get(machineID string) *StatusEntry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[machineID]
}

// All returns a snapshot of every cached status entry.
func (r *Registry) All() []*StatusEntry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*StatusEntry, 0, len(r.machines))
	for _, e := range r.machines {
		entries = append(entries, e)
	}
	return entries
}

// Watch returns a channel of status updates plus a cancel function. Slow
// consumers lose updates rather than block the registry.
func (r *Registry) Watch() (<-chan StatusEntry, func()) {
	if r == nil {
		ch := make(chan StatusEntry)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan StatusEntry, 16)
	r.mu.Lock()
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.watchers, ch)
		r.mu.Unlock()
	}
}

// Stop halts the loops and closes the Redis client.
func (r *Registry) Stop() {
	if r == nil {
		return
	}
	close(r.stop)
	r.rdb.Close()
}

func (r *Registry) subscribeLoop() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		pubsub := r.rdb.Subscribe(context.Background(), statusChannel)
		ch := pubsub.Channel()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					goto reconnect
				}
				var entry StatusEntry
				if err := json.Unmarshal([]byte(msg.Payload), &entry); err != nil {
					log.Printf("registry: invalid status payload: %v", err)
					continue
				}
				r.apply(entry)
			case <-r.stop:
				pubsub.Close()
				return
			}
		}

	reconnect:
		pubsub.Close()
		log.Println("registry: pub/sub channel closed, reconnecting...")
		time.Sleep(2 * time.Second)
	}
}

// reconcileLoop periodically scans machine:* keys. The scan is the catch-up
// path for entries published while this process was not subscribed; expired
// keys fall out of the cache here.
func (r *Registry) reconcileLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.reconcile()
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	seen := make(map[string]bool)

	for {
		keys, nextCursor, err := r.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			log.Printf("registry: SCAN failed: %v", err)
			return
		}

		for _, key := range keys {
			val, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var entry StatusEntry
			if err := json.Unmarshal([]byte(val), &entry); err != nil {
				continue
			}
			seen[entry.MachineID] = true
			r.apply(entry)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.machines {
		if !seen[id] {
			delete(r.machines, id)
		}
	}
}

func (r *Registry) apply(entry StatusEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.machines[entry.MachineID]
	if ok && !entry.ReportedAt.After(existing.ReportedAt) {
		return
	}
	r.machines[entry.MachineID] = &entry

	for ch := range r.watchers {
		select {
		case ch <- entry:
		default:
		}
	}
}
