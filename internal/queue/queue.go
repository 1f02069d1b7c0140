// Package queue holds alerts in memory while persistent storage is
// unavailable. The queue is a bounded FIFO: overflow drops the oldest
// entry, and entries past their TTL are dropped at drain time.
package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tallenb/remedy/internal/models"
)

// Entry is one queued alert with its ingress timestamp.
type Entry struct {
	Alert      models.Alert
	EnqueuedAt time.Time
}

// Queue is a bounded in-memory FIFO.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	ttl      time.Duration
}

// New creates a Queue. Zero capacity or TTL fall back to defaults of 1000
// entries and one hour.
func New(capacity int, ttl time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Queue{capacity: capacity, ttl: ttl}
}

// Push appends an alert, dropping the oldest entry when full.
func (q *Queue) Push(alert models.Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		log.Warn().
			Str("alertname", dropped.Alert.Alertname()).
			Str("fingerprint", dropped.Alert.Fingerprint).
			Msg("Queue full, dropped oldest entry")
	}
	q.entries = append(q.entries, Entry{Alert: alert, EnqueuedAt: time.Now()})
}

// Pop removes and returns the oldest entry that has not expired. Expired
// entries are dropped with a warning. Returns false when the queue is
// empty.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) > 0 {
		entry := q.entries[0]
		q.entries = q.entries[1:]
		if time.Since(entry.EnqueuedAt) > q.ttl {
			log.Warn().
				Str("alertname", entry.Alert.Alertname()).
				Str("fingerprint", entry.Alert.Fingerprint).
				Dur("age", time.Since(entry.EnqueuedAt)).
				Msg("Dropped expired queue entry")
			continue
		}
		return entry, true
	}
	return Entry{}, false
}

// Len returns the number of queued entries, expired or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
