package notification

import (
	"sync"

	"github.com/nao1215/notify/pkg/event"
)

// handle は登録済みリスナーを一意に指す。Unregisterで使う。
type handle struct {
	key event.Recipient
	id  uint64
}

// registry は通知先からリスナー集合への対応を保持する。
// Broadcaster以外から直接触らないこと。
type registry struct {
	mu     sync.RWMutex
	nextID uint64
	// entries は通知先ごとのリスナー。空の集合は保持しない。
	entries map[event.Recipient]map[uint64]Listener
	// order は通知先ごとの登録順。配信順を安定させるために使う。
	order map[event.Recipient][]uint64
	total int
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[event.Recipient]map[uint64]Listener),
		order:   make(map[event.Recipient][]uint64),
	}
}

// register はリスナーを登録してハンドルを返す。
func (r *registry) register(key event.Recipient, l Listener) handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	set, ok := r.entries[key]
	if !ok {
		set = make(map[uint64]Listener)
		r.entries[key] = set
	}
	set[id] = l
	r.order[key] = append(r.order[key], id)
	r.total++
	return handle{key: key, id: id}
}

// unregister はハンドルのリスナーを削除する。最後のリスナーであれば通知先ごと削除する。
// 既に削除済みの場合はfalseを返す。
func (r *registry) unregister(h handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.entries[h.key]
	if !ok {
		return false
	}
	if _, ok := set[h.id]; !ok {
		return false
	}
	delete(set, h.id)
	r.total--

	if len(set) == 0 {
		delete(r.entries, h.key)
		delete(r.order, h.key)
		return true
	}

	ids := r.order[h.key]
	for i, id := range ids {
		if id == h.id {
			r.order[h.key] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return true
}

// listenersFor は通知先のリスナーを登録順にコピーして返す。
// 返したスライスはロック外で自由に走査してよい。
func (r *registry) listenersFor(key event.Recipient) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.order[key]
	if len(ids) == 0 {
		return nil
	}
	set := r.entries[key]
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// activeCount は全通知先の登録リスナー数を返す。
func (r *registry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// countFor は通知先のリスナー数を返す。
func (r *registry) countFor(key event.Recipient) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[key])
}

// keys は登録のある通知先の数を返す。
func (r *registry) keys() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
