package notifier

import (
	"sort"
	"sync"
)

// PendingSet - отложенные мгновенные доставки пользователей в тихие часы.
// Живет в памяти процесса.
type PendingSet struct {
	mu    sync.Mutex
	items map[int64]map[int64]struct{}
}

func NewPendingSet() *PendingSet {
	return &PendingSet{items: make(map[int64]map[int64]struct{})}
}

func (p *PendingSet) Add(userID, itemID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.items[userID] == nil {
		p.items[userID] = make(map[int64]struct{})
	}
	p.items[userID][itemID] = struct{}{}
}

func (p *PendingSet) Remove(userID, itemID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.items[userID], itemID)
	if len(p.items[userID]) == 0 {
		delete(p.items, userID)
	}
}

func (p *PendingSet) RemoveUser(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.items, userID)
}

// Snapshot возвращает копию очереди: пользователь -> id материалов по возрастанию
func (p *PendingSet) Snapshot() map[int64][]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int64][]int64, len(p.items))
	for userID, set := range p.items {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out[userID] = ids
	}
	return out
}

func (p *PendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, set := range p.items {
		n += len(set)
	}
	return n
}
