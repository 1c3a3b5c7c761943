package sync

// recentSet remembers the last size keys added, evicting the oldest first
type recentSet struct {
	size  int
	order []string
	next  int
	items map[string]struct{}
}

func newRecentSet(size int) *recentSet {
	return &recentSet{size: size, items: make(map[string]struct{}, size)}
}

func (r *recentSet) Has(key string) bool {
	_, ok := r.items[key]
	return ok
}

// Add inserts key and returns the key it evicted, if any
func (r *recentSet) Add(key string) (string, bool) {
	if _, ok := r.items[key]; ok {
		return "", false
	}
	r.items[key] = struct{}{}

	if len(r.order) < r.size {
		r.order = append(r.order, key)
		return "", false
	}

	evicted := r.order[r.next]
	delete(r.items, evicted)
	r.order[r.next] = key
	r.next = (r.next + 1) % r.size
	return evicted, true
}
