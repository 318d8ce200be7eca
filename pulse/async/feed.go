package async

import (
	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/source"
)

// feed hands out a job's search results one at a time, round-robin across
// sources whose breaker is not open.
type feed struct {
	order    []string
	queues   map[string][]source.Candidate
	breakers *breaker.Set
	cursor   int
}

func newFeed(order []string, results map[string][]source.Candidate, breakers *breaker.Set) *feed {
	queues := make(map[string][]source.Candidate, len(order))
	for _, name := range order {
		queues[name] = results[name]
	}
	return &feed{order: order, queues: queues, breakers: breakers}
}

// next pops the next candidate. ok is false once no source with a closed or
// half-open breaker has candidates left; an open source's candidates stay put.
func (f *feed) next() (c source.Candidate, from string, ok bool) {
	n := len(f.order)
	for i := 0; i < n; i++ {
		idx := (f.cursor + i) % n
		name := f.order[idx]
		q := f.queues[name]
		if len(q) == 0 || f.breakers.State(name) == breaker.Open {
			continue
		}
		f.queues[name] = q[1:]
		f.cursor = idx + 1
		return q[0], name, true
	}
	return source.Candidate{}, "", false
}

// hasAlternative reports whether a source other than except still has
// candidates and is not open.
func (f *feed) hasAlternative(except string) bool {
	for _, name := range f.order {
		if name == except || len(f.queues[name]) == 0 {
			continue
		}
		if f.breakers.State(name) != breaker.Open {
			return true
		}
	}
	return false
}

// stranded counts the candidates each source still holds. After next reports
// exhaustion these belong to sources whose breaker is open.
func (f *feed) stranded() map[string]int {
	out := make(map[string]int)
	for _, name := range f.order {
		if n := len(f.queues[name]); n > 0 {
			out[name] = n
		}
	}
	return out
}
