package crawler

import "time"

// Frontier owns the FIFO work queue, the visited set and the in-flight set.
// Retry state is kept per URL, so every queued copy of a URL shares one
// attempt counter and one backoff deadline.
// It is not safe for concurrent use; the engine's coordinator is its only caller.
type Frontier struct {
	queue     []string
	head      int
	visited   map[string]struct{}
	inFlight  map[string]struct{}
	attempts  map[string]int
	notBefore map[string]time.Time
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{
		visited:   make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
		attempts:  make(map[string]int),
		notBefore: make(map[string]time.Time),
	}
}

// Push appends a newly discovered URL. Duplicates are filtered at pop time.
func (f *Frontier) Push(url string) {
	f.queue = append(f.queue, url)
}

// Requeue records a failed attempt on url and appends it again. The URL is
// not dispatched before notBefore.
func (f *Frontier) Requeue(url string, attempt int, notBefore time.Time) {
	f.attempts[url] = attempt
	f.notBefore[url] = notBefore
	f.queue = append(f.queue, url)
}

// Pop removes the oldest queued URL.
func (f *Frontier) Pop() (string, bool) {
	if f.head >= len(f.queue) {
		return "", false
	}
	url := f.queue[f.head]
	f.queue[f.head] = ""
	f.head++
	if f.head > 1024 && f.head*2 > len(f.queue) {
		f.queue = append([]string(nil), f.queue[f.head:]...)
		f.head = 0
	}
	return url, true
}

// Len is the number of queued items, duplicates included.
func (f *Frontier) Len() int {
	return len(f.queue) - f.head
}

// Attempts is the number of failed attempts recorded for url.
func (f *Frontier) Attempts(url string) int {
	return f.attempts[url]
}

// NotBefore is the backoff deadline of url; zero when it has none.
func (f *Frontier) NotBefore(url string) time.Time {
	return f.notBefore[url]
}

// MarkVisited records a URL as fully processed and drops its retry state.
func (f *Frontier) MarkVisited(url string) {
	f.visited[url] = struct{}{}
	delete(f.attempts, url)
	delete(f.notBefore, url)
}

// VisitedCount is the size of the visited set.
func (f *Frontier) VisitedCount() int {
	return len(f.visited)
}

// Claimable reports whether a URL may be dispatched: not visited and not in flight.
func (f *Frontier) Claimable(url string) bool {
	if _, ok := f.visited[url]; ok {
		return false
	}
	_, busy := f.inFlight[url]
	return !busy
}

// Claim marks a URL as in flight.
func (f *Frontier) Claim(url string) {
	f.inFlight[url] = struct{}{}
}

// Release clears the in-flight mark.
func (f *Frontier) Release(url string) {
	delete(f.inFlight, url)
}

// InFlight is the number of URLs being extracted.
func (f *Frontier) InFlight() int {
	return len(f.inFlight)
}
