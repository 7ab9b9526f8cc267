package reminder

import "sync"

// history keeps the most recent pass reports in a fixed-size ring.
type history struct {
	mu   sync.Mutex
	buf  []PassReport
	next int
	full bool
}

func newHistory(size int) *history {
	return &history{buf: make([]PassReport, size)}
}

func (h *history) add(r PassReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// list returns reports newest first, at most limit (0 = all).
func (h *history) list(limit int) []PassReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PassReport, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
