package exchange

import "sync"

// Tape event kinds observed by spectators.
const (
	TapeAgentAuthed  = "agent_authed"
	TapeLedgerUpdate = "ledger_update"
	TapeRepUpdate    = "rep_update"
	TapeEvidence     = "evidence"
	TapeBroadcast    = "broadcast"
)

// TapeEvent is one entry on the ordered stream of everything observable:
// broadcasts, ledger updates, reputation updates, evidence appends, and
// authentications. Broadcast payloads mirror the client wire types exactly.
type TapeEvent struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// TapeHub fans tape events out to subscribers. Slow subscribers lose events
// rather than stall the exchange: publishes to a full buffer are dropped.
type TapeHub struct {
	mu   sync.Mutex
	subs map[chan TapeEvent]struct{}
}

func NewTapeHub() *TapeHub {
	return &TapeHub{subs: make(map[chan TapeEvent]struct{})}
}

// Subscribe registers a new observer and returns its event channel.
func (h *TapeHub) Subscribe() chan TapeEvent {
	ch := make(chan TapeEvent, 256)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an observer channel.
func (h *TapeHub) Unsubscribe(ch chan TapeEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers an event to every subscriber without blocking.
func (h *TapeHub) Publish(ev TapeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
