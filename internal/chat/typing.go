package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/time/rate"
)

// TypingTracker holds the ephemeral "who is typing now" map. Entries expire
// on their own; no stop event exists or is needed, and late or missed expiry
// of the remote side is harmless because Snapshot re-checks deadlines.
//
// Outbound typing notifications are coalesced with a per-conversation rate
// limit so keystrokes do not flood the socket.
type TypingTracker struct {
	ttl     time.Duration
	entries geche.Geche[string, int64] // "convID\x00userID" -> expiry unix millis

	mu       sync.Mutex
	interval time.Duration
	limiters map[string]*rate.Limiter
	publish  func(convID string)
}

// NewTypingTracker builds a tracker whose entries live for ttl and whose
// outbound publishes are spaced at least interval apart per conversation.
// The cache's janitor goroutine is tied to ctx.
func NewTypingTracker(ctx context.Context, ttl, interval time.Duration, publish func(convID string)) *TypingTracker {
	return &TypingTracker{
		ttl:      ttl,
		entries:  geche.NewMapTTLCache[string, int64](ctx, ttl, ttl),
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
		publish:  publish,
	}
}

func typingKey(convID, userID string) string {
	return convID + "\x00" + userID
}

// Observe records a remote typing event, refreshing the user's expiry.
func (t *TypingTracker) Observe(convID, userID string) {
	t.entries.Set(typingKey(convID, userID), time.Now().Add(t.ttl).UnixMilli())
}

// Snapshot returns the users currently typing in a conversation. Entries the
// janitor has not collected yet are filtered by their own deadline.
func (t *TypingTracker) Snapshot(convID string) []string {
	prefix := convID + "\x00"
	now := time.Now().UnixMilli()

	var users []string
	for key, expiry := range t.entries.Snapshot() {
		if expiry <= now {
			continue
		}
		if rest, ok := strings.CutPrefix(key, prefix); ok {
			users = append(users, rest)
		}
	}
	return users
}

// LocalKeystroke is called on every local keystroke; it publishes a typing
// notification only when the conversation's limiter allows one. Publish
// failures are swallowed: typing is fire-and-forget.
func (t *TypingTracker) LocalKeystroke(convID string) {
	t.mu.Lock()
	lim, ok := t.limiters[convID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[convID] = lim
	}
	t.mu.Unlock()

	if lim.Allow() && t.publish != nil {
		t.publish(convID)
	}
}
