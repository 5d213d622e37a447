package presence

import (
	"log/slog"
	"sort"
	"time"

	"marketchat/internal/events"
	"marketchat/internal/models"

	"github.com/c-pro/geche"
	"github.com/jonboulle/clockwork"
)

// Updater applies presence changes to the participants of conversations.
type Updater interface {
	ApplyPresence(userID string, online bool, lastSeen *time.Time) int
}

// Tracker keeps the last presence pushed by the server for every user and
// mirrors it into the conversation participants.
type Tracker struct {
	store    Updater
	notifier events.Notifier
	clock    clockwork.Clock
	known    *geche.Locker[string, models.Presence]
	logger   *slog.Logger
}

func New(store Updater, notifier events.Notifier, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		store:    store,
		notifier: notifier,
		clock:    clock,
		known:    geche.NewLocker[string, models.Presence](geche.NewMapCache[string, models.Presence]()),
		logger:   slog.Default().With("component", "presence"),
	}
}

// Apply handles a presence frame. Going offline without a last-seen time
// keeps the previous one, or uses the current time if there was none.
func (t *Tracker) Apply(p models.PresencePayload) {
	tx := t.known.Lock()
	prev, err := tx.Get(p.UserID)
	hadPrev := err == nil

	next := models.Presence{UserID: p.UserID, Online: p.IsOnline}
	switch {
	case p.LastSeen != nil:
		ls := p.LastSeen.UTC()
		next.LastSeen = &ls
	case !p.IsOnline && hadPrev && prev.LastSeen != nil:
		next.LastSeen = prev.LastSeen
	case !p.IsOnline:
		now := t.clock.Now().UTC()
		next.LastSeen = &now
	}
	tx.Set(p.UserID, next)
	tx.Unlock()

	n := t.store.ApplyPresence(next.UserID, next.Online, next.LastSeen)
	t.logger.Debug("presence changed", "user_id", next.UserID, "online", next.Online, "conversations", n)

	if !hadPrev || prev.Online != next.Online {
		t.notifier.Publish(models.Event{Kind: models.EventPresence, UserID: next.UserID})
	}
}

// Lookup returns the last known presence of a user.
func (t *Tracker) Lookup(userID string) (models.Presence, bool) {
	tx := t.known.RLock()
	defer tx.Unlock()

	p, err := tx.Get(userID)
	if err != nil {
		return models.Presence{}, false
	}
	return p, true
}

// Online returns the ids of users currently known to be online, sorted.
func (t *Tracker) Online() []string {
	tx := t.known.RLock()
	defer tx.Unlock()

	var ids []string
	for id, p := range tx.Snapshot() {
		if p.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
