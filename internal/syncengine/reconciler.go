package syncengine

import (
	"sync"

	"narrative-server/internal/models"
)

// FieldChange - изменение отслеживаемого поля, принятое реконсилером.
type FieldChange struct {
	Field models.MediaField
	From  models.FieldState
	To    models.FieldState
	// TerminalReached - поле только что перешло из активного статуса в терминальный.
	TerminalReached bool
}

// Outcome - результат применения снимка к кэшу.
type Outcome int

const (
	// OutcomeApplied - снимок новее кэша и изменил отслеживаемые поля.
	OutcomeApplied Outcome = iota
	// OutcomeUnchanged - снимок новее, но отслеживаемые поля не изменились.
	OutcomeUnchanged
	// OutcomeStale - снимок старше кэша или уже применен.
	OutcomeStale
	// OutcomeDeleted - сущность удалена.
	OutcomeDeleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeStale:
		return "stale"
	case OutcomeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

type cacheEntry struct {
	snap    models.Snapshot
	deleted bool
}

// Reconciler - локальный кэш наблюдателя с явным сравнением свежести.
// Повторное применение того же снимка не меняет состояние.
type Reconciler struct {
	mu    sync.Mutex
	cache map[models.EntityRef]*cacheEntry
}

func NewReconciler() *Reconciler {
	return &Reconciler{cache: make(map[models.EntityRef]*cacheEntry)}
}

// Apply сравнивает снимок с кэшем по отслеживаемым полям fields.
func (r *Reconciler) Apply(snap models.Snapshot, fields []models.MediaField) (Outcome, []FieldChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[snap.Ref]
	if ok && entry.deleted {
		return OutcomeStale, nil
	}
	if snap.Deleted {
		r.cache[snap.Ref] = &cacheEntry{snap: snap, deleted: true}
		return OutcomeDeleted, nil
	}
	if ok && !isNewer(snap, entry.snap, fields) {
		return OutcomeStale, nil
	}

	var changes []FieldChange
	for _, f := range fields {
		to, present := snap.Fields[f]
		if !present {
			continue
		}
		var from models.FieldState
		if ok {
			from = entry.snap.Fields[f]
		}
		if ok && from.Equal(to) {
			continue
		}
		changes = append(changes, FieldChange{
			Field:           f,
			From:            from,
			To:              to,
			TerminalReached: to.Status.IsTerminal() && (!ok || !from.Status.IsTerminal()),
		})
	}

	r.cache[snap.Ref] = &cacheEntry{snap: snap}
	if len(changes) == 0 {
		return OutcomeUnchanged, nil
	}
	return OutcomeApplied, changes
}

// Get возвращает закэшированный снимок.
func (r *Reconciler) Get(ref models.EntityRef) (models.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[ref]
	if !ok || entry.deleted {
		return models.Snapshot{}, false
	}
	return entry.snap, true
}

// Forget удаляет сущность из кэша.
func (r *Reconciler) Forget(ref models.EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, ref)
}

// isNewer решает, вытесняет ли incoming закэшированный снимок.
// Порядок: версия, затем время обновления, затем порядковые номера статусов.
func isNewer(incoming, cached models.Snapshot, fields []models.MediaField) bool {
	if incoming.Version != 0 && cached.Version != 0 && incoming.Version != cached.Version {
		return incoming.Version > cached.Version
	}
	if !incoming.UpdatedAt.IsZero() && !cached.UpdatedAt.IsZero() && !incoming.UpdatedAt.Equal(cached.UpdatedAt) {
		return incoming.UpdatedAt.After(cached.UpdatedAt)
	}
	// Без версии и времени: принимаем, только если какое-то поле продвинулось вперед.
	advanced := false
	for _, f := range fields {
		in, cur := incoming.Fields[f], cached.Fields[f]
		switch {
		case in.Status.Ordinal() < cur.Status.Ordinal():
			return false
		case in.Status.Ordinal() > cur.Status.Ordinal():
			advanced = true
		}
	}
	return advanced
}

// Settled сообщает, что все отслеживаемые поля в терминальном статусе
// или не запускались (not_started не требует опроса). Последующий перевод
// not_started в pending деградированный наблюдатель увидит только через push.
func Settled(snap models.Snapshot, fields []models.MediaField) bool {
	for _, f := range fields {
		if snap.Fields[f].Status.IsActive() {
			return false
		}
	}
	return true
}
