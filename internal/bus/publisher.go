package bus

import (
	"context"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// PublishingStore announces every successful write on the bus.
type PublishingStore struct {
	store.Store
	bus *Bus
}

// NewPublishingStore wraps st so inserts and updates reach live subscribers.
func NewPublishingStore(st store.Store, b *Bus) *PublishingStore {
	return &PublishingStore{Store: st, bus: b}
}

// InsertMessage persists msg and publishes an insert event.
func (p *PublishingStore) InsertMessage(ctx context.Context, msg core.Message) (core.Message, error) {
	row, err := p.Store.InsertMessage(ctx, msg)
	if err != nil {
		return core.Message{}, err
	}
	p.bus.Publish(core.Event{Op: core.OpInsert, Message: row})
	return row, nil
}

// UpdateMessage applies patch and publishes an update event.
func (p *PublishingStore) UpdateMessage(ctx context.Context, id int64, patch core.Patch) (core.Message, error) {
	row, err := p.Store.UpdateMessage(ctx, id, patch)
	if err != nil {
		return core.Message{}, err
	}
	p.bus.Publish(core.Event{Op: core.OpUpdate, Message: row})
	return row, nil
}
