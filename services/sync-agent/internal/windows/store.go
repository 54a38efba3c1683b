package windows

import "context"

// SlotStore is the shared key-value store that mediates all cross-window
// coordination. Its essential contract: writes become visible to every
// other connected instance asynchronously, and change notifications are
// never delivered back to the instance that performed the write. No
// window-liveness state is ever shared through memory.
type SlotStore interface {
	Write(ctx context.Context, key, value string) error
	Read(ctx context.Context, key string) (value string, ok bool, err error)
	Delete(ctx context.Context, key string) error
	// Subscribe invokes fn with the changed key for every write or delete
	// performed by another instance. The returned cancel stops delivery.
	Subscribe(ctx context.Context, fn func(key string)) (cancel func(), err error)
}
