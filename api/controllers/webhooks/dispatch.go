package webhooks

import "context"

// dispatch runs handle for a freshly marked event. The mark is cleared when
// handle fails or panics so the provider's redelivery is processed instead of
// being acknowledged as a duplicate.
func dispatch(ctx context.Context, guard EventGuard, eventID string, handle func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			_ = guard.Delete(context.WithoutCancel(ctx), eventID)
			panic(rec)
		}
	}()
	if err = handle(); err != nil {
		_ = guard.Delete(context.WithoutCancel(ctx), eventID)
	}
	return err
}
