package engine

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dTS/lib/subscription"
	"github.com/ValentinKolb/dTS/lib/tuple"
)

// WaitTuple returns the tuple (owner,key) as soon as it exists.
// If it is not stored yet, the call blocks until a matching write or until ctx ends.
// With AnyOwner the newest tuple of any owner is returned.
//
// A ctx deadline yields a Timeout error, which also satisfies
// errors.Is(err, tuple.ErrNotFound). Cancelling ctx returns ctx.Err().
// No lock is held while waiting.
func (e *Engine) WaitTuple(ctx context.Context, owner tuple.OwnerMatcher, key string, opts ...ReadOption) (tuple.Tuple, error) {
	if err := e.checkRunning(); err != nil {
		return tuple.Tuple{}, err
	}
	if err := tuple.ValidateKey(key); err != nil {
		return tuple.Tuple{}, err
	}
	ro := readOptions(opts)
	ro.AllowWildcardOwner = owner.IsAny()
	since := ro.ExcludeUnchangedSince

	// the watcher is registered before the first read so no write can slip in between
	found := make(chan tuple.Tuple, 1)
	watcher, err := subscription.New(tuple.Pattern{Owner: owner, Key: tuple.Key(key)}, subscription.ModeDirect,
		subscription.CallbackFunc(func(t tuple.Tuple) error {
			if !since.IsZero() && !t.WriteTS.After(since) {
				return nil
			}
			select {
			case found <- t:
			default:
			}
			return nil
		}))
	if err != nil {
		return tuple.Tuple{}, err
	}
	if err := e.dispatcher.Attach(watcher); err != nil {
		return tuple.Tuple{}, err
	}
	e.registry.Add(watcher)
	defer func() {
		_, _ = e.registry.Remove(watcher.Handle())
		e.dispatcher.Detach(watcher.Handle())
	}()

	t, err := e.countRead(e.store.Read(owner, key, ro))
	if err == nil || !errors.Is(err, tuple.ErrNotFound) {
		return t, err
	}

	select {
	case t := <-found:
		return t, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tuple.Tuple{}, tuple.Errorf(tuple.RetCTimeout, "waiting for %s:%s", owner, key)
		}
		return tuple.Tuple{}, ctx.Err()
	}
}
