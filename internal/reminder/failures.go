package reminder

import (
	"context"
	"time"

	"reminderd/internal/storage"
	"reminderd/pkg/logx"
)

const failureWriteTimeout = 5 * time.Second

type failureOp struct {
	owner  int64
	reason string
	at     time.Time
	clear  bool
}

// failureWriter persists delivery-failure changes off the hot path. Ops for
// the same owner arriving within the debounce window collapse to the last one.
type failureWriter struct {
	store    Store
	log      logx.Logger
	debounce time.Duration
	ch       chan failureOp
}

func newFailureWriter(store Store, log logx.Logger, debounce time.Duration, queue int) *failureWriter {
	return &failureWriter{store: store, log: log, debounce: debounce, ch: make(chan failureOp, queue)}
}

func (w *failureWriter) put(op failureOp) {
	select {
	case w.ch <- op:
	default:
		w.log.Warn("failure queue full; writing inline", logx.Owner(op.owner))
		w.write(op)
	}
}

func (w *failureWriter) run(ctx context.Context) {
	pending := map[int64]failureOp{}
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	flush := func() {
		for owner, op := range pending {
			w.write(op)
			delete(pending, owner)
		}
		fire = nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			for {
				select {
				case op := <-w.ch:
					pending[op.owner] = op
				default:
					flush()
					return
				}
			}
		case op := <-w.ch:
			pending[op.owner] = op
			if fire == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case <-fire:
			flush()
		}
	}
}

func (w *failureWriter) write(op failureOp) {
	ctx, cancel := context.WithTimeout(context.Background(), failureWriteTimeout)
	defer cancel()

	var err error
	if op.clear {
		err = w.store.ClearDeliveryFailure(ctx, op.owner)
	} else {
		err = w.store.PutDeliveryFailure(ctx, storage.DeliveryFailure{OwnerID: op.owner, Reason: op.reason, FailedAt: op.at})
	}
	if err != nil {
		w.log.Error("persist delivery failure", logx.Owner(op.owner), logx.Bool("clear", op.clear), logx.Err(err))
	}
}
