package outcome

/*
Recorder — журнал исходов вызовов агентов с дедупликацией.

- Record: синхронная запись (ValidationError отдаётся наверх, сбои хранилища
  только логируются — основная задача вызывающего не должна от них падать).
- Submit: неблокирующая отправка из hot path оркестратора. Очередь ограничена
  (QueueSize); при переполнении исход сбрасывается сразу (load shedding),
  растёт счётчик Dropped и пишется ошибка в лог.
- Воркер пишет в Store с ограниченным числом повторов (retry-go), затем сбрасывает.
- Stop закрывает вход и дожидается, пока воркеры вычитают очередь (final flush);
  без Start очередь дописывает сам Stop.
*/

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"go.uber.org/zap"
)

// Причины сброса исхода, передаются в Options.OnDrop.
const (
	DropQueueFull = "queue_full"
	DropStopped   = "stopped"
	DropInvalid   = "invalid"
	DropStoreFail = "store_failed"
)

type Options struct {
	QueueSize     int
	Workers       int
	RetryAttempts uint
	RetryDelay    time.Duration // 0 — стандартный экспоненциальный бэкофф retry-go
	DedupWindow   time.Duration
	WriteTimeout  time.Duration

	OnDrop func(reason string)
}

type Recorder struct {
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	ch        chan domain.Outcome
	mu        sync.RWMutex // защищает closed, started и отправку в ch
	closed    bool
	started   bool
	startOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	written   atomic.Uint64
}

func NewRecorder(store Store, opts Options, logger *zap.Logger) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Recorder{
		store:  store,
		opts:   opts,
		logger: logger.With(zap.String("mod", "outcome_recorder")),
		now:    time.Now,
		ch:     make(chan domain.Outcome, opts.QueueSize),
	}
}

// Start запускает воркеров. Повторный вызов и вызов после Stop ничего не делают.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return
		}
		r.started = true
		for i := 0; i < r.opts.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	})
}

// Stop «запирает» вход и ждёт, пока воркеры допишут остаток очереди.
// Если воркеры не запускались, очередь дописывается в вызывающей горутине.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	started := r.started
	r.mu.Unlock()

	r.logger.Info("stopping recorder: flushing queue", zap.Int("pending", len(r.ch)))
	if !started {
		r.wg.Add(1)
		r.worker()
	}
	r.wg.Wait()
	r.logger.Info("recorder stopped",
		zap.Uint64("written", r.written.Load()),
		zap.Uint64("dropped", r.dropped.Load()))
}

// Record синхронно записывает исход и возвращает id записи (существующей при повторе).
// При недоступности хранилища возвращает пустой id без ошибки.
func (r *Recorder) Record(ctx context.Context, o domain.Outcome) (string, error) {
	o = r.normalize(o)
	if err := o.Validate(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	id, repeated, err := r.store.Upsert(ctx, o, r.opts.DedupWindow)
	if err != nil {
		r.logger.Error("outcome not recorded",
			zap.String("agent_id", o.AgentID),
			zap.String("input_hash", o.InputHash),
			zap.Error(err))
		return "", nil
	}
	r.written.Add(1)
	if repeated {
		r.logger.Debug("outcome deduplicated", zap.String("agent_id", o.AgentID), zap.String("id", id))
	}
	return id, nil
}

// Submit ставит исход в очередь и никогда не блокирует вызывающего.
// Возвращает false, если исход был сброшен.
func (r *Recorder) Submit(o domain.Outcome) bool {
	o = r.normalize(o)
	if err := o.Validate(); err != nil {
		r.drop(DropInvalid, o, err)
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(DropStopped, o, nil)
		return false
	}

	select {
	case r.ch <- o:
		return true
	default:
		r.drop(DropQueueFull, o, nil)
		return false
	}
}

// Stats: агрегат успехов и ошибок агента за последние window.
func (r *Recorder) Stats(ctx context.Context, agentID string, window time.Duration) (domain.OutcomeStats, error) {
	to := r.now()
	return r.store.Stats(ctx, agentID, to.Add(-window), to)
}

func (r *Recorder) QueueLen() int              { return len(r.ch) }
func (r *Recorder) QueueCap() int              { return cap(r.ch) }
func (r *Recorder) Dropped() uint64            { return r.dropped.Load() }
func (r *Recorder) Written() uint64            { return r.written.Load() }
func (r *Recorder) DedupWindow() time.Duration { return r.opts.DedupWindow }

func (r *Recorder) worker() {
	defer r.wg.Done()
	// Канал закрывается только в Stop: range вычитает всё, что осталось, и завершится
	for o := range r.ch {
		r.write(o)
	}
}

func (r *Recorder) write(o domain.Outcome) {
	retrier := retry.New(
		// Background: к моменту записи контекст вызова уже может быть закрыт
		retry.Context(context.Background()),
		retry.Attempts(r.opts.RetryAttempts),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if r.opts.RetryDelay > 0 {
				return r.opts.RetryDelay << n
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	err := retrier.Do(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		defer cancel()
		_, _, err := r.store.Upsert(ctx, o, r.opts.DedupWindow)
		return err
	})
	if err != nil {
		r.drop(DropStoreFail, o, err)
		return
	}
	r.written.Add(1)
}

func (r *Recorder) normalize(o domain.Outcome) domain.Outcome {
	if o.Timestamp.IsZero() {
		o.Timestamp = r.now()
	}
	o.Timestamp = o.Timestamp.UTC()
	if o.LastSeenAt.IsZero() {
		o.LastSeenAt = o.Timestamp
	}
	return o
}

func (r *Recorder) drop(reason string, o domain.Outcome, err error) {
	r.dropped.Add(1)
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("agent_id", o.AgentID),
		zap.String("input_hash", o.InputHash),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if errors.Is(err, domain.ErrValidation) {
		r.logger.Warn("outcome dropped", fields...)
	} else {
		r.logger.Error("outcome dropped", fields...)
	}
	if r.opts.OnDrop != nil {
		r.opts.OnDrop(reason)
	}
}
