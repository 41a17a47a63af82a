package ocrqueue

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/docuflow/internal/logging"
)

// wakeChannel is the Redis Pub/Sub channel and Asynq task type used purely
// as a wake signal — never a job-state carrier. MetaStore's leaseOneJob
// remains the sole source of truth (spec §4.3: "All correctness is derived
// from MetaStore's atomic lease operation, not from in-process
// synchronization. In-process structures... are advisory").
const (
	wakeChannel = "docuflow:ocrqueue:wake"
	wakeTask    = "ocrqueue:wake"
)

// Notifier lets enqueueJob wake idle dispatchers faster than
// empty_poll_interval (spec §5: "implementations SHOULD use a
// notification channel... to wake the dispatcher on enqueueJob").
// C returns a channel that receives a value whenever any process calls
// Notify; dispatchers select on it alongside their poll ticker.
type Notifier interface {
	Notify(ctx context.Context)
	C() <-chan struct{}
	Close() error
}

// localNotifier is a same-process Notifier with no external dependency;
// always present, used as the fallback when no wake backend is
// configured and as the final hop for the Redis/Asynq notifiers below.
type localNotifier struct {
	ch chan struct{}
}

func newLocalNotifier() *localNotifier {
	return &localNotifier{ch: make(chan struct{}, 1)}
}

func (n *localNotifier) Notify(ctx context.Context) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *localNotifier) C() <-chan struct{} { return n.ch }
func (n *localNotifier) Close() error       { return nil }

// RedisNotifier relays wake signals across processes over Redis Pub/Sub,
// grounded on the teacher's redis_consumer.go Publish/Subscribe usage
// (internal/queue/redis_consumer.go's `:events` channel), repurposed here
// as a zero-payload wake signal instead of a job-state event stream.
type RedisNotifier struct {
	local  *localNotifier
	client *redis.Client
	sub    *redis.PubSub
	log    *logging.Logger
	cancel context.CancelFunc
}

// NewRedisNotifier connects to redisURL and starts relaying wakeChannel
// publishes into the local channel the dispatcher selects on.
func NewRedisNotifier(ctx context.Context, redisURL string) (*RedisNotifier, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	sub := client.Subscribe(ctx, wakeChannel)
	relayCtx, cancel := context.WithCancel(ctx)
	n := &RedisNotifier{
		local:  newLocalNotifier(),
		client: client,
		sub:    sub,
		log:    logging.NewLogger("ocrqueue.notify.redis"),
		cancel: cancel,
	}
	go n.relay(relayCtx)
	return n, nil
}

func (n *RedisNotifier) relay(ctx context.Context) {
	ch := n.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			n.local.Notify(ctx)
		}
	}
}

func (n *RedisNotifier) Notify(ctx context.Context) {
	if err := n.client.Publish(ctx, wakeChannel, "1").Err(); err != nil {
		n.log.Warn("publish wake signal failed", "error", err.Error())
	}
}

func (n *RedisNotifier) C() <-chan struct{} { return n.local.C() }

func (n *RedisNotifier) Close() error {
	n.cancel()
	n.sub.Close()
	return n.client.Close()
}

// AsynqNotifier publishes the same wake signal over Asynq's own Redis
// queues, grounded on the teacher's internal/queue/consumer.go (Asynq
// client/server/ServeMux wiring). This gives dispatchers blocked on
// Asynq's blocking fetch (rather than go-redis Pub/Sub) a second,
// independent path to wake promptly; the handler carries no job payload,
// only a relay into the local channel.
type AsynqNotifier struct {
	local  *localNotifier
	client *asynq.Client
	server *asynq.Server
	log    *logging.Logger
}

// NewAsynqNotifier starts an Asynq server dedicated to the wake task type
// and returns a Notifier that enqueues one on Notify.
func NewAsynqNotifier(redisURL string) (*AsynqNotifier, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	client := asynq.NewClient(redisOpt)
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"docuflow_wake": 1},
	})
	n := &AsynqNotifier{
		local:  newLocalNotifier(),
		client: client,
		server: server,
		log:    logging.NewLogger("ocrqueue.notify.asynq"),
	}
	mux := asynq.NewServeMux()
	mux.HandleFunc(wakeTask, n.handleWake)
	go func() {
		if err := server.Run(mux); err != nil {
			n.log.Warn("asynq wake server stopped", "error", err.Error())
		}
	}()
	return n, nil
}

func (n *AsynqNotifier) handleWake(ctx context.Context, _ *asynq.Task) error {
	n.local.Notify(ctx)
	return nil
}

func (n *AsynqNotifier) Notify(ctx context.Context) {
	task := asynq.NewTask(wakeTask, nil)
	if _, err := n.client.EnqueueContext(ctx, task, asynq.Queue("docuflow_wake"), asynq.MaxRetry(0)); err != nil {
		n.log.Warn("enqueue wake task failed", "error", err.Error())
	}
}

func (n *AsynqNotifier) C() <-chan struct{} { return n.local.C() }

func (n *AsynqNotifier) Close() error {
	n.server.Shutdown()
	return n.client.Close()
}

// MultiNotifier fans Notify out to several backends and merges their C()
// channels into one, so a dispatcher can be woken by whichever backend
// reacts first.
type MultiNotifier struct {
	backends []Notifier
	merged   chan struct{}
	cancel   context.CancelFunc
}

// NewMultiNotifier combines backends (e.g. local + Redis + Asynq) behind
// a single Notifier.
func NewMultiNotifier(ctx context.Context, backends ...Notifier) *MultiNotifier {
	mergedCtx, cancel := context.WithCancel(ctx)
	m := &MultiNotifier{backends: backends, merged: make(chan struct{}, 1), cancel: cancel}
	for _, b := range backends {
		go m.pump(mergedCtx, b)
	}
	return m
}

func (m *MultiNotifier) pump(ctx context.Context, b Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-b.C():
			if !ok {
				return
			}
			select {
			case m.merged <- struct{}{}:
			default:
			}
		}
	}
}

func (m *MultiNotifier) Notify(ctx context.Context) {
	for _, b := range m.backends {
		b.Notify(ctx)
	}
}

func (m *MultiNotifier) C() <-chan struct{} { return m.merged }

func (m *MultiNotifier) Close() error {
	m.cancel()
	var firstErr error
	for _, b := range m.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
