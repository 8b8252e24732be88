package worker

import (
	"container/list"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"supportchat/internal/models"
)

var (
	ErrDispatcherBusy   = errors.New("worker: persistence queue is full")
	ErrDispatcherClosed = errors.New("worker: dispatcher is closed")
)

// ExchangeStore durably records one completed exchange.
type ExchangeStore interface {
	AddExchange(ctx context.Context, ex models.Exchange) error
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
	WriteTimeout      time.Duration
}

const defaultWriteTimeout = 5 * time.Second

type chatQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands persistence jobs to a bounded worker pool, taking turns
// between chats so one busy chat cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	store    ExchangeStore
	timeout  time.Duration

	mu        sync.Mutex
	queues    map[string]*chatQueue // job queue for each chat
	ready     *list.List            // LRU queue storing chat IDs
	positions map[string]*list.Element

	submitMu sync.Mutex
	closed   bool
	pending  sync.WaitGroup
	quit     chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, store ExchangeStore) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 128
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	d := &Dispatcher{
		JobQueue:  make(chan Job, queueSize),
		store:     store,
		timeout:   timeout,
		queues:    make(map[string]*chatQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, d)

	// warm up workers
	for i := 0; i < d.pool.min; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Persist queues the exchange for writing. It never blocks the caller.
func (d *Dispatcher) Persist(ex models.Exchange) error {
	return d.Submit(Job{Type: Persist, Exchange: ex})
}

func (d *Dispatcher) Submit(job Job) error {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	d.pending.Add(1)
	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.pending.Done()
		return ErrDispatcherBusy
	}
}

// Drain stops accepting jobs, waits for queued ones to finish and then
// stops the workers. It returns ctx.Err() if the wait is cut short.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.submitMu.Lock()
	if d.closed {
		d.submitMu.Unlock()
		return nil
	}
	d.closed = true
	d.submitMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	close(d.quit)
	d.pool.shutdown()
	return nil
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the chat in the front of LRU queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	chatID := job.chatKey()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		d.queues[chatID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[chatID] = d.ready.PushBack(chatID)
}

// dispatchOne get first chat in LRU and dispatch its job
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	chatID := elem.Value.(string)
	q := d.queues[chatID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, chatID)
		delete(d.queues, chatID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign exchange for chat %s", chatID)
	workerChan <- job
	return true
}

func (d *Dispatcher) handle(job Job) {
	defer d.pending.Done()
	if job.Type != Persist {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.store.AddExchange(ctx, job.Exchange); err != nil {
		log.Printf("persist exchange for chat %s failed: %v", job.Exchange.ChatID, err)
	}
}
