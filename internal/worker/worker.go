package worker

import "supportchat/internal/models"

type JobType int

const (
	Persist JobType = iota
	Stop
)

// Job is a unit of work for the pool. Persist jobs carry one exchange.
type Job struct {
	Type     JobType
	Exchange models.Exchange
}

func (job Job) chatKey() string {
	return job.Exchange.ChatID
}

type Worker struct {
	pool       *jobChannelPool
	dispatcher *Dispatcher
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, dispatcher *Dispatcher) *Worker {
	return &Worker{
		pool:       pool,
		dispatcher: dispatcher,
		jobChannel: make(chan Job),
	}
}

// Start announces the worker as idle and serves jobs until told to stop.
func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.dispatcher.handle(job)
		}
	}()
}
