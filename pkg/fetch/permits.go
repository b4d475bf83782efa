package fetch

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/harvester/pkg/parse"
	"github.com/Sriram-PR/harvester/pkg/utils"
)

const defaultPerServer = 2

type serverState struct {
	sem      *semaphore.Weighted
	users    int64     // held and waiting permits
	idleFrom time.Time // when users last dropped to zero
}

// ServerPermits caps concurrent connections per server. A server is
// scheme://host:port, so two ports on one host are capped separately. One
// instance is shared by every tracker and pool worker.
type ServerPermits struct {
	mu        sync.Mutex
	servers   map[string]*serverState
	perServer int64
	log       *logrus.Entry
}

// NewServerPermits allows perServer connections to each server
func NewServerPermits(perServer int, log *logrus.Entry) *ServerPermits {
	n := int64(perServer)
	if n <= 0 {
		n = defaultPerServer
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", n)
	}
	return &ServerPermits{
		servers:   make(map[string]*serverState),
		perServer: n,
		log:       log,
	}
}

// Acquire waits for a connection permit to u's server. A positive timeout
// bounds the wait and yields ErrSemaphoreTimeout when it runs out; ending
// ctx returns ctx's error. The returned release is safe to call twice.
func (p *ServerPermits) Acquire(ctx context.Context, u *url.URL, timeout time.Duration) (func(), error) {
	key := parse.Origin(u)

	p.mu.Lock()
	st, ok := p.servers[key]
	if !ok {
		st = &serverState{sem: semaphore.NewWeighted(p.perServer)}
		p.servers[key] = st
		p.log.WithFields(logrus.Fields{"server": key, "limit": p.perServer}).Debug("Tracking new server")
	}
	st.users++
	p.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := st.sem.Acquire(waitCtx, 1); err != nil {
		p.drop(st)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, utils.WrapErrorf(utils.ErrSemaphoreTimeout, "server %s after %v", key, timeout)
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			st.sem.Release(1)
			p.drop(st)
		})
	}, nil
}

func (p *ServerPermits) drop(st *serverState) {
	p.mu.Lock()
	st.users--
	if st.users == 0 {
		st.idleFrom = time.Now()
	}
	p.mu.Unlock()
}

// RunEviction forgets idle servers every interval until ctx ends
func (p *ServerPermits) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(time.Now(), interval)
		case <-ctx.Done():
			return
		}
	}
}

// evictIdle drops servers with no users that have been idle for maxIdle
func (p *ServerPermits) evictIdle(now time.Time, maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	evicted := 0
	for key, st := range p.servers {
		if st.users == 0 && now.Sub(st.idleFrom) >= maxIdle {
			delete(p.servers, key)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Forgot %d idle servers, %d remain", evicted, len(p.servers))
	}
	return evicted
}

// Servers returns the number of tracked servers
func (p *ServerPermits) Servers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}
