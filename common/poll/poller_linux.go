//go:build linux

package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sagernet/sing-socket/common/log"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type fdEntry struct {
	fd             int
	registrationID uint64
	watchers       [2]*Watcher
}

func (e *fdEntry) events() uint32 {
	var events uint32
	if e.watchers[Read] != nil {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if e.watchers[Write] != nil {
		events |= unix.EPOLLOUT
	}
	return events
}

type Poller struct {
	ctx                 context.Context
	cancel              context.CancelFunc
	logger              logrus.Ext1FieldLogger
	epollFD             int
	mutex               sync.Mutex
	entries             map[int]*fdEntry
	registrationCounter uint64
	registrationToFD    map[uint64]int
	running             bool
	closed              atomic.Bool
	wg                  sync.WaitGroup
	pipeFDs             [2]int
}

func NewPoller(ctx context.Context) (*Poller, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	var pipeFDs [2]int
	err = unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, err
	}

	pipeEvent := &unix.EpollEvent{Events: unix.EPOLLIN}
	*(*uint64)(unsafe.Pointer(&pipeEvent.Fd)) = 0
	err = unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, pipeFDs[0], pipeEvent)
	if err != nil {
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		unix.Close(epollFD)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Poller{
		ctx:              ctx,
		cancel:           cancel,
		logger:           log.NewLogger("poll"),
		epollFD:          epollFD,
		entries:          make(map[int]*fdEntry),
		registrationToFD: make(map[uint64]int),
		pipeFDs:          pipeFDs,
	}, nil
}

// Watch arms a one-shot watcher for fd in direction.
func (p *Poller) Watch(fd int, direction Direction, handler Handler) (*Watcher, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed.Load() {
		return nil, ErrClosed
	}

	entry, loaded := p.entries[fd]
	if loaded && entry.watchers[direction] != nil {
		return nil, ErrBusy
	}
	if !loaded {
		p.registrationCounter++
		entry = &fdEntry{
			fd:             fd,
			registrationID: p.registrationCounter,
		}
	}

	watcher := &Watcher{
		poller:    p,
		fd:        fd,
		direction: direction,
		handler:   handler,
	}
	entry.watchers[direction] = watcher

	event := &unix.EpollEvent{Events: entry.events()}
	*(*uint64)(unsafe.Pointer(&event.Fd)) = entry.registrationID
	operation := unix.EPOLL_CTL_MOD
	if !loaded {
		operation = unix.EPOLL_CTL_ADD
	}
	err := unix.EpollCtl(p.epollFD, operation, fd, event)
	if err == unix.ENOENT && loaded {
		// the descriptor was closed and reused without cancelling its watchers
		err = unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_ADD, fd, event)
	}
	if err != nil {
		entry.watchers[direction] = nil
		return nil, err
	}

	if !loaded {
		p.entries[fd] = entry
		p.registrationToFD[entry.registrationID] = fd
	}

	if !p.running {
		p.running = true
		p.wg.Add(1)
		go p.run()
	}

	return watcher, nil
}

func (p *Poller) remove(watcher *Watcher) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	entry, loaded := p.entries[watcher.fd]
	if !loaded || entry.watchers[watcher.direction] != watcher {
		return
	}
	entry.watchers[watcher.direction] = nil
	p.update(entry)
	if len(p.entries) == 0 {
		p.wakeup()
	}
}

// update must be called with the mutex held.
func (p *Poller) update(entry *fdEntry) {
	events := entry.events()
	if events == 0 {
		unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, entry.fd, nil)
		delete(p.registrationToFD, entry.registrationID)
		delete(p.entries, entry.fd)
		return
	}
	event := &unix.EpollEvent{Events: events}
	*(*uint64)(unsafe.Pointer(&event.Fd)) = entry.registrationID
	unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_MOD, entry.fd, event)
}

func (p *Poller) wakeup() {
	unix.Write(p.pipeFDs[1], []byte{0})
}

func (p *Poller) Close() error {
	p.mutex.Lock()
	if p.closed.Swap(true) {
		p.mutex.Unlock()
		return nil
	}
	p.mutex.Unlock()

	p.cancel()
	p.wakeup()
	p.wg.Wait()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	unix.Close(p.epollFD)
	unix.Close(p.pipeFDs[0])
	unix.Close(p.pipeFDs[1])
	p.entries = make(map[int]*fdEntry)
	p.registrationToFD = make(map[uint64]int)
	return nil
}

func (p *Poller) run() {
	defer p.wg.Done()

	events := make([]unix.EpollEvent, 64)
	var buffer [64]byte
	var fired []*Watcher

	for {
		select {
		case <-p.ctx.Done():
			p.mutex.Lock()
			p.running = false
			p.mutex.Unlock()
			return
		default:
		}

		n, err := unix.EpollWait(p.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.logger.Error("epoll wait: ", err)
			p.mutex.Lock()
			p.running = false
			p.mutex.Unlock()
			return
		}

		fired = fired[:0]
		p.mutex.Lock()
		for i := 0; i < n; i++ {
			event := events[i]
			registrationID := *(*uint64)(unsafe.Pointer(&event.Fd))

			if registrationID == 0 {
				unix.Read(p.pipeFDs[0], buffer[:])
				continue
			}

			fd, loaded := p.registrationToFD[registrationID]
			if !loaded {
				continue
			}
			entry := p.entries[fd]
			if entry == nil || entry.registrationID != registrationID {
				continue
			}

			failed := event.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0
			if watcher := entry.watchers[Read]; watcher != nil && (failed || event.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0) {
				entry.watchers[Read] = nil
				fired = append(fired, watcher)
			}
			if watcher := entry.watchers[Write]; watcher != nil && (failed || event.Events&unix.EPOLLOUT != 0) {
				entry.watchers[Write] = nil
				fired = append(fired, watcher)
			}
			p.update(entry)
		}
		p.mutex.Unlock()

		for _, watcher := range fired {
			watcher.fire()
		}

		p.mutex.Lock()
		if len(p.entries) == 0 {
			p.running = false
			p.mutex.Unlock()
			return
		}
		p.mutex.Unlock()
	}
}
