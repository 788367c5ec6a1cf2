//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poll

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing-socket/common/log"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type watcherKey struct {
	fd        int
	direction Direction
}

type Poller struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   logrus.Ext1FieldLogger
	kqueueFD int
	mutex    sync.Mutex
	entries  map[watcherKey]*Watcher
	running  bool
	closed   atomic.Bool
	wg       sync.WaitGroup
	pipeFDs  [2]int
}

func NewPoller(ctx context.Context) (*Poller, error) {
	kqueueFD, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	var pipeFDs [2]int
	err = unix.Pipe(pipeFDs[:])
	if err == nil {
		err = unix.SetNonblock(pipeFDs[0], true)
	}
	if err == nil {
		err = unix.SetNonblock(pipeFDs[1], true)
	}
	if err == nil {
		changes := make([]unix.Kevent_t, 1)
		unix.SetKevent(&changes[0], pipeFDs[0], unix.EVFILT_READ, unix.EV_ADD)
		_, err = unix.Kevent(kqueueFD, changes, nil, nil)
	}
	if err != nil {
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		unix.Close(kqueueFD)
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Poller{
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.NewLogger("poll"),
		kqueueFD: kqueueFD,
		entries:  make(map[watcherKey]*Watcher),
		pipeFDs:  pipeFDs,
	}, nil
}

func filterOf(direction Direction) int {
	if direction == Write {
		return unix.EVFILT_WRITE
	}
	return unix.EVFILT_READ
}

// Watch arms a one-shot watcher for fd in direction.
func (p *Poller) Watch(fd int, direction Direction, handler Handler) (*Watcher, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed.Load() {
		return nil, ErrClosed
	}

	key := watcherKey{fd, direction}
	if _, loaded := p.entries[key]; loaded {
		return nil, ErrBusy
	}

	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, filterOf(direction), unix.EV_ADD|unix.EV_ONESHOT)
	_, err := unix.Kevent(p.kqueueFD, changes, nil, nil)
	if err != nil {
		return nil, err
	}

	watcher := &Watcher{
		poller:    p,
		fd:        fd,
		direction: direction,
		handler:   handler,
	}
	p.entries[key] = watcher

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

	key := watcherKey{watcher.fd, watcher.direction}
	if p.entries[key] != watcher {
		return
	}
	delete(p.entries, key)
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], watcher.fd, filterOf(watcher.direction), unix.EV_DELETE)
	unix.Kevent(p.kqueueFD, changes, nil, nil)
	if len(p.entries) == 0 {
		p.wakeup()
	}
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

	unix.Close(p.kqueueFD)
	unix.Close(p.pipeFDs[0])
	unix.Close(p.pipeFDs[1])
	p.entries = make(map[watcherKey]*Watcher)
	return nil
}

func (p *Poller) run() {
	defer p.wg.Done()

	events := make([]unix.Kevent_t, 64)
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

		n, err := unix.Kevent(p.kqueueFD, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.logger.Error("kevent: ", err)
			p.mutex.Lock()
			p.running = false
			p.mutex.Unlock()
			return
		}

		fired = fired[:0]
		p.mutex.Lock()
		for i := 0; i < n; i++ {
			event := events[i]
			fd := int(event.Ident)

			if fd == p.pipeFDs[0] {
				unix.Read(p.pipeFDs[0], buffer[:])
				continue
			}
			if event.Flags&unix.EV_ERROR != 0 {
				continue
			}

			direction := Read
			if int(event.Filter) == unix.EVFILT_WRITE {
				direction = Write
			}
			key := watcherKey{fd, direction}
			watcher, loaded := p.entries[key]
			if !loaded {
				continue
			}
			delete(p.entries, key)
			fired = append(fired, watcher)
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
