//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package poll

import "context"

type Poller struct{}

func NewPoller(ctx context.Context) (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Watch(fd int, direction Direction, handler Handler) (*Watcher, error) {
	return nil, ErrUnsupported
}

func (p *Poller) remove(watcher *Watcher) {}

func (p *Poller) Close() error {
	return nil
}
