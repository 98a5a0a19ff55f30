package renewalfakes

import (
	"context"
	"net/http"
	"sync"

	"github.com/jrsteele09/go-session-keeper/renewal"
)

var _ renewal.Prober = (*FakeProber)(nil)

type FakeProber struct {
	lock    sync.Mutex
	result  *renewal.ProbeResult
	err     error
	calls   int
	cookies [][]*http.Cookie
}

func NewFakeProber() *FakeProber {
	return &FakeProber{result: &renewal.ProbeResult{Status: renewal.ProbeStatusOK}}
}

func (p *FakeProber) Returns(result *renewal.ProbeResult, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.result = result
	p.err = err
}

func (p *FakeProber) Probe(_ context.Context, _ string, cookies []*http.Cookie) (*renewal.ProbeResult, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.calls++
	p.cookies = append(p.cookies, cookies)
	return p.result, p.err
}

func (p *FakeProber) CallCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.calls
}

var _ renewal.LoginProvider = (*FakeLoginProvider)(nil)

type FakeLoginProvider struct {
	lock    sync.Mutex
	cookies []*http.Cookie
	err     error
	calls   int
	block   chan struct{}
}

func NewFakeLoginProvider() *FakeLoginProvider {
	return &FakeLoginProvider{}
}

func (l *FakeLoginProvider) Returns(cookies []*http.Cookie, err error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.cookies = cookies
	l.err = err
}

// BlockUntil makes Login wait on ch before returning, for concurrency tests.
func (l *FakeLoginProvider) BlockUntil(ch chan struct{}) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.block = ch
}

func (l *FakeLoginProvider) Login(ctx context.Context, _ string) ([]*http.Cookie, error) {
	l.lock.Lock()
	l.calls++
	block := l.block
	cookies, err := l.cookies, l.err
	l.lock.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return cookies, err
}

func (l *FakeLoginProvider) CallCount() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.calls
}
