package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/TWN-Systems/strix/internal/logging"
	"github.com/TWN-Systems/strix/internal/tools"
)

// Handle is what an agent needs to reach its sandbox: where it listens and
// the bearer secret it accepts. A child agent shares its parent's handle
// unless explicitly provisioned its own, so one handle usually covers a
// whole agent subtree.
type Handle struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// Provisioner creates and tears down sandboxes. The local implementation
// runs the worker server in process; alternative implementations may hand
// out containers or remote isolates behind the same contract.
type Provisioner interface {
	Provision(ctx context.Context) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

// LocalProvisioner serves sandboxes from the current process, each on its
// own loopback port with a fresh uuid token.
type LocalProvisioner struct {
	registry *tools.Registry
	opts     DispatcherOptions
	log      logging.Logger

	mu      sync.Mutex
	servers map[string]*Server
}

// NewLocalProvisioner builds a provisioner. Dispatcher options apply to
// every sandbox it creates.
func NewLocalProvisioner(registry *tools.Registry, opts DispatcherOptions) *LocalProvisioner {
	return &LocalProvisioner{
		registry: registry,
		opts:     opts,
		log:      logging.OrNop(opts.Logger),
		servers:  make(map[string]*Server),
	}
}

// Provision starts a worker server on a free loopback port and returns its
// handle.
func (p *LocalProvisioner) Provision(ctx context.Context) (*Handle, error) {
	token := uuid.NewString()
	dispatcher := NewDispatcher(p.registry, p.opts)
	server := NewServer(dispatcher, p.registry, token, p.log)

	address, err := server.Start("127.0.0.1:0")
	if err != nil {
		dispatcher.Close()
		return nil, err
	}

	p.mu.Lock()
	p.servers[address] = server
	p.mu.Unlock()

	p.log.Info("provisioned local sandbox at %s", address)
	return &Handle{Address: address, Token: token}, nil
}

// Release stops the sandbox behind the handle. Unknown handles are an
// error so double releases surface instead of passing silently.
func (p *LocalProvisioner) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	p.mu.Lock()
	server, ok := p.servers[h.Address]
	if ok {
		delete(p.servers, h.Address)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("no sandbox provisioned at %s", h.Address)
	}
	return server.Stop(ctx)
}

// ReleaseAll tears down every sandbox this provisioner created.
func (p *LocalProvisioner) ReleaseAll(ctx context.Context) {
	p.mu.Lock()
	servers := make([]*Server, 0, len(p.servers))
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	p.servers = make(map[string]*Server)
	p.mu.Unlock()

	for _, s := range servers {
		if err := s.Stop(ctx); err != nil {
			p.log.Warn("sandbox shutdown: %v", err)
		}
	}
}
