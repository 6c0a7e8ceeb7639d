// Package channeltest provides a fake transport channel for tests across
// the SDK packages.
package channeltest

import (
	"sync"

	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/extension"
)

// Fake is an in-memory channel recording every interaction.
type Fake struct {
	mu sync.Mutex

	Name  string
	Types []extension.Type
	Proto uint32

	Builder     channel.RequestBuilder
	Server      channel.AccessPoint
	ServerSet   bool
	SyncCalls   [][]extension.Type
	SyncErr     error
	Displaced   []extension.Type
	ServerLists [][]channel.AccessPoint
	Closed      bool

	// OnSync, when set, runs instead of just recording the call.
	OnSync func(types []extension.Type) error
}

// New returns a fake channel carrying the given types.
func New(name string, types ...extension.Type) *Fake {
	return &Fake{Name: name, Types: types}
}

func (f *Fake) ID() string { return f.Name }

func (f *Fake) TransportProtocolID() uint32 { return f.Proto }

func (f *Fake) SupportedTypes() []extension.Type {
	return append([]extension.Type(nil), f.Types...)
}

func (f *Fake) SetServer(ap channel.AccessPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Server = ap
	f.ServerSet = true
	return nil
}

func (f *Fake) SetRequestBuilder(b channel.RequestBuilder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Builder = b
}

func (f *Fake) Sync(types []extension.Type) error {
	f.mu.Lock()
	f.SyncCalls = append(f.SyncCalls, append([]extension.Type(nil), types...))
	onSync := f.OnSync
	err := f.SyncErr
	f.mu.Unlock()
	if onSync != nil {
		return onSync(types)
	}
	return err
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

func (f *Fake) TypeDisplaced(t extension.Type) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Displaced = append(f.Displaced, t)
}

func (f *Fake) OnServerListUpdated(list []channel.AccessPoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ServerLists = append(f.ServerLists, append([]channel.AccessPoint(nil), list...))
}

// SyncCount returns the number of Sync calls recorded.
func (f *Fake) SyncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SyncCalls)
}
