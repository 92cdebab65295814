// Package pgcache maintains proxy groups, proxies and host-to-proxy
// bindings: the bookkeeping that decides which remote proxy owns which host
// and where agents should be redirected.
//
// Two layers mirror the upstream split: ConfigCache holds the authoritative
// rows delivered by configuration sync and answers redirect queries; Cache
// (cache.go) is the proxy-group manager's operational view, incrementally
// fetched from ConfigCache, that rebalances hosts and serves proxy sync
// data.
package pgcache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netsweep/internal/drule"
)

// DefaultFailoverDelay is used when a group's configured delay is invalid.
const DefaultFailoverDelay = time.Minute

// Relocation describes an object moving between groups; zero ids mean
// "no group".
type Relocation struct {
	ObjID uint64
	SrcID uint64
	DstID uint64
}

// ProxyGroupRow is one proxy group configuration row.
type ProxyGroupRow struct {
	ProxyGroupID  uint64
	FailoverDelay string
	MinOnline     int
	Name          string
}

// ProxyRow is one proxy configuration row.
type ProxyRow struct {
	ProxyID      uint64
	Name         string
	ProxyGroupID uint64
	Lastaccess   time.Time
	LocalAddress string
	LocalPort    string
}

// HostProxyRow is one host-proxy binding row.
type HostProxyRow struct {
	HostProxyID uint64
	HostID      uint64
	Host        string
	ProxyID     uint64
	Revision    uint64
}

type configGroup struct {
	row           ProxyGroupRow
	failoverDelay time.Duration
	revision      uint64
}

type configProxy struct {
	row      ProxyRow
	revision uint64
}

type binding struct {
	row               HostProxyRow
	lastReset         time.Time
	resetAvailability bool
}

// Redirect is the answer to a host redirect query.
type Redirect struct {
	Address  string
	Revision uint64

	// Reset tells the caller to drop its connection and re-resolve: the
	// local proxy is failing over.
	Reset bool
}

// ConfigCache is the authoritative configuration state, written by the
// configuration sync and read by redirect queries and the fetch methods.
type ConfigCache struct {
	mu sync.RWMutex

	groups    map[uint64]*configGroup
	proxies   map[uint64]*configProxy
	hostProxy map[uint64]*binding
	hostIndex map[string]*binding

	groupRevision     uint64
	proxyRevision     uint64
	hostProxyRevision uint64

	localProxyName     string
	proxyLastOnline    time.Time
	proxyFailoverDelay time.Duration

	resolveMacros func(string) string
	now           func() time.Time
	logger        *zap.Logger
}

// NewConfigCache creates an empty configuration cache.
func NewConfigCache(logger *zap.Logger) *ConfigCache {
	return &ConfigCache{
		groups:             make(map[uint64]*configGroup),
		proxies:            make(map[uint64]*configProxy),
		hostProxy:          make(map[uint64]*binding),
		hostIndex:          make(map[string]*binding),
		proxyFailoverDelay: DefaultFailoverDelay,
		resolveMacros:      func(s string) string { return s },
		now:                time.Now,
		logger:             logger,
	}
}

// SetMacroResolver installs the user-macro resolver used for proxy ports.
func (cc *ConfigCache) SetMacroResolver(resolve func(string) string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.resolveMacros = resolve
}

// SetLocalProxyName identifies this process's proxy for redirect decisions.
func (cc *ConfigCache) SetLocalProxyName(name string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.localProxyName = name
}

// SetProxyFailoverDelay updates the redirect failover delay.
func (cc *ConfigCache) SetProxyFailoverDelay(delay time.Duration) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.proxyFailoverDelay = delay
}

// SetProxyLastOnline records the local proxy's last-online timestamp.
func (cc *ConfigCache) SetProxyLastOnline(t time.Time) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.proxyLastOnline = t
}

// SyncProxyGroups upserts the given group rows and deletes the listed ids,
// stamping the new configuration revision. Invalid failover delays fall back
// to the default with a warning.
func (cc *ConfigCache) SyncProxyGroups(rows []ProxyGroupRow, deleted []uint64, revision uint64) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	changed := false
	for _, row := range rows {
		delay, err := drule.ParseDelay(row.FailoverDelay)
		if err != nil {
			cc.logger.Warn("invalid proxy group failover delay, using 60 seconds default value",
				zap.Uint64("proxy_groupid", row.ProxyGroupID),
				zap.String("failover_delay", row.FailoverDelay))
			delay = DefaultFailoverDelay
		}

		group, ok := cc.groups[row.ProxyGroupID]
		if !ok {
			group = &configGroup{}
			cc.groups[row.ProxyGroupID] = group
		}
		group.row = row
		group.failoverDelay = delay
		group.revision = revision
		changed = true
	}

	for _, id := range deleted {
		if _, ok := cc.groups[id]; ok {
			delete(cc.groups, id)
			changed = true
		}
	}

	if changed {
		cc.groupRevision = revision
	}
}

// SyncProxies upserts proxy rows and deletes the listed ids.
func (cc *ConfigCache) SyncProxies(rows []ProxyRow, deleted []uint64, revision uint64) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	changed := false
	for _, row := range rows {
		proxy, ok := cc.proxies[row.ProxyID]
		if !ok {
			proxy = &configProxy{}
			cc.proxies[row.ProxyID] = proxy
		}
		proxy.row = row
		proxy.revision = revision
		changed = true
	}

	for _, id := range deleted {
		if _, ok := cc.proxies[id]; ok {
			delete(cc.proxies, id)
			changed = true
		}
	}

	if changed {
		cc.proxyRevision = revision
	}
}

// SyncHostProxy upserts host-proxy binding rows and deletes the listed
// binding ids. A binding whose host name changed is re-registered under the
// new name. A binding moved to another proxy, or removed, has the host's
// interface availability flagged for reset; a rename alone does not flag it.
func (cc *ConfigCache) SyncHostProxy(rows []HostProxyRow, deleted []uint64, revision uint64) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	for _, row := range rows {
		b, ok := cc.hostProxy[row.HostProxyID]
		if !ok {
			b = &binding{}
			cc.hostProxy[row.HostProxyID] = b
		} else if b.row.Host != row.Host {
			delete(cc.hostIndex, b.row.Host)
		}

		if b.row.ProxyID != 0 && b.row.ProxyID != row.ProxyID {
			b.resetAvailability = true
		}

		b.row = row
		cc.hostIndex[row.Host] = b
	}

	// Removal pass. The original searched its proxy-groups table here, which
	// reads like a bug; bindings are looked up in the host-proxy table.
	for _, id := range deleted {
		b, ok := cc.hostProxy[id]
		if !ok {
			continue
		}
		b.resetAvailability = true
		delete(cc.hostIndex, b.row.Host)
		delete(cc.hostProxy, id)
	}

	cc.hostProxyRevision = revision
}

// TakeAvailabilityResets drains the set of hosts whose interface
// availability must be reset after binding changes.
func (cc *ConfigCache) TakeAvailabilityResets() []uint64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var hostids []uint64
	for _, b := range cc.hostProxy {
		if b.resetAvailability {
			hostids = append(hostids, b.row.HostID)
			b.resetAvailability = false
		}
	}
	return hostids
}

// GetHostRedirect answers where the named host should connect. ok=false
// means no redirect: the host is unknown, or it is served locally and the
// fail-over window has not elapsed.
func (cc *ConfigCache) GetHostRedirect(host string) (Redirect, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	b, ok := cc.hostIndex[host]
	if !ok {
		return Redirect{}, false
	}

	proxy, ok := cc.proxies[b.row.ProxyID]
	if !ok {
		return Redirect{}, false
	}

	if cc.localProxyName != "" && proxy.row.Name == cc.localProxyName {
		now := cc.now()
		if now.Sub(cc.proxyLastOnline) < cc.proxyFailoverDelay ||
			now.Sub(b.lastReset) < cc.proxyFailoverDelay {
			return Redirect{}, false
		}
		b.lastReset = now
		return Redirect{Reset: true}, true
	}

	port := proxy.row.LocalPort
	if strings.HasPrefix(port, "{") {
		port = cc.resolveMacros(port)
	}

	address := proxy.row.LocalAddress
	if port != "" {
		address = fmt.Sprintf("%s:%s", address, port)
	}

	return Redirect{Address: address, Revision: b.row.Revision}, true
}

// FetchGroups diffs the authoritative groups into the caller-owned
// operational map. Returns false when the caller is already current.
func (cc *ConfigCache) FetchGroups(dst map[uint64]*Group, revision *uint64) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if *revision >= cc.groupRevision {
		return false
	}
	*revision = cc.groupRevision

	seen := make(map[uint64]bool, len(cc.groups))
	for id, cg := range cc.groups {
		seen[id] = true

		group, ok := dst[id]
		if !ok {
			group = newGroup(id)
			dst[id] = group
		}

		if cg.revision > group.Revision {
			group.Revision = cg.revision
			group.FailoverDelay = cg.failoverDelay
			group.MinOnline = cg.row.MinOnline
			group.Name = cg.row.Name
		}
	}

	for id, group := range dst {
		if !seen[id] {
			for _, proxy := range group.Proxies {
				proxy.Group = nil
			}
			delete(dst, id)
		}
	}

	return true
}

// FetchProxies diffs the authoritative proxies into the caller-owned map.
// reloc receives one entry per proxy whose group membership changed,
// including proxies leaving all groups.
func (cc *ConfigCache) FetchProxies(dst map[uint64]*Proxy, revision *uint64, reloc *[]Relocation) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if *revision >= cc.proxyRevision {
		return false
	}
	*revision = cc.proxyRevision

	for id, cp := range cc.proxies {
		proxy := dst[id]

		if cp.row.ProxyGroupID == 0 {
			if proxy != nil && proxy.Group != nil {
				*reloc = append(*reloc, Relocation{
					ObjID: id,
					SrcID: proxy.Group.ProxyGroupID,
				})
			}
			continue
		}

		if proxy == nil {
			proxy = newProxy(id)
			dst[id] = proxy
		}

		if cp.row.Lastaccess.After(proxy.Lastaccess) {
			proxy.Lastaccess = cp.row.Lastaccess
		}
		proxy.LocalAddress = cp.row.LocalAddress
		proxy.LocalPort = cp.row.LocalPort

		oldGroupID := uint64(0)
		if proxy.Group != nil {
			oldGroupID = proxy.Group.ProxyGroupID
		}
		if oldGroupID != cp.row.ProxyGroupID {
			*reloc = append(*reloc, Relocation{
				ObjID: id,
				SrcID: oldGroupID,
				DstID: cp.row.ProxyGroupID,
			})
		}

		if proxy.Name != cp.row.Name {
			proxy.Name = cp.row.Name
		}
	}

	return true
}
