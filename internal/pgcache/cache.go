package pgcache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Proxy sync modes returned by GetProxySyncData.
const (
	SyncNone    uint8 = 0
	SyncFull    uint8 = 1
	SyncPartial uint8 = 2
)

// fullSyncAge forces a full sync when the proxy has not synced for this long.
const fullSyncAge = 24 * time.Hour

// Proxy states derived from lastaccess against the group failover delay.
const (
	ProxyOffline = 0
	ProxyOnline  = 1
)

// Proxy group states served by GetGroupStats.
const (
	GroupOffline   int32 = 0
	GroupOnline    int32 = 1
	GroupDegrading int32 = 2
)

// hostRevision records a host removed from a proxy and the hostmap revision
// the removal happened at, for partial sync delivery.
type hostRevision struct {
	HostID   uint64
	Revision uint64
}

// Proxy is the operational view of one proxy.
type Proxy struct {
	ProxyID      uint64
	Name         string
	Group        *Group
	Lastaccess   time.Time
	SyncTime     time.Time
	LocalAddress string
	LocalPort    string

	// Hosts assigned to this proxy by its group's hostmap.
	Hosts map[uint64]struct{}

	// DeletedGroupHosts records hosts removed from this proxy, kept until
	// every client revision caught up.
	DeletedGroupHosts []hostRevision
}

func newProxy(id uint64) *Proxy {
	return &Proxy{
		ProxyID: id,
		Hosts:   make(map[uint64]struct{}),
	}
}

// Group is the operational view of one proxy group.
type Group struct {
	ProxyGroupID  uint64
	Name          string
	FailoverDelay time.Duration
	MinOnline     int
	Revision      uint64

	Proxies []*Proxy

	// HostIDs maps every member host to its owning proxy (0 = unassigned).
	HostIDs map[uint64]uint64

	// NewHostIDs holds hosts added since the last rebalance.
	NewHostIDs []uint64

	// HostmapRevision increases monotonically whenever the group's host
	// assignment changes.
	HostmapRevision uint64

	dirty bool
}

func newGroup(id uint64) *Group {
	return &Group{
		ProxyGroupID:  id,
		FailoverDelay: DefaultFailoverDelay,
		HostIDs:       make(map[uint64]uint64),
	}
}

// Cache is the proxy-group manager's operational state: groups, proxies and
// the host assignment maps, guarded by one readers/writer lock. IPC handlers
// take the write lock only for mutations.
type Cache struct {
	mu sync.RWMutex

	groups  map[uint64]*Group
	proxies map[uint64]*Proxy

	groupRevision uint64
	proxyRevision uint64

	now    func() time.Time
	logger *zap.Logger
}

// New creates an empty operational cache.
func New(logger *zap.Logger) *Cache {
	return &Cache{
		groups:  make(map[uint64]*Group),
		proxies: make(map[uint64]*Proxy),
		now:     time.Now,
		logger:  logger,
	}
}

// SyncFromConfig pulls group and proxy changes from the configuration cache
// and applies proxy relocations between groups.
func (c *Cache) SyncFromConfig(cc *ConfigCache) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cc.FetchGroups(c.groups, &c.groupRevision)

	var reloc []Relocation
	if cc.FetchProxies(c.proxies, &c.proxyRevision, &reloc) {
		for _, mv := range reloc {
			c.relocateProxyLocked(mv)
		}
	}
}

// relocateProxyLocked moves a proxy between groups, returning its hosts to
// the source group's unassigned pool.
func (c *Cache) relocateProxyLocked(mv Relocation) {
	proxy, ok := c.proxies[mv.ObjID]
	if !ok {
		return
	}

	if src, ok := c.groups[mv.SrcID]; ok && mv.SrcID != 0 {
		for i, p := range src.Proxies {
			if p.ProxyID == proxy.ProxyID {
				src.Proxies = append(src.Proxies[:i], src.Proxies[i+1:]...)
				break
			}
		}
		for hostid := range proxy.Hosts {
			if src.HostIDs[hostid] == proxy.ProxyID {
				src.HostIDs[hostid] = 0
			}
		}
		proxy.Hosts = make(map[uint64]struct{})
		src.dirty = true
	}

	if mv.DstID == 0 {
		proxy.Group = nil
		if mv.SrcID == 0 {
			delete(c.proxies, proxy.ProxyID)
		}
		return
	}

	dst, ok := c.groups[mv.DstID]
	if !ok {
		proxy.Group = nil
		return
	}
	dst.Proxies = append(dst.Proxies, proxy)
	proxy.Group = dst
	dst.dirty = true
}

// UpdateHostPGroup applies a batch of host relocations between groups. The
// groups are rebalanced first so deltas build on a settled hostmap.
func (c *Cache) UpdateHostPGroup(batch []Relocation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updateGroupsLocked()

	for _, mv := range batch {
		if mv.SrcID != 0 {
			if group, ok := c.groups[mv.SrcID]; ok {
				c.groupRemoveHostLocked(group, mv.ObjID)
			}
		}
		if mv.DstID != 0 {
			if group, ok := c.groups[mv.DstID]; ok {
				c.groupAddHostLocked(group, mv.ObjID)
			}
		}
	}
}

func (c *Cache) groupRemoveHostLocked(group *Group, hostid uint64) {
	owner, ok := group.HostIDs[hostid]
	if !ok {
		// The host may still be waiting for its first assignment.
		for i, id := range group.NewHostIDs {
			if id == hostid {
				group.NewHostIDs = append(group.NewHostIDs[:i], group.NewHostIDs[i+1:]...)
				group.dirty = true
				break
			}
		}
		return
	}

	delete(group.HostIDs, hostid)
	group.dirty = true

	if owner != 0 {
		if proxy, ok := c.proxies[owner]; ok {
			delete(proxy.Hosts, hostid)
			proxy.DeletedGroupHosts = append(proxy.DeletedGroupHosts, hostRevision{
				HostID:   hostid,
				Revision: group.HostmapRevision + 1,
			})
		}
	}
}

func (c *Cache) groupAddHostLocked(group *Group, hostid uint64) {
	if _, ok := group.HostIDs[hostid]; ok {
		return
	}
	group.NewHostIDs = append(group.NewHostIDs, hostid)
	group.dirty = true
}

// UpdateGroups rebalances every dirty group: unassigned hosts and hosts of
// failed-over proxies are spread across the group's online proxies, and the
// hostmap revision is bumped exactly when the assignment changed.
func (c *Cache) UpdateGroups() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateGroupsLocked()
}

func (c *Cache) updateGroupsLocked() {
	for _, group := range c.groups {
		if !group.dirty {
			continue
		}
		group.dirty = false

		changed := false
		// Hosts removed since the last pass left deletion records at the
		// next revision on their former owners.
		for _, proxy := range group.Proxies {
			for _, del := range proxy.DeletedGroupHosts {
				if del.Revision > group.HostmapRevision {
					changed = true
				}
			}
		}

		online := make([]*Proxy, 0, len(group.Proxies))
		for _, proxy := range group.Proxies {
			if c.proxyStateLocked(proxy, group) == ProxyOnline {
				online = append(online, proxy)
			}
		}
		// Deterministic assignment order.
		sort.Slice(online, func(i, j int) bool { return online[i].ProxyID < online[j].ProxyID })

		leastLoaded := func() *Proxy {
			var pick *Proxy
			for _, proxy := range online {
				if pick == nil || len(proxy.Hosts) < len(pick.Hosts) {
					pick = proxy
				}
			}
			return pick
		}

		// Hosts of proxies that fell offline past the failover delay return
		// to the unassigned pool.
		for hostid, owner := range group.HostIDs {
			if owner == 0 {
				continue
			}
			proxy, ok := c.proxies[owner]
			if ok && c.proxyStateLocked(proxy, group) == ProxyOnline {
				continue
			}
			group.HostIDs[hostid] = 0
			if ok {
				delete(proxy.Hosts, hostid)
				proxy.DeletedGroupHosts = append(proxy.DeletedGroupHosts, hostRevision{
					HostID:   hostid,
					Revision: group.HostmapRevision + 1,
				})
			}
			changed = true
		}

		// New hosts join the pool.
		for _, hostid := range group.NewHostIDs {
			if _, ok := group.HostIDs[hostid]; !ok {
				group.HostIDs[hostid] = 0
				changed = true
			}
		}
		group.NewHostIDs = nil

		// Assign the pool across online proxies, least-loaded first.
		if len(online) > 0 {
			ids := make([]uint64, 0)
			for hostid, owner := range group.HostIDs {
				if owner == 0 {
					ids = append(ids, hostid)
				}
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			for _, hostid := range ids {
				proxy := leastLoaded()
				group.HostIDs[hostid] = proxy.ProxyID
				proxy.Hosts[hostid] = struct{}{}
				changed = true
			}
		}

		if changed {
			group.HostmapRevision++
			c.logger.Debug("proxy group rebalanced",
				zap.Uint64("proxy_groupid", group.ProxyGroupID),
				zap.Uint64("hostmap_revision", group.HostmapRevision))
		}
	}
}

// proxyStateLocked derives a proxy's liveness from its lastaccess.
func (c *Cache) proxyStateLocked(proxy *Proxy, group *Group) int {
	delay := group.FailoverDelay
	if delay <= 0 {
		delay = DefaultFailoverDelay
	}
	if proxy.Lastaccess.IsZero() || c.now().Sub(proxy.Lastaccess) >= delay {
		return ProxyOffline
	}
	return ProxyOnline
}

// UpdateProxyLastaccess records a proxy heartbeat. Older timestamps leave
// the cache unchanged.
func (c *Cache) UpdateProxyLastaccess(proxyid uint64, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if proxy, ok := c.proxies[proxyid]; ok && t.After(proxy.Lastaccess) {
		proxy.Lastaccess = t
	}
}

// SyncData is the reply to a proxy configuration sync request.
type SyncData struct {
	Mode            uint8
	HostmapRevision uint64
	FailoverDelay   string
	DeletedHostIDs  []uint64
}

// GetProxySyncData decides how the proxy with the given client-side hostmap
// revision should sync: NONE when unknown/ungrouped or already current, FULL
// after restarts or a day without syncing, PARTIAL with the host deletions
// the client has not seen yet.
func (c *Cache) GetProxySyncData(proxyid, clientRevision uint64) SyncData {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := SyncData{
		Mode:          SyncNone,
		FailoverDelay: fmt.Sprintf("%ds", int(DefaultFailoverDelay.Seconds())),
	}

	proxy, ok := c.proxies[proxyid]
	if !ok || proxy.Group == nil {
		// Zero revision forces the client into a full sync next poll.
		return data
	}

	group := proxy.Group
	now := c.now()

	data.HostmapRevision = group.HostmapRevision
	data.FailoverDelay = fmt.Sprintf("%ds", int(group.FailoverDelay.Seconds()))

	switch {
	case clientRevision == 0 || clientRevision > group.HostmapRevision ||
		now.Sub(proxy.SyncTime) >= fullSyncAge:
		// Either side restarted or too much time passed: full sync.
		data.Mode = SyncFull
		proxy.DeletedGroupHosts = nil

	case clientRevision < group.HostmapRevision:
		kept := proxy.DeletedGroupHosts[:0]
		for _, del := range proxy.DeletedGroupHosts {
			if del.Revision > clientRevision {
				kept = append(kept, del)
				data.DeletedHostIDs = append(data.DeletedHostIDs, del.HostID)
			}
		}
		proxy.DeletedGroupHosts = kept
		data.Mode = SyncPartial
	}

	proxy.SyncTime = now
	return data
}

// GroupStats is the reply to a group statistics request.
type GroupStats struct {
	State     int32
	OnlineNum int
	ProxyIDs  []uint64
}

// GetGroupStats reports a group's state and member proxies by group name.
func (c *Cache) GetGroupStats(name string) (GroupStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, group := range c.groups {
		if group.Name != name {
			continue
		}

		var stats GroupStats
		for _, proxy := range group.Proxies {
			stats.ProxyIDs = append(stats.ProxyIDs, proxy.ProxyID)
			if c.proxyStateLocked(proxy, group) == ProxyOnline {
				stats.OnlineNum++
			}
		}

		switch {
		case stats.OnlineNum >= group.MinOnline && stats.OnlineNum > 0:
			stats.State = GroupOnline
		case stats.OnlineNum > 0:
			stats.State = GroupDegrading
		default:
			stats.State = GroupOffline
		}
		return stats, true
	}

	return GroupStats{}, false
}

// GroupHostmap returns a copy of a group's host assignment and its hostmap
// revision.
func (c *Cache) GroupHostmap(id uint64) (map[uint64]uint64, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	group, ok := c.groups[id]
	if !ok {
		return nil, 0, false
	}
	hostmap := make(map[uint64]uint64, len(group.HostIDs))
	for hostid, owner := range group.HostIDs {
		hostmap[hostid] = owner
	}
	return hostmap, group.HostmapRevision, true
}

// ProxyLastaccess returns a proxy's last heartbeat.
func (c *Cache) ProxyLastaccess(id uint64) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	proxy, ok := c.proxies[id]
	if !ok {
		return time.Time{}, false
	}
	return proxy.Lastaccess, true
}

// Group returns a group by id, for tests and composition.
func (c *Cache) Group(id uint64) (*Group, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.groups[id]
	return group, ok
}

// Proxy returns a proxy by id, for tests and composition.
func (c *Cache) Proxy(id uint64) (*Proxy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	proxy, ok := c.proxies[id]
	return proxy, ok
}
