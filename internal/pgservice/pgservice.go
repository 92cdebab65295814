// Package pgservice exposes the proxy-group cache over the proxy-group
// manager IPC endpoint: host relocations, proxy heartbeats, proxy sync data
// and group statistics.
package pgservice

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netsweep/internal/ipc"
	"github.com/HerbHall/netsweep/internal/pgcache"
)

// IPC message codes of the proxy-group manager endpoint.
const (
	IPCHostPGroupUpdate uint32 = 1
	IPCGetProxySyncData uint32 = 2
	IPCGetStats         uint32 = 3
	IPCProxyLastaccess  uint32 = 4
	IPCStop             uint32 = 5
)

const recvTimeout = time.Second

// Service is the proxy-group manager IPC endpoint.
type Service struct {
	cache  *pgcache.Cache
	ipc    *ipc.Service
	path   string
	logger *zap.Logger
	done   chan struct{}
}

// New binds the endpoint socket and starts the receiver goroutine.
func New(path string, cache *pgcache.Cache, logger *zap.Logger) (*Service, error) {
	ipcService, err := ipc.NewService(path, logger.Named("ipc"))
	if err != nil {
		return nil, fmt.Errorf("pgservice: %w", err)
	}

	s := &Service{
		cache:  cache,
		ipc:    ipcService,
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.run()

	return s, nil
}

func (s *Service) run() {
	defer close(s.done)

	for {
		client, msg, err := s.ipc.Recv(recvTimeout)
		if err == ipc.ErrTimeout {
			continue
		}
		if err != nil {
			return
		}

		switch msg.Code {
		case IPCHostPGroupUpdate:
			s.handleHostPGroupUpdate(msg)
		case IPCGetProxySyncData:
			s.handleGetProxySyncData(client, msg)
		case IPCGetStats:
			s.handleGetStats(client, msg)
		case IPCProxyLastaccess:
			s.handleProxyLastaccess(msg)
		case IPCStop:
			return
		default:
			s.logger.Warn("unknown pgmanager message", zap.Uint32("code", msg.Code))
		}
	}
}

// handleHostPGroupUpdate applies a batch of (hostid, src, dst) relocations.
func (s *Service) handleHostPGroupUpdate(msg *ipc.Message) {
	r := ipc.NewReader(msg.Data)

	var batch []pgcache.Relocation
	for r.Remaining() > 0 {
		mv := pgcache.Relocation{
			ObjID: r.Uint64(),
			SrcID: r.Uint64(),
			DstID: r.Uint64(),
		}
		if r.Err() != nil {
			s.logger.Warn("malformed host pgroup update", zap.Error(r.Err()))
			return
		}
		batch = append(batch, mv)
	}

	s.cache.UpdateHostPGroup(batch)
	s.cache.UpdateGroups()
}

func (s *Service) handleGetProxySyncData(client *ipc.Client, msg *ipc.Message) {
	r := ipc.NewReader(msg.Data)
	proxyid := r.Uint64()
	clientRevision := r.Uint64()
	if r.Err() != nil {
		s.logger.Warn("malformed proxy sync request", zap.Error(r.Err()))
		return
	}

	data := s.cache.GetProxySyncData(proxyid, clientRevision)

	reply := ipc.AppendUint8(nil, data.Mode)
	reply = ipc.AppendUint64(reply, data.HostmapRevision)
	reply = ipc.AppendString(reply, data.FailoverDelay)
	if data.Mode == pgcache.SyncPartial {
		reply = ipc.AppendUint32(reply, uint32(len(data.DeletedHostIDs)))
		for _, hostid := range data.DeletedHostIDs {
			reply = ipc.AppendUint64(reply, hostid)
		}
	}

	client.Send(IPCGetProxySyncData, reply)
}

func (s *Service) handleGetStats(client *ipc.Client, msg *ipc.Message) {
	// The request payload is the zero-terminated group name.
	name := msg.Data
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	stats, ok := s.cache.GetGroupStats(string(name))
	if !ok {
		client.Send(IPCGetStats, ipc.AppendInt32(nil, -1))
		return
	}

	reply := ipc.AppendInt32(nil, stats.State)
	reply = ipc.AppendInt32(reply, int32(stats.OnlineNum))
	reply = ipc.AppendInt32(reply, int32(len(stats.ProxyIDs)))
	for _, proxyid := range stats.ProxyIDs {
		reply = ipc.AppendUint64(reply, proxyid)
	}

	client.Send(IPCGetStats, reply)
}

func (s *Service) handleProxyLastaccess(msg *ipc.Message) {
	r := ipc.NewReader(msg.Data)
	proxyid := r.Uint64()
	lastaccess := r.Int32()
	if r.Err() != nil {
		s.logger.Warn("malformed proxy lastaccess", zap.Error(r.Err()))
		return
	}

	s.cache.UpdateProxyLastaccess(proxyid, time.Unix(int64(lastaccess), 0))
}

// Destroy delivers STOP over a local client connection and joins the
// receiver, then closes the socket.
func (s *Service) Destroy() {
	conn, err := ipc.Dial(s.path, recvTimeout)
	if err != nil {
		s.logger.Error("cannot connect to proxy group manager service", zap.Error(err))
	} else {
		conn.Send(IPCStop, nil)
		conn.Close()
	}

	<-s.done
	s.ipc.Close()
}
