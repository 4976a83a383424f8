// Package service is the plain Go control surface a transport handler
// drives instead of the out-of-scope ioctl/fd wire protocol: HELLO,
// BYEBYE, MSG_SEND/RECV/CANCEL, NAME_ACQUIRE/RELEASE/LIST,
// MATCH_ADD/REMOVE, CONN_INFO, BUS_CREATOR_INFO, CONN_UPDATE.
package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/kbusd/kbusd/internal/adapter/metadata"
	"github.com/kbusd/kbusd/internal/dispatch"
	"github.com/kbusd/kbusd/internal/domain/bus"
	"github.com/kbusd/kbusd/internal/domain/connection"
	"github.com/kbusd/kbusd/internal/domain/endpoint"
	"github.com/kbusd/kbusd/internal/domain/match"
	"github.com/kbusd/kbusd/internal/domain/model"
	"github.com/kbusd/kbusd/internal/domain/queue"
)

// HelloResult is everything HELLO hands back to a caller beyond the new
// connection itself: the three identity pieces the wire protocol would
// otherwise pack into its output struct.
type HelloResult struct {
	Conn  *connection.Connection
	BusID uuid.UUID
	Bloom model.BloomParameter
}

// ConnInfo is the read-only snapshot CONN_INFO returns.
type ConnInfo struct {
	ID          model.ConnID
	UID         uint32
	Flags       model.ConnFlags
	AttachFlags model.AttachFlags
	Description string
	State       connection.State
	OwnedNames  []string
}

// Bus is the per-bus control-surface API. One Bus instance fronts one
// endpoint; a transport handler holding several Bus values (one per
// endpoint it serves) is how multiple independently policed entry points
// into the same underlying bus.Bus are exposed (spec §4.6).
type Bus interface {
	Hello(ctx context.Context, callerUID uint32, flags model.ConnFlags, attach model.AttachFlags, description string, owner *metadata.Snapshot) (*HelloResult, error)
	Byebye(conn *connection.Connection, ensureQueueEmpty bool) error

	MsgSend(ctx context.Context, src *connection.Connection, srcMeta *metadata.Snapshot, kmsg *model.Kmsg) (*queue.Entry, error)
	MsgRecv(conn *connection.Connection, priorityBound int32, flags model.RecvFlags) (*queue.Entry, error)
	MsgCancel(ctx context.Context, conn *connection.Connection, cookie model.Cookie)

	NameAcquire(conn *connection.Connection, name string, flags model.AcquireFlags) (model.NameID, bool, error)
	NameRelease(conn *connection.Connection, name string) error
	NameList() []string

	MatchAdd(conn *connection.Connection, rule *match.Rule) error
	MatchRemove(conn *connection.Connection, cookie model.Cookie)

	ConnInfo(id model.ConnID) (*ConnInfo, error)
	ConnInfoByName(name string) (*ConnInfo, error)
	BusCreatorInfo(requester *metadata.Snapshot) (*metadata.Snapshot, error)
	ConnUpdate(conn *connection.Connection, attach model.AttachFlags) error
}

// busService is the production implementation, fronting one Endpoint
// (and through it, one Bus) with the Dispatcher that actually moves
// messages.
type busService struct {
	endpoint   *endpoint.Endpoint
	dispatcher *dispatch.Dispatcher
}

// NewBus wires a control-surface Bus for ep, dispatching sends through d.
// d must already be Attach'd to ep.Bus.
func NewBus(ep *endpoint.Endpoint, d *dispatch.Dispatcher) Bus {
	return &busService{endpoint: ep, dispatcher: d}
}

func (s *busService) Hello(ctx context.Context, callerUID uint32, flags model.ConnFlags, attach model.AttachFlags, description string, owner *metadata.Snapshot) (*HelloResult, error) {
	conn, err := s.endpoint.Hello(ctx, callerUID, flags, attach, description, owner)
	if err != nil {
		return nil, err
	}
	return &HelloResult{Conn: conn, BusID: s.endpoint.Bus.ID, Bloom: s.endpoint.Bus.Bloom}, nil
}

func (s *busService) Byebye(conn *connection.Connection, ensureQueueEmpty bool) error {
	return s.endpoint.Bus.ByebyeConn(conn, ensureQueueEmpty)
}

func (s *busService) MsgSend(ctx context.Context, src *connection.Connection, srcMeta *metadata.Snapshot, kmsg *model.Kmsg) (*queue.Entry, error) {
	return s.dispatcher.Send(ctx, src, srcMeta, kmsg)
}

func (s *busService) MsgRecv(conn *connection.Connection, priorityBound int32, flags model.RecvFlags) (*queue.Entry, error) {
	return s.dispatcher.Recv(conn, priorityBound, flags)
}

func (s *busService) MsgCancel(ctx context.Context, conn *connection.Connection, cookie model.Cookie) {
	s.dispatcher.Cancel(ctx, conn, cookie)
}

func (s *busService) NameAcquire(conn *connection.Connection, name string, flags model.AcquireFlags) (model.NameID, bool, error) {
	return s.endpoint.Bus.Registry.Acquire(conn, name, flags)
}

func (s *busService) NameRelease(conn *connection.Connection, name string) error {
	return s.endpoint.Bus.Registry.Release(conn, name)
}

func (s *busService) NameList() []string {
	return s.endpoint.Bus.Registry.Names()
}

func (s *busService) MatchAdd(conn *connection.Connection, rule *match.Rule) error {
	return conn.MatchDB.Add(rule)
}

func (s *busService) MatchRemove(conn *connection.Connection, cookie model.Cookie) {
	conn.MatchDB.Remove(cookie)
}

func (s *busService) ConnInfo(id model.ConnID) (*ConnInfo, error) {
	conn, ok := s.endpoint.Bus.Lookup(id)
	if !ok {
		return nil, model.NewError("service.ConnInfo", model.KindNotFound, "no such connection")
	}
	return snapshotConn(conn), nil
}

func (s *busService) ConnInfoByName(name string) (*ConnInfo, error) {
	h, ok := s.endpoint.Bus.Registry.Lookup(name)
	if !ok {
		return nil, model.NewError("service.ConnInfoByName", model.KindNotFound, "name not registered")
	}
	defer h.Unlock()
	owner := h.Entry.EffectiveOwner()
	if owner == nil {
		return nil, model.NewError("service.ConnInfoByName", model.KindAddressNotAvailable, "name has no reachable owner")
	}
	return snapshotConn(owner), nil
}

func (s *busService) BusCreatorInfo(requester *metadata.Snapshot) (*metadata.Snapshot, error) {
	return s.endpoint.Bus.CreatorInfo(requester)
}

// ConnUpdate implements CONN_UPDATE's attach-flags half (spec §6); the
// policy half belongs to whichever policy-holder connection installed
// the entries being updated, which is a policy.Oracle concern, not a
// per-connection field this service owns.
func (s *busService) ConnUpdate(conn *connection.Connection, attach model.AttachFlags) error {
	conn.AttachFlags = attach
	return nil
}

func snapshotConn(c *connection.Connection) *ConnInfo {
	return &ConnInfo{
		ID:          c.ID,
		UID:         c.UID,
		Flags:       c.Flags,
		AttachFlags: c.AttachFlags,
		Description: c.Description,
		State:       c.State(),
		OwnedNames:  c.OwnedNames(),
	}
}
