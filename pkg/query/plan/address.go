// Package plan holds the read-only stage plan types produced by the external
// planner: the operator-node tree, per-stage worker and mailbox metadata, and
// the composite addresses identifying point-to-point data channels.
package plan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// VirtualServer identifies the execution location of one stage worker.
type VirtualServer struct {
	Hostname string
	Port     int
	WorkerID int
}

func (v VirtualServer) String() string {
	return fmt.Sprintf("%s@%d@%d", v.Hostname, v.Port, v.WorkerID)
}

func (v VirtualServer) Equal(o VirtualServer) bool { return v == o }

// HostPort returns the dialable address of the server's mailbox endpoint.
func (v VirtualServer) HostPort() string {
	return fmt.Sprintf("%s:%d", v.Hostname, v.Port)
}

func parseVirtualServer(s string) (VirtualServer, error) {
	parts := strings.Split(s, "@")
	if len(parts) != 3 {
		return VirtualServer{}, errors.Errorf("malformed virtual server %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return VirtualServer{}, errors.Wrapf(err, "malformed virtual server %q", s)
	}
	worker, err := strconv.Atoi(parts[2])
	if err != nil {
		return VirtualServer{}, errors.Wrapf(err, "malformed virtual server %q", s)
	}
	return VirtualServer{Hostname: parts[0], Port: port, WorkerID: worker}, nil
}

// MailboxAddr is the composite key uniquely identifying one logical channel
// within one query. At most one sender and one receiver ever reference a
// given address; the request id scopes it against concurrent queries sharing
// the same registry.
type MailboxAddr struct {
	RequestID uint64
	StageID   int32
	Sender    VirtualServer
	Receiver  VirtualServer
	Partition int32
}

// ID renders the canonical registry key for the address.
func (a MailboxAddr) ID() string {
	return fmt.Sprintf("%d|%d|%s|%s|%d", a.RequestID, a.StageID, a.Sender, a.Receiver, a.Partition)
}

func (a MailboxAddr) String() string { return a.ID() }

// ParseID inverts MailboxAddr.ID.
func ParseID(id string) (MailboxAddr, error) {
	parts := strings.Split(id, "|")
	if len(parts) != 5 {
		return MailboxAddr{}, errors.Errorf("malformed mailbox id %q", id)
	}
	requestID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return MailboxAddr{}, errors.Wrapf(err, "malformed mailbox id %q", id)
	}
	stageID, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return MailboxAddr{}, errors.Wrapf(err, "malformed mailbox id %q", id)
	}
	sender, err := parseVirtualServer(parts[2])
	if err != nil {
		return MailboxAddr{}, err
	}
	receiver, err := parseVirtualServer(parts[3])
	if err != nil {
		return MailboxAddr{}, err
	}
	partition, err := strconv.ParseInt(parts[4], 10, 32)
	if err != nil {
		return MailboxAddr{}, errors.Wrapf(err, "malformed mailbox id %q", id)
	}
	return MailboxAddr{
		RequestID: requestID,
		StageID:   int32(stageID),
		Sender:    sender,
		Receiver:  receiver,
		Partition: int32(partition),
	}, nil
}
