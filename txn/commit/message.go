package commit

import (
	"fmt"

	"github.com/pingcap-incubator/tinytxn/txn"
)

// MessageType enumerates coordinator to participant requests.
type MessageType int

const (
	MsgPrepare MessageType = iota
	MsgCommit
	MsgAbort
	MsgCanCommit
	MsgPreCommit
	MsgDoCommit
	// MsgStatus asks for the local phase of a session. Participants send it
	// to peers when running the 3PC termination rule.
	MsgStatus
)

func (t MessageType) String() string {
	switch t {
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgAbort:
		return "ABORT"
	case MsgCanCommit:
		return "CAN_COMMIT"
	case MsgPreCommit:
		return "PRE_COMMIT"
	case MsgDoCommit:
		return "DO_COMMIT"
	case MsgStatus:
		return "STATUS"
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

// Message is a single protocol request.
type Message struct {
	Type     MessageType
	Txn      txn.TxnID
	Protocol Protocol
	// Participants is the full participant list, sent with the vote request
	// so a 3PC participant knows whom to ask during termination.
	Participants []txn.NodeID
}

// Response is a participant's answer. Vote is meaningful for vote requests,
// Ack for decisions, State for every message.
type Response struct {
	Node  txn.NodeID
	Vote  bool
	Ack   bool
	State Phase
}
