package model

// ConnFlags are declared at HELLO time and fix a connection's kind for its
// whole lifetime.
type ConnFlags uint32

const (
	ConnFlagAcceptFD ConnFlags = 1 << iota
	ConnFlagMonitor
	ConnFlagActivator
	ConnFlagPolicyHolder
)

func (f ConnFlags) Has(bit ConnFlags) bool { return f&bit != 0 }

// Valid enforces the mutual-exclusion rules of spec §3: monitor excludes
// activator and policy-holder; activator excludes policy-holder.
func (f ConnFlags) Valid() bool {
	if f.Has(ConnFlagMonitor) && (f.Has(ConnFlagActivator) || f.Has(ConnFlagPolicyHolder)) {
		return false
	}
	if f.Has(ConnFlagActivator) && f.Has(ConnFlagPolicyHolder) {
		return false
	}
	return true
}

// RequiresPrivilege reports whether this connection kind may only be created by a
// privileged caller (spec §3: "Activator/monitor/policy-holder are
// creatable only by a privileged caller").
func (f ConnFlags) RequiresPrivilege() bool {
	return f.Has(ConnFlagMonitor) || f.Has(ConnFlagActivator) || f.Has(ConnFlagPolicyHolder)
}

// AttachFlags selects which metadata items a receiver wants attached to
// the messages it receives.
type AttachFlags uint64

const (
	AttachCreds AttachFlags = 1 << iota
	AttachPIDs
	AttachAuxGroups
	AttachNames
	AttachTID
	AttachPIDComm
	AttachExe
	AttachCmdline
	AttachCaps
	AttachCgroup
	AttachSeclabel
	AttachAudit
	AttachConnDescription
)

func (f AttachFlags) Has(bit AttachFlags) bool { return f&bit != 0 }

// AcquireFlags are passed to NAME_ACQUIRE (spec §4.1).
type AcquireFlags uint32

const (
	AcquireAllowReplacement AcquireFlags = 1 << iota
	AcquireReplaceExisting
	AcquireQueue
	AcquireActivator
)

func (f AcquireFlags) Has(bit AcquireFlags) bool { return f&bit != 0 }

// SendFlags modify MSG_SEND semantics.
type SendFlags uint32

const (
	SendExpectReply SendFlags = 1 << iota
	SendSyncReply
	SendNoAutoStart
)

func (f SendFlags) Has(bit SendFlags) bool { return f&bit != 0 }

// RecvFlags modify MSG_RECV semantics (spec §4.5).
type RecvFlags uint32

const (
	RecvPeek RecvFlags = 1 << iota
	RecvDrop
	RecvUsePriority
)

func (f RecvFlags) Has(bit RecvFlags) bool { return f&bit != 0 }

// MsgType distinguishes the wire shape of a kmsg, primarily for match-rule
// filtering (spec §4.2).
type MsgType int

const (
	MsgTypeData MsgType = iota
	MsgTypeSignal
	MsgTypeNotifyNameChange
	MsgTypeNotifyNameAdd
	MsgTypeNotifyNameRemove
	MsgTypeNotifyIDAdd
	MsgTypeNotifyIDRemove
	MsgTypeNotifyReplyTimeout
	MsgTypeNotifyReplyDead
)

func (t MsgType) IsNotification() bool {
	return t >= MsgTypeNotifyNameChange
}
