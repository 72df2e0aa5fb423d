package events

const KindSystemDegraded Kind = "system.degraded"

type SystemDegraded struct {
	Base
	BlockID int64
	Reason  string
}

func NewSystemDegraded(blockID int64, reason string) SystemDegraded {
	return SystemDegraded{Base: NewBase(KindSystemDegraded), BlockID: blockID, Reason: reason}
}
