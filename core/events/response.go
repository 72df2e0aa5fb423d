package events

const (
	KindResponseRouted  Kind = "response.routed"
	KindResponsePending Kind = "response.pending"
	KindResponseExpired Kind = "response.expired"
)

type ResponseRouted struct {
	Base
	BlockID  int64
	SourceID string
	Response string
}

func NewResponseRouted(blockID int64, sourceID, response string) ResponseRouted {
	return ResponseRouted{Base: NewBase(KindResponseRouted), BlockID: blockID, SourceID: sourceID, Response: response}
}

type ResponsePending struct {
	Base
	BlockID  int64
	SourceID string
}

func NewResponsePending(blockID int64, sourceID string) ResponsePending {
	return ResponsePending{Base: NewBase(KindResponsePending), BlockID: blockID, SourceID: sourceID}
}

type ResponseExpired struct {
	Base
	BlockID  int64
	SourceID string
}

func NewResponseExpired(blockID int64, sourceID string) ResponseExpired {
	return ResponseExpired{Base: NewBase(KindResponseExpired), BlockID: blockID, SourceID: sourceID}
}
