package events

const (
	KindBlockCreated          Kind = "block.created"
	KindBlockTTSReady         Kind = "block.tts_ready"
	KindBlockSkipped          Kind = "block.skipped"
	KindBlockPlaying          Kind = "block.playing"
	KindBlockPlayed           Kind = "block.played"
	KindBlockAwaitingResponse Kind = "block.awaiting_response"
	KindBlockRepeated         Kind = "block.repeated"
)

type BlockCreated struct {
	Base
	BlockID  int64
	SourceID string
	Priority string
}

func NewBlockCreated(blockID int64, sourceID, priority string) BlockCreated {
	return BlockCreated{Base: NewBase(KindBlockCreated), BlockID: blockID, SourceID: sourceID, Priority: priority}
}

type BlockTTSReady struct {
	Base
	BlockID int64
	Tier    string
}

func NewBlockTTSReady(blockID int64, tier string) BlockTTSReady {
	return BlockTTSReady{Base: NewBase(KindBlockTTSReady), BlockID: blockID, Tier: tier}
}

type BlockSkipped struct {
	Base
	BlockID int64
	Reason  string
}

func NewBlockSkipped(blockID int64, reason string) BlockSkipped {
	return BlockSkipped{Base: NewBase(KindBlockSkipped), BlockID: blockID, Reason: reason}
}

type BlockPlaying struct {
	Base
	BlockID int64
}

func NewBlockPlaying(blockID int64) BlockPlaying {
	return BlockPlaying{Base: NewBase(KindBlockPlaying), BlockID: blockID}
}

type BlockPlayed struct {
	Base
	BlockID int64
}

func NewBlockPlayed(blockID int64) BlockPlayed {
	return BlockPlayed{Base: NewBase(KindBlockPlayed), BlockID: blockID}
}

type BlockAwaitingResponse struct {
	Base
	BlockID int64
	Options []string
}

func NewBlockAwaitingResponse(blockID int64, options []string) BlockAwaitingResponse {
	return BlockAwaitingResponse{Base: NewBase(KindBlockAwaitingResponse), BlockID: blockID, Options: options}
}

// BlockRepeated is published when a blocking block is announced again after
// its response timeout elapsed. Attempt counts repeats, starting at 1.
type BlockRepeated struct {
	Base
	BlockID int64
	Attempt int
	Reason  error
}

func NewBlockRepeated(blockID int64, attempt int) BlockRepeated {
	return BlockRepeated{Base: NewBase(KindBlockRepeated), BlockID: blockID, Attempt: attempt}
}
