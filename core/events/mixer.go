package events

const (
	KindMixerUnavailable Kind = "mixer.unavailable"
	KindMixerRecovered   Kind = "mixer.recovered"
)

type MixerUnavailable struct {
	Base
	Address string
	Err     error
}

func NewMixerUnavailable(address string, err error) MixerUnavailable {
	return MixerUnavailable{Base: NewBase(KindMixerUnavailable), Address: address, Err: err}
}

type MixerRecovered struct {
	Base
	Address string
	Flushed int
	Dropped int
}

func NewMixerRecovered(address string, flushed, dropped int) MixerRecovered {
	return MixerRecovered{Base: NewBase(KindMixerRecovered), Address: address, Flushed: flushed, Dropped: dropped}
}
