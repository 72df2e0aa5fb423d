package mixer

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	VerbEnqueueAudio = "enqueue_audio"
	VerbSetVolume    = "set_volume"
	VerbSetVar       = "set_var"
	VerbSkip         = "skip"
)

// Command is one line of the mixer control protocol.
type Command struct {
	Verb string
	Args []string
}

func EnqueueAudio(lane, path string) Command {
	return Command{Verb: VerbEnqueueAudio, Args: []string{lane, path}}
}

func SetVolume(lane string, volume float64) Command {
	return Command{Verb: VerbSetVolume, Args: []string{lane, strconv.FormatFloat(volume, 'f', 3, 64)}}
}

// SetVar updates a named mixer variable. Mixers that duck natively read the
// envelope parameters from these.
func SetVar(name string, value float64) Command {
	return Command{Verb: VerbSetVar, Args: []string{name, strconv.FormatFloat(value, 'f', 3, 64)}}
}

// Skip flushes whatever is playing on a lane.
func Skip(lane string) Command {
	return Command{Verb: VerbSkip, Args: []string{lane}}
}

// String renders the command without its trailing newline.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Verb
	}
	return c.Verb + " " + strings.Join(c.Args, " ")
}

func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("empty command")
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case VerbEnqueueAudio:
		lane, path, ok := strings.Cut(rest, " ")
		if !ok || lane == "" || path == "" {
			return Command{}, fmt.Errorf("%s needs a lane and a path", verb)
		}
		return EnqueueAudio(lane, path), nil
	case VerbSetVolume, VerbSetVar:
		name, value, ok := strings.Cut(rest, " ")
		if !ok {
			return Command{}, fmt.Errorf("%s needs a name and a value", verb)
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%s value: %w", verb, err)
		}
		if verb == VerbSetVolume {
			return SetVolume(name, parsed), nil
		}
		return SetVar(name, parsed), nil
	case VerbSkip:
		if rest == "" {
			return Command{}, fmt.Errorf("%s needs a lane", verb)
		}
		return Skip(rest), nil
	}
	return Command{}, fmt.Errorf("unknown command %q", verb)
}
