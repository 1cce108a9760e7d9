// Package protocol encodes commands for, and decodes responses from, the
// measurement device's line-oriented text protocol.
//
// Outgoing lines:
//
//	SET SAMPLES <n>    total number of readings for the next run
//	SET INTERVAL <ms>  delay between readings
//	SET CHAN <0|1|2>   sensor input: Voltage, UltraSound, IR
//	START              begin emitting readings
//	STOP               cease emitting readings
//	GET BOARD          board identification
//
// Incoming lines are either a reading, "<tag> <index> <value>", or anything
// else, which is treated as a bare acknowledgment. Line terminators are the
// transport's concern and never appear in encoded commands.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedResponse is returned when a line expected to carry a reading
// (or board info) cannot be parsed.
var ErrMalformedResponse = errors.New("protocol: malformed response")

// Channel selects the sensor input on the device.
type Channel int

const (
	Voltage Channel = iota
	UltraSound
	IR
)

var channelNames = map[Channel]string{
	Voltage:    "voltage",
	UltraSound: "ultrasound",
	IR:         "ir",
}

var channelUnits = map[Channel]string{
	Voltage:    "Volts(V)",
	UltraSound: "millimeters(mm)",
	IR:         "millimeters(mm)",
}

func (c Channel) String() string {
	if s, ok := channelNames[c]; ok {
		return s
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Unit is the display unit of readings taken on this channel.
func (c Channel) Unit() string { return channelUnits[c] }

// Valid reports whether c is a channel the device understands.
func (c Channel) Valid() bool {
	_, ok := channelNames[c]
	return ok
}

// ParseChannel accepts a channel name ("voltage", "ultrasound", "ir") or its
// wire number ("0", "1", "2").
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, name := range channelNames {
		if s == name || s == strconv.Itoa(int(c)) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown channel %q", s)
}

// MarshalText encodes the channel by name so configs and JSON stay readable.
func (c Channel) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("protocol: invalid channel %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Channel) UnmarshalText(b []byte) error {
	ch, err := ParseChannel(string(b))
	if err != nil {
		return err
	}
	*c = ch
	return nil
}

// Op identifies a command verb.
type Op int

const (
	OpSetSamples Op = iota
	OpSetInterval
	OpSetChannel
	OpStart
	OpStop
	OpGetBoard
)

// Command is one outgoing request. Arg is only meaningful for the SET ops.
type Command struct {
	Op  Op
	Arg int
}

func SetSamples(n int) Command     { return Command{Op: OpSetSamples, Arg: n} }
func SetInterval(ms int) Command   { return Command{Op: OpSetInterval, Arg: ms} }
func SetChannel(c Channel) Command { return Command{Op: OpSetChannel, Arg: int(c)} }
func Start() Command               { return Command{Op: OpStart} }
func Stop() Command                { return Command{Op: OpStop} }
func GetBoard() Command            { return Command{Op: OpGetBoard} }

func (c Command) String() string { return Encode(c) }

// Encode renders a command as wire text without a terminator.
func Encode(c Command) string {
	switch c.Op {
	case OpSetSamples:
		return "SET SAMPLES " + strconv.Itoa(c.Arg)
	case OpSetInterval:
		return "SET INTERVAL " + strconv.Itoa(c.Arg)
	case OpSetChannel:
		return "SET CHAN " + strconv.Itoa(c.Arg)
	case OpStart:
		return "START"
	case OpStop:
		return "STOP"
	case OpGetBoard:
		return "GET BOARD"
	}
	return ""
}

// Frame is a decoded reading line. Timing and units are attached later by
// the acquisition layer, which knows the run configuration.
type Frame struct {
	Tag   string
	Index int
	Value float64
}

// DecodeReading parses "<tag> <index> <value>". Tokens are separated by a
// single space; anything else is malformed.
func DecodeReading(line string) (Frame, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("%w: want 3 tokens, got %d in %q", ErrMalformedResponse, len(parts), line)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad index %q", ErrMalformedResponse, parts[1])
	}
	val, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: bad value %q", ErrMalformedResponse, parts[2])
	}
	// The firmware prints nan/inf for a faulty sensor.
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return Frame{}, fmt.Errorf("%w: non-finite value %q", ErrMalformedResponse, parts[2])
	}
	return Frame{Tag: parts[0], Index: idx, Value: val}, nil
}

// DecodeAck accepts any line. Receipt within the read timeout is the whole
// acknowledgment contract.
func DecodeAck(string) error { return nil }

// BoardInfo is the device's reply to GET BOARD.
type BoardInfo struct {
	Version  string `json:"version"`
	Channels int    `json:"channels"`
}

// DecodeBoard parses a board reply. The version and channel count are the
// fourth and fifth space-separated tokens, e.g. "BOARD PMS v 1.4 3".
func DecodeBoard(line string) (BoardInfo, error) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return BoardInfo{}, fmt.Errorf("%w: board reply %q", ErrMalformedResponse, line)
	}
	n, err := strconv.Atoi(parts[4])
	if err != nil {
		return BoardInfo{}, fmt.Errorf("%w: bad channel count %q", ErrMalformedResponse, parts[4])
	}
	return BoardInfo{Version: parts[3], Channels: n}, nil
}
