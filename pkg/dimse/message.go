package dimse

import (
	"errors"
	"fmt"
	"io"
)

// ErrUnexpectedPDV is returned when PDV items arrive out of order.
var ErrUnexpectedPDV = errors.New("unexpected PDV")

// Message is a complete DIMSE message: a command and its optional data set.
type Message struct {
	ContextID byte
	Command   *Command
	Data      []byte
	// DataTruncated is set when the data set exceeded the assembler limit
	// and was discarded.
	DataTruncated bool
	DataSize      int64
}

// Assembler reassembles messages from PDV fragments.
type Assembler struct {
	// MaxDataSize bounds the retained data set. Zero means unlimited.
	MaxDataSize int64

	contextID  byte
	started    bool
	commandBuf []byte
	command    *Command
	data       []byte
	dataSize   int64
	truncated  bool
}

// InProgress reports whether a message has been started but not completed.
func (a *Assembler) InProgress() bool {
	return a.started
}

// PendingCommand returns the decoded command of a message whose data set is
// still being received, or nil.
func (a *Assembler) PendingCommand() *Command {
	return a.command
}

// Add consumes one PDV and returns the message it completes, if any.
func (a *Assembler) Add(pdv PDV) (*Message, error) {
	if a.started && pdv.ContextID != a.contextID {
		return nil, fmt.Errorf("%w: context %d interleaved with context %d", ErrUnexpectedPDV, pdv.ContextID, a.contextID)
	}
	if !a.started {
		a.started = true
		a.contextID = pdv.ContextID
	}

	if a.command == nil {
		if !pdv.Command {
			return nil, fmt.Errorf("%w: data fragment before command", ErrUnexpectedPDV)
		}
		a.commandBuf = append(a.commandBuf, pdv.Data...)
		if !pdv.Last {
			return nil, nil
		}

		cmd, err := DecodeCommand(a.commandBuf)
		if err != nil {
			return nil, err
		}
		a.command = cmd
		a.commandBuf = nil
		if !cmd.HasDataSet() {
			return a.complete(), nil
		}
		return nil, nil
	}

	if pdv.Command {
		return nil, fmt.Errorf("%w: command fragment while receiving data set", ErrUnexpectedPDV)
	}

	a.dataSize += int64(len(pdv.Data))
	switch {
	case a.truncated:
	case a.MaxDataSize > 0 && a.dataSize > a.MaxDataSize:
		a.truncated = true
		a.data = nil
	default:
		a.data = append(a.data, pdv.Data...)
	}

	if !pdv.Last {
		return nil, nil
	}
	return a.complete(), nil
}

func (a *Assembler) complete() *Message {
	msg := &Message{
		ContextID:     a.contextID,
		Command:       a.command,
		Data:          a.data,
		DataTruncated: a.truncated,
		DataSize:      a.dataSize,
	}
	*a = Assembler{MaxDataSize: a.MaxDataSize}
	return msg
}

// WriteMessage sends cmd and data on contextID, one PDV per P-DATA-TF PDU.
// maxPDU is the peer's maximum PDU length; zero sends each part whole.
func WriteMessage(w io.Writer, contextID byte, cmd *Command, data []byte, maxPDU uint32) error {
	if data == nil {
		cmd.DataSetType = DataSetTypeNone
	} else if cmd.DataSetType == DataSetTypeNone {
		cmd.DataSetType = 0x0000
	}

	if err := writeFragments(w, contextID, true, cmd.Encode(), maxPDU); err != nil {
		return fmt.Errorf("failed to send %s command: %w", cmd.Name(), err)
	}
	if data == nil {
		return nil
	}
	if err := writeFragments(w, contextID, false, data, maxPDU); err != nil {
		return fmt.Errorf("failed to send %s data set: %w", cmd.Name(), err)
	}
	return nil
}

func writeFragments(w io.Writer, contextID byte, command bool, payload []byte, maxPDU uint32) error {
	// Each PDU carries a 6 byte PDV header in its variable field.
	chunk := len(payload)
	if maxPDU > 6 && int(maxPDU-6) < chunk {
		chunk = int(maxPDU - 6)
	}
	if chunk == 0 {
		chunk = 1
	}

	for {
		n := chunk
		if n > len(payload) {
			n = len(payload)
		}
		pdv := PDV{
			ContextID: contextID,
			Command:   command,
			Last:      n == len(payload),
			Data:      payload[:n],
		}
		if err := WritePDU(w, PDUPData, EncodePData(pdv)); err != nil {
			return err
		}
		payload = payload[n:]
		if len(payload) == 0 {
			return nil
		}
	}
}
