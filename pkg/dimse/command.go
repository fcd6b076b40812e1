package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Command field values
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// Status codes
const (
	StatusSuccess           uint16 = 0x0000
	StatusProcessingFailure uint16 = 0x0110
	StatusOutOfResources    uint16 = 0xA700
	StatusDataSetMismatch   uint16 = 0xA900
	StatusCannotUnderstand  uint16 = 0xC000
)

// DataSetTypeNone marks a message without a data set.
const DataSetTypeNone uint16 = 0x0101

// Priority values
const (
	PriorityMedium uint16 = 0x0000
	PriorityHigh   uint16 = 0x0001
	PriorityLow    uint16 = 0x0002
)

// Command element numbers in group 0000
const (
	elemGroupLength               uint16 = 0x0000
	elemAffectedSOPClassUID       uint16 = 0x0002
	elemCommandField              uint16 = 0x0100
	elemMessageID                 uint16 = 0x0110
	elemMessageIDBeingRespondedTo uint16 = 0x0120
	elemPriority                  uint16 = 0x0700
	elemCommandDataSetType        uint16 = 0x0800
	elemStatus                    uint16 = 0x0900
	elemErrorComment              uint16 = 0x0902
	elemAffectedSOPInstanceUID    uint16 = 0x1000
)

// Command is a DIMSE command set. Command sets are always encoded in
// implicit VR little endian.
type Command struct {
	CommandField              uint16
	AffectedSOPClassUID       string
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	DataSetType               uint16
	Status                    uint16
	ErrorComment              string
	AffectedSOPInstanceUID    string
}

// HasDataSet reports whether a data set follows the command.
func (c *Command) HasDataSet() bool {
	return c.DataSetType != DataSetTypeNone
}

// IsResponse reports whether the command is a response.
func (c *Command) IsResponse() bool {
	return c.CommandField&0x8000 != 0
}

// Name returns a short name such as "C-STORE-RQ".
func (c *Command) Name() string {
	return CommandName(c.CommandField)
}

// CommandName names a command field value.
func CommandName(field uint16) string {
	switch field {
	case CStoreRQ:
		return "C-STORE-RQ"
	case CStoreRSP:
		return "C-STORE-RSP"
	case CEchoRQ:
		return "C-ECHO-RQ"
	case CEchoRSP:
		return "C-ECHO-RSP"
	default:
		return fmt.Sprintf("0x%04X", field)
	}
}

// Encode serializes the command set including its group length.
func (c *Command) Encode() []byte {
	var elements []commandElement

	if c.AffectedSOPClassUID != "" {
		elements = append(elements, uidElement(elemAffectedSOPClassUID, c.AffectedSOPClassUID))
	}
	elements = append(elements, usElement(elemCommandField, c.CommandField))
	if c.IsResponse() {
		elements = append(elements, usElement(elemMessageIDBeingRespondedTo, c.MessageIDBeingRespondedTo))
	} else {
		elements = append(elements, usElement(elemMessageID, c.MessageID))
	}
	if c.CommandField == CStoreRQ {
		elements = append(elements, usElement(elemPriority, c.Priority))
	}
	elements = append(elements, usElement(elemCommandDataSetType, c.DataSetType))
	if c.IsResponse() {
		elements = append(elements, usElement(elemStatus, c.Status))
		if c.ErrorComment != "" {
			elements = append(elements, textElement(elemErrorComment, c.ErrorComment))
		}
	}
	if c.AffectedSOPInstanceUID != "" {
		elements = append(elements, uidElement(elemAffectedSOPInstanceUID, c.AffectedSOPInstanceUID))
	}

	sort.Slice(elements, func(i, j int) bool { return elements[i].element < elements[j].element })

	var body []byte
	for _, e := range elements {
		body = e.appendTo(body)
	}

	var groupLength [4]byte
	binary.LittleEndian.PutUint32(groupLength[:], uint32(len(body)))
	out := commandElement{element: elemGroupLength, value: groupLength[:]}.appendTo(nil)
	return append(out, body...)
}

// DecodeCommand parses an implicit VR little endian command set. Elements
// outside group 0000 or unknown to this package are ignored.
func DecodeCommand(data []byte) (*Command, error) {
	c := &Command{}
	seenField := false

	for len(data) > 0 {
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: truncated command element", ErrMalformedPDU)
		}
		group := binary.LittleEndian.Uint16(data[0:2])
		element := binary.LittleEndian.Uint16(data[2:4])
		length := binary.LittleEndian.Uint32(data[4:8])
		if uint64(length) > uint64(len(data)-8) {
			return nil, fmt.Errorf("%w: command element (%04X,%04X) length %d out of range", ErrMalformedPDU, group, element, length)
		}
		value := data[8 : 8+length]
		data = data[8+length:]

		if group != 0x0000 {
			continue
		}

		switch element {
		case elemAffectedSOPClassUID:
			c.AffectedSOPClassUID = trimUID(value)
		case elemCommandField:
			c.CommandField = readUS(value)
			seenField = true
		case elemMessageID:
			c.MessageID = readUS(value)
		case elemMessageIDBeingRespondedTo:
			c.MessageIDBeingRespondedTo = readUS(value)
		case elemPriority:
			c.Priority = readUS(value)
		case elemCommandDataSetType:
			c.DataSetType = readUS(value)
		case elemStatus:
			c.Status = readUS(value)
		case elemErrorComment:
			c.ErrorComment = strings.TrimSpace(string(value))
		case elemAffectedSOPInstanceUID:
			c.AffectedSOPInstanceUID = trimUID(value)
		}
	}

	if !seenField {
		return nil, fmt.Errorf("%w: command set without command field", ErrMalformedPDU)
	}
	return c, nil
}

type commandElement struct {
	element uint16
	value   []byte
}

func (e commandElement) appendTo(buf []byte) []byte {
	var header [8]byte
	binary.LittleEndian.PutUint16(header[2:4], e.element)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(e.value)))
	buf = append(buf, header[:]...)
	return append(buf, e.value...)
}

func usElement(element, v uint16) commandElement {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return commandElement{element: element, value: b}
}

func uidElement(element uint16, uid string) commandElement {
	b := []byte(uid)
	if len(b)%2 != 0 {
		b = append(b, 0x00)
	}
	return commandElement{element: element, value: b}
}

func textElement(element uint16, s string) commandElement {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return commandElement{element: element, value: b}
}

func readUS(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}
