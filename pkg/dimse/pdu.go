package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PDU types (PS3.8 9.3)
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUPData       byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Item types inside association PDUs
const (
	itemApplicationContext        byte = 0x10
	itemPresentationContextRQ     byte = 0x20
	itemPresentationContextAC     byte = 0x21
	itemAbstractSyntax            byte = 0x30
	itemTransferSyntax            byte = 0x40
	itemUserInformation           byte = 0x50
	itemMaxLength                 byte = 0x51
	itemImplementationClassUID    byte = 0x52
	itemImplementationVersionName byte = 0x55
)

// Presentation context results
const (
	ResultAcceptance                   byte = 0
	ResultUserRejection                byte = 1
	ResultNoReason                     byte = 2
	ResultAbstractSyntaxNotSupported   byte = 3
	ResultTransferSyntaxesNotSupported byte = 4
)

// A-ABORT sources
const (
	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2
)

// A-ABORT provider reasons
const (
	AbortReasonNotSpecified        byte = 0
	AbortReasonUnrecognizedPDU     byte = 1
	AbortReasonUnexpectedPDU       byte = 2
	AbortReasonUnrecognizedPDUParm byte = 4
	AbortReasonUnexpectedPDUParm   byte = 5
	AbortReasonInvalidPDUParm      byte = 6
)

const (
	protocolVersion   uint16 = 0x0001
	aeTitleLength            = 16
	associateFixedLen        = 68
	pduHeaderLength          = 6
)

var (
	ErrPDUTooLarge  = errors.New("PDU exceeds maximum length")
	ErrMalformedPDU = errors.New("malformed PDU")
)

// PDU is a raw protocol data unit: its type and variable field.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one PDU from r. PDUs longer than limit are rejected without
// reading their body; a zero limit disables the check.
func ReadPDU(r io.Reader, limit uint32) (*PDU, error) {
	var header [pduHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if limit > 0 && length > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPDUTooLarge, length, limit)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read PDU body: %w", err)
	}
	return &PDU{Type: header[0], Data: data}, nil
}

// WritePDU writes a PDU with the given variable field.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, pduHeaderLength+len(data))
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(data)))
	copy(buf[pduHeaderLength:], data)
	_, err := w.Write(buf)
	return err
}

// PresentationContext is one proposed or negotiated presentation context.
// In an A-ASSOCIATE-AC only ID, Result and a single transfer syntax are
// present.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
}

// TransferSyntax returns the first transfer syntax, which for an accepted
// context is the negotiated one.
func (pc PresentationContext) TransferSyntax() string {
	if len(pc.TransferSyntaxes) == 0 {
		return ""
	}
	return pc.TransferSyntaxes[0]
}

// UserInformation carries the negotiated limits and implementation identity.
type UserInformation struct {
	MaxPDULength              uint32
	ImplementationClassUID    string
	ImplementationVersionName string
}

// Associate is the content of an A-ASSOCIATE-RQ or A-ASSOCIATE-AC PDU.
type Associate struct {
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContext
	UserInformation      UserInformation
}

// Encode builds the PDU variable field. accept selects the A-ASSOCIATE-AC
// presentation context layout.
func (a *Associate) Encode(accept bool) []byte {
	buf := make([]byte, associateFixedLen)
	binary.BigEndian.PutUint16(buf[0:2], protocolVersion)
	copy(buf[4:20], padAETitle(a.CalledAETitle))
	copy(buf[20:36], padAETitle(a.CallingAETitle))

	appContext := a.ApplicationContext
	if appContext == "" {
		appContext = ApplicationContextUID
	}
	buf = appendItem(buf, itemApplicationContext, []byte(appContext))

	for _, pc := range a.PresentationContexts {
		if accept {
			payload := []byte{pc.ID, 0x00, pc.Result, 0x00}
			if ts := pc.TransferSyntax(); ts != "" {
				payload = appendItem(payload, itemTransferSyntax, []byte(ts))
			}
			buf = appendItem(buf, itemPresentationContextAC, payload)
			continue
		}

		payload := []byte{pc.ID, 0x00, 0x00, 0x00}
		payload = appendItem(payload, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			payload = appendItem(payload, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationContextRQ, payload)
	}

	return appendItem(buf, itemUserInformation, a.UserInformation.encode())
}

func (u UserInformation) encode() []byte {
	var maxLength [4]byte
	binary.BigEndian.PutUint32(maxLength[:], u.MaxPDULength)

	payload := appendItem(nil, itemMaxLength, maxLength[:])
	if u.ImplementationClassUID != "" {
		payload = appendItem(payload, itemImplementationClassUID, []byte(u.ImplementationClassUID))
	}
	if u.ImplementationVersionName != "" {
		payload = appendItem(payload, itemImplementationVersionName, []byte(u.ImplementationVersionName))
	}
	return payload
}

// DecodeAssociate parses the variable field of an A-ASSOCIATE-RQ or -AC.
func DecodeAssociate(data []byte) (*Associate, error) {
	if len(data) < associateFixedLen {
		return nil, fmt.Errorf("%w: associate PDU too short (%d bytes)", ErrMalformedPDU, len(data))
	}

	a := &Associate{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}

	err := walkItems(data[associateFixedLen:], func(itemType byte, payload []byte) error {
		switch itemType {
		case itemApplicationContext:
			a.ApplicationContext = trimUID(payload)
		case itemPresentationContextRQ, itemPresentationContextAC:
			pc, err := decodePresentationContext(payload)
			if err != nil {
				return err
			}
			a.PresentationContexts = append(a.PresentationContexts, pc)
		case itemUserInformation:
			u, err := decodeUserInformation(payload)
			if err != nil {
				return err
			}
			a.UserInformation = u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func decodePresentationContext(payload []byte) (PresentationContext, error) {
	if len(payload) < 4 {
		return PresentationContext{}, fmt.Errorf("%w: presentation context too short", ErrMalformedPDU)
	}

	pc := PresentationContext{ID: payload[0], Result: payload[2]}
	err := walkItems(payload[4:], func(itemType byte, sub []byte) error {
		switch itemType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(sub)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(sub))
		}
		return nil
	})
	return pc, err
}

func decodeUserInformation(payload []byte) (UserInformation, error) {
	var u UserInformation
	err := walkItems(payload, func(itemType byte, sub []byte) error {
		switch itemType {
		case itemMaxLength:
			if len(sub) != 4 {
				return fmt.Errorf("%w: maximum length item is %d bytes", ErrMalformedPDU, len(sub))
			}
			u.MaxPDULength = binary.BigEndian.Uint32(sub)
		case itemImplementationClassUID:
			u.ImplementationClassUID = trimUID(sub)
		case itemImplementationVersionName:
			u.ImplementationVersionName = strings.TrimSpace(string(sub))
		}
		return nil
	})
	return u, err
}

// Reject is the content of an A-ASSOCIATE-RJ PDU.
type Reject struct {
	Result byte
	Source byte
	Reason byte
}

func (r Reject) Encode() []byte {
	return []byte{0x00, r.Result, r.Source, r.Reason}
}

func (r Reject) Error() string {
	return fmt.Sprintf("association rejected (result %d, source %d, reason %d)", r.Result, r.Source, r.Reason)
}

// DecodeReject parses an A-ASSOCIATE-RJ variable field.
func DecodeReject(data []byte) (Reject, error) {
	if len(data) < 4 {
		return Reject{}, fmt.Errorf("%w: reject PDU too short", ErrMalformedPDU)
	}
	return Reject{Result: data[1], Source: data[2], Reason: data[3]}, nil
}

// Abort is the content of an A-ABORT PDU.
type Abort struct {
	Source byte
	Reason byte
}

func (a Abort) Encode() []byte {
	return []byte{0x00, 0x00, a.Source, a.Reason}
}

func (a Abort) Error() string {
	return fmt.Sprintf("association aborted (source %d, reason %d)", a.Source, a.Reason)
}

// DecodeAbort parses an A-ABORT variable field.
func DecodeAbort(data []byte) (Abort, error) {
	if len(data) < 4 {
		return Abort{}, fmt.Errorf("%w: abort PDU too short", ErrMalformedPDU)
	}
	return Abort{Source: data[2], Reason: data[3]}, nil
}

// ReleaseBody is the reserved variable field of A-RELEASE-RQ and -RP.
func ReleaseBody() []byte {
	return make([]byte, 4)
}

// PDV is one presentation data value item of a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// EncodePData builds a P-DATA-TF variable field holding pdvs.
func EncodePData(pdvs ...PDV) []byte {
	size := 0
	for _, pdv := range pdvs {
		size += 6 + len(pdv.Data)
	}

	buf := make([]byte, 0, size)
	for _, pdv := range pdvs {
		var header [6]byte
		binary.BigEndian.PutUint32(header[0:4], uint32(len(pdv.Data)+2))
		header[4] = pdv.ContextID
		if pdv.Command {
			header[5] |= 0x01
		}
		if pdv.Last {
			header[5] |= 0x02
		}
		buf = append(buf, header[:]...)
		buf = append(buf, pdv.Data...)
	}
	return buf
}

// DecodePData splits a P-DATA-TF variable field into its PDV items.
func DecodePData(data []byte) ([]PDV, error) {
	var pdvs []PDV
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, fmt.Errorf("%w: truncated PDV header", ErrMalformedPDU)
		}
		length := binary.BigEndian.Uint32(data[0:4])
		if length < 2 || uint64(length) > uint64(len(data)-4) {
			return nil, fmt.Errorf("%w: PDV length %d out of range", ErrMalformedPDU, length)
		}
		pdvs = append(pdvs, PDV{
			ContextID: data[4],
			Command:   data[5]&0x01 != 0,
			Last:      data[5]&0x02 != 0,
			Data:      data[6 : 4+length],
		})
		data = data[4+length:]
	}
	if len(pdvs) == 0 {
		return nil, fmt.Errorf("%w: P-DATA-TF without PDV items", ErrMalformedPDU)
	}
	return pdvs, nil
}

func appendItem(buf []byte, itemType byte, payload []byte) []byte {
	var header [4]byte
	header[0] = itemType
	binary.BigEndian.PutUint16(header[2:4], uint16(len(payload)))
	buf = append(buf, header[:]...)
	return append(buf, payload...)
}

func walkItems(data []byte, fn func(itemType byte, payload []byte) error) error {
	for len(data) > 0 {
		if len(data) < 4 {
			return fmt.Errorf("%w: truncated item header", ErrMalformedPDU)
		}
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if 4+length > len(data) {
			return fmt.Errorf("%w: item 0x%02x length %d out of range", ErrMalformedPDU, data[0], length)
		}
		if err := fn(data[0], data[4:4+length]); err != nil {
			return err
		}
		data = data[4+length:]
	}
	return nil
}

// padAETitle pads an AE title to 16 bytes with spaces
func padAETitle(aet string) []byte {
	result := make([]byte, aeTitleLength)
	n := copy(result, aet)
	for i := n; i < aeTitleLength; i++ {
		result[i] = ' '
	}
	return result
}

func trimAETitle(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
