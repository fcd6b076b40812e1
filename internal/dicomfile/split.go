package dicomfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrNotPart10 is returned by Split for data without a valid preamble and
// file meta group.
var ErrNotPart10 = errors.New("not a DICOM Part 10 file")

// Split separates a Part 10 file into its meta information and the dataset
// that follows the meta group.
func Split(data []byte) (MetaInfo, []byte, error) {
	var meta MetaInfo

	start := preambleLength + len(magic)
	if len(data) < start || !bytes.Equal(data[preambleLength:start], magic) {
		return meta, nil, ErrNotPart10
	}

	// (0002,0000) UL group length comes first: tag(4) VR(2) length(2) value(4)
	header := data[start:]
	if len(header) < 12 ||
		binary.LittleEndian.Uint16(header[0:2]) != 0x0002 ||
		binary.LittleEndian.Uint16(header[2:4]) != 0x0000 ||
		string(header[4:6]) != "UL" {
		return meta, nil, fmt.Errorf("%w: missing meta group length", ErrNotPart10)
	}
	groupLength := int(binary.LittleEndian.Uint32(header[8:12]))
	end := start + 12 + groupLength
	if groupLength < 0 || end > len(data) {
		return meta, nil, fmt.Errorf("%w: meta group length %d exceeds file", ErrNotPart10, groupLength)
	}

	group := data[start+12 : end]
	for len(group) > 0 {
		el, n, err := readExplicit(group)
		if err != nil {
			return meta, nil, fmt.Errorf("%w: %v", ErrNotPart10, err)
		}
		group = group[n:]

		value := strings.TrimRight(string(el.Value), "\x00 ")
		switch el.Element {
		case 0x0002:
			meta.SOPClassUID = value
		case 0x0003:
			meta.SOPInstanceUID = value
		case 0x0010:
			meta.TransferSyntaxUID = value
		case 0x0016:
			meta.SourceAETitle = value
		}
	}

	if meta.TransferSyntaxUID == "" {
		return meta, nil, fmt.Errorf("%w: missing transfer syntax", ErrNotPart10)
	}
	return meta, data[end:], nil
}

// readExplicit decodes one explicit VR little endian element and returns the
// number of bytes consumed.
func readExplicit(b []byte) (Element, int, error) {
	if len(b) < 8 {
		return Element{}, 0, errors.New("truncated element header")
	}
	el := Element{
		Group:   binary.LittleEndian.Uint16(b[0:2]),
		Element: binary.LittleEndian.Uint16(b[2:4]),
		VR:      string(b[4:6]),
	}

	offset := 8
	length := int(binary.LittleEndian.Uint16(b[6:8]))
	if hasLongLength(el.VR) {
		if len(b) < 12 {
			return Element{}, 0, errors.New("truncated element header")
		}
		offset = 12
		length = int(binary.LittleEndian.Uint32(b[8:12]))
	}
	if length < 0 || offset+length > len(b) {
		return Element{}, 0, fmt.Errorf("element (%04X,%04X) overruns buffer", el.Group, el.Element)
	}
	el.Value = b[offset : offset+length]
	return el, offset + length, nil
}
