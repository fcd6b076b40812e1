// Package dicomfile encodes DICOM data elements and wraps raw datasets into
// Part 10 files.
//
// Datasets received over the network arrive without the 128 byte preamble and
// file meta information group. Wrap adds both so the result can be parsed and
// stored like any file uploaded over HTTP.
package dicomfile

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Transfer syntax UIDs
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
)

// Implementation identity written into every meta header.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7433.1.2"
	ImplementationVersionName = "DICOM_INGESTOR_V1"
)

const preambleLength = 128

var magic = []byte("DICM")

// Element is a single encoded data element.
type Element struct {
	Group   uint16
	Element uint16
	VR      string
	Value   []byte
}

func (e Element) tag() uint32 {
	return uint32(e.Group)<<16 | uint32(e.Element)
}

// String builds an element holding a text value padded to even length.
func String(group, element uint16, vr, value string) Element {
	b := []byte(value)
	if len(b)%2 != 0 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0
		}
		b = append(b, pad)
	}
	return Element{Group: group, Element: element, VR: vr, Value: b}
}

// Bytes builds an element holding an opaque value padded to even length.
func Bytes(group, element uint16, vr string, value []byte) Element {
	b := append([]byte(nil), value...)
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	return Element{Group: group, Element: element, VR: vr, Value: b}
}

// Uint32 builds a UL element.
func Uint32(group, element uint16, v uint32) Element {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return Element{Group: group, Element: element, VR: "UL", Value: b}
}

// Uint16 builds a US element.
func Uint16(group, element uint16, v uint16) Element {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return Element{Group: group, Element: element, VR: "US", Value: b}
}

// EncodeExplicitLE encodes elements in ascending tag order using explicit VR
// little endian.
func EncodeExplicitLE(elements ...Element) []byte {
	var buf bytes.Buffer
	for _, e := range sorted(elements) {
		writeExplicit(&buf, e)
	}
	return buf.Bytes()
}

// EncodeImplicitLE encodes elements in ascending tag order using implicit VR
// little endian.
func EncodeImplicitLE(elements ...Element) []byte {
	var buf bytes.Buffer
	for _, e := range sorted(elements) {
		writeImplicit(&buf, e)
	}
	return buf.Bytes()
}

// MetaInfo holds the values of the file meta information group.
type MetaInfo struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	SourceAETitle     string
}

// Wrap prepends a preamble and file meta group to a dataset encoded in
// meta.TransferSyntaxUID.
func Wrap(meta MetaInfo, dataset []byte) []byte {
	header := MetaHeader(meta)
	out := make([]byte, 0, preambleLength+len(magic)+len(header)+len(dataset))
	out = append(out, make([]byte, preambleLength)...)
	out = append(out, magic...)
	out = append(out, header...)
	out = append(out, dataset...)
	return out
}

// MetaHeader encodes the (0002,xxxx) group including its group length.
func MetaHeader(meta MetaInfo) []byte {
	elements := []Element{
		Bytes(0x0002, 0x0001, "OB", []byte{0x00, 0x01}),
		String(0x0002, 0x0002, "UI", meta.SOPClassUID),
		String(0x0002, 0x0003, "UI", meta.SOPInstanceUID),
		String(0x0002, 0x0010, "UI", meta.TransferSyntaxUID),
		String(0x0002, 0x0012, "UI", ImplementationClassUID),
		String(0x0002, 0x0013, "SH", ImplementationVersionName),
	}
	if meta.SourceAETitle != "" {
		elements = append(elements, String(0x0002, 0x0016, "AE", meta.SourceAETitle))
	}

	body := EncodeExplicitLE(elements...)
	groupLength := EncodeExplicitLE(Uint32(0x0002, 0x0000, uint32(len(body))))
	return append(groupLength, body...)
}

// File builds a complete Part 10 file from dataset elements, encoding the
// dataset with the given transfer syntax (implicit or explicit little endian).
func File(meta MetaInfo, elements ...Element) []byte {
	var dataset []byte
	if meta.TransferSyntaxUID == ImplicitVRLittleEndian {
		dataset = EncodeImplicitLE(elements...)
	} else {
		dataset = EncodeExplicitLE(elements...)
	}
	return Wrap(meta, dataset)
}

func sorted(elements []Element) []Element {
	out := append([]Element(nil), elements...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].tag() < out[j].tag() })
	return out
}

func writeTag(buf *bytes.Buffer, e Element) {
	var b [4]byte
	binary.LittleEndian.PutUint16(b[0:2], e.Group)
	binary.LittleEndian.PutUint16(b[2:4], e.Element)
	buf.Write(b[:])
}

func writeExplicit(buf *bytes.Buffer, e Element) {
	writeTag(buf, e)
	buf.WriteString(e.VR)
	if hasLongLength(e.VR) {
		var b [6]byte
		binary.LittleEndian.PutUint32(b[2:6], uint32(len(e.Value)))
		buf.Write(b[:])
	} else {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(len(e.Value)))
		buf.Write(b[:])
	}
	buf.Write(e.Value)
}

func writeImplicit(buf *bytes.Buffer, e Element) {
	writeTag(buf, e)
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(e.Value)))
	buf.Write(b[:])
	buf.Write(e.Value)
}

func hasLongLength(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OV", "OW", "SQ", "SV", "UC", "UN", "UR", "UT", "UV":
		return true
	}
	return false
}
