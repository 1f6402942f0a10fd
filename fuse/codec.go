package fuse

import (
	"bytes"
	"encoding/binary"
)

// marshal encodes a fixed-layout struct (header or payload) in little-endian
// byte order. The source library casts a buffer pointer directly onto the C
// struct; here encoding/binary.Write into a fresh bytes.Buffer gives the
// same layout deterministically across platforms without depending on
// unsafe pointer arithmetic matching struct padding exactly.
func marshal(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic("fuse: marshal of fixed-layout struct failed: " + err.Error())
	}
	return buf.Bytes()
}

// unmarshal decodes raw into a fixed-layout struct pointer.
func unmarshal(raw []byte, v interface{}) error {
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, v)
}

// compatEntryOut packs EntryOut without its EntryValidNsec/AttrValidNsec
// fields, matching CompatEntryOutSize: those two nanosecond fields did not
// exist in the major-5 fuse_entry_out layout, and dropping them moves
// every subsequent field, so a plain byte-slice truncation of the modern
// encoding would cut the wrong bytes.
func compatEntryOut(e EntryOut) []byte {
	buf := make([]byte, 0, CompatEntryOutSize)
	buf = append(buf, marshal(e.NodeId)...)
	buf = append(buf, marshal(e.Generation)...)
	buf = append(buf, marshal(e.EntryValid)...)
	buf = append(buf, marshal(e.AttrValid)...)
	buf = append(buf, marshal(e.Attr)...)
	return buf
}

// compatAttrOut packs AttrOut without its AttrValidNsec/Dummy fields,
// matching CompatAttrOutSize, for the same reason as compatEntryOut.
func compatAttrOut(a AttrOut) []byte {
	buf := make([]byte, 0, CompatAttrOutSize)
	buf = append(buf, marshal(a.AttrValid)...)
	buf = append(buf, marshal(a.Attr)...)
	return buf
}

// putDirEnt writes one dirent header followed by its name and zero-padding
// to the 8-byte alignment boundary, appending into dst (which must already
// have the exact padded length reserved).
func putDirEnt(dst []byte, head DirEnt, name string) {
	hdr := marshal(head)
	copy(dst, hdr)
	copy(dst[len(hdr):], name)
	// the trailing bytes of dst were zero-initialized by append(make()) in
	// the caller, giving the required zero-padding.
}
