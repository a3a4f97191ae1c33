package proto

import "github.com/inc-run/inc/wire"

// EncodeShmDescriptor serializes d as a TagStruct payload.
func EncodeShmDescriptor(d ShmDescriptor) []byte {
	t := wire.New()
	t.PutUint32(d.ShmID)
	t.PutUint32(d.BlockID)
	t.PutString(d.SegName)
	t.PutUint32(d.SegLen)
	t.PutUint32(d.Offset)
	t.PutUint32(d.Size)
	t.PutBool(d.Writable)
	t.PutUint64(d.Fingerprint)
	return t.Bytes()
}

// DecodeShmDescriptor parses a TagStruct payload written by
// EncodeShmDescriptor.
func DecodeShmDescriptor(payload []byte) (ShmDescriptor, bool) {
	var d ShmDescriptor
	t := wire.FromBytes(payload)
	var ok bool
	if d.ShmID, ok = t.GetUint32(); !ok {
		return d, false
	}
	if d.BlockID, ok = t.GetUint32(); !ok {
		return d, false
	}
	if d.SegName, ok = t.GetString(); !ok {
		return d, false
	}
	if d.SegLen, ok = t.GetUint32(); !ok {
		return d, false
	}
	if d.Offset, ok = t.GetUint32(); !ok {
		return d, false
	}
	if d.Size, ok = t.GetUint32(); !ok {
		return d, false
	}
	if d.Writable, ok = t.GetBool(); !ok {
		return d, false
	}
	if d.Fingerprint, ok = t.GetUint64(); !ok {
		return d, false
	}
	return d, true
}
