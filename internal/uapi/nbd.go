package uapi

import (
	"encoding/binary"
	"errors"
)

// ErrBadMagic flags a frame whose magic field does not match.
var ErrBadMagic = errors.New("uapi: bad magic")

// NBD wire protocol. All multi-byte fields are network order.

const (
	NBDPassword = "NBDMAGIC"

	// Old-style negotiation magic, after the password.
	NBDClientMagic = 0x00420281861253

	// Fixed-newstyle negotiation magic ("IHAVEOPT").
	NBDOptMagic = 0x49484156454F5054

	NBDRequestMagic = 0x25609513
	NBDReplyMagic   = 0x67446698

	NBDOptReplyMagic       = 0x3e889045565a9
	NBDStructuredReplyMagic = 0x668e33ef
)

// Global handshake flags
const (
	NBDFlagFixedNewstyle = 1 << 0
	NBDFlagNoZeroes      = 1 << 1
)

// Client handshake flags
const (
	NBDFlagCFixedNewstyle = 1 << 0
	NBDFlagCNoZeroes      = 1 << 1
)

// Export (transmission) flags
const (
	NBDFlagHasFlags  = 1 << 0
	NBDFlagReadOnly  = 1 << 1
	NBDFlagSendFlush = 1 << 2
	NBDFlagSendFUA   = 1 << 3
	NBDFlagSendTrim  = 1 << 5
)

// Options
const (
	NBDOptExportName      = 1
	NBDOptAbort           = 2
	NBDOptList            = 3
	NBDOptStructuredReply = 8
	NBDOptListMetaContext = 9
	NBDOptSetMetaContext  = 10
	NBDOptInfo            = 6
	NBDOptGo              = 7
)

// Option replies
const (
	NBDRepAck         = 1
	NBDRepServer      = 2
	NBDRepInfo        = 3
	NBDRepMetaContext = 4

	NBDRepErrBit         = 1 << 31
	NBDRepErrUnsup       = NBDRepErrBit | 1
	NBDRepErrPolicy      = NBDRepErrBit | 2
	NBDRepErrInvalid     = NBDRepErrBit | 3
	NBDRepErrTooBig      = NBDRepErrBit | 9
)

// NBD_INFO types
const (
	NBDInfoExport    = 0
	NBDInfoName      = 1
	NBDInfoBlockSize = 3
)

// Request types
const (
	NBDCmdRead        = 0
	NBDCmdWrite       = 1
	NBDCmdDisc        = 2
	NBDCmdFlush       = 3
	NBDCmdTrim        = 4
	NBDCmdBlockStatus = 7
)

// Structured reply chunk types and flags
const (
	NBDReplyFlagDone = 1 << 0

	NBDReplyTypeNone        = 0
	NBDReplyTypeOffsetData  = 1
	NBDReplyTypeOffsetHole  = 2
	NBDReplyTypeBlockStatus = 5
	NBDReplyTypeError       = 1<<15 | 1
)

// base:allocation status flags
const (
	NBDStateHole = 1 << 0
	NBDStateZero = 1 << 1
)

// MetaContextBaseAllocation is the only metadata context served.
const MetaContextBaseAllocation = "base:allocation"

// NBDRequest is the fixed transmission-phase request header.
type NBDRequest struct {
	Type   uint32
	Handle uint64
	From   uint64
	Len    uint32
}

// NBDRequestSize is the encoded header length including magic.
const NBDRequestSize = 28

// UnmarshalNBDRequest decodes and validates a request header.
func UnmarshalNBDRequest(data []byte, req *NBDRequest) error {
	if len(data) < NBDRequestSize {
		return ErrInsufficientData
	}
	if binary.BigEndian.Uint32(data[0:4]) != NBDRequestMagic {
		return ErrBadMagic
	}
	req.Type = binary.BigEndian.Uint32(data[4:8])
	req.Handle = binary.BigEndian.Uint64(data[8:16])
	req.From = binary.BigEndian.Uint64(data[16:24])
	req.Len = binary.BigEndian.Uint32(data[24:28])
	return nil
}

// MarshalNBDRequest encodes a request header (client side).
func MarshalNBDRequest(req *NBDRequest) []byte {
	buf := make([]byte, NBDRequestSize)
	binary.BigEndian.PutUint32(buf[0:4], NBDRequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], req.Type)
	binary.BigEndian.PutUint64(buf[8:16], req.Handle)
	binary.BigEndian.PutUint64(buf[16:24], req.From)
	binary.BigEndian.PutUint32(buf[24:28], req.Len)
	return buf
}

// MarshalNBDReply encodes a simple reply header.
func MarshalNBDReply(errno uint32, handle uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], NBDReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	return buf
}

// MarshalStructuredReply encodes a structured reply chunk header.
func MarshalStructuredReply(flags uint16, typ uint16, handle uint64, length uint32) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint32(buf[0:4], NBDStructuredReplyMagic)
	binary.BigEndian.PutUint16(buf[4:6], flags)
	binary.BigEndian.PutUint16(buf[6:8], typ)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint32(buf[16:20], length)
	return buf
}

// MarshalOptReply encodes a negotiation-phase option reply header.
func MarshalOptReply(option, reply uint32, length uint32) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], NBDOptReplyMagic)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], reply)
	binary.BigEndian.PutUint32(buf[16:20], length)
	return buf
}

// OldHandshakeSize is the fixed old-style banner length.
const OldHandshakeSize = 152

// MarshalOldHandshake builds the old-style banner: password, client
// magic, size, flags and 124 reserved zero bytes.
func MarshalOldHandshake(size uint64, flags uint32) []byte {
	buf := make([]byte, OldHandshakeSize)
	copy(buf[0:8], NBDPassword)
	binary.BigEndian.PutUint64(buf[8:16], NBDClientMagic)
	binary.BigEndian.PutUint64(buf[16:24], size)
	binary.BigEndian.PutUint32(buf[24:28], flags)
	return buf
}
