package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/sharedcode/dtx"
)

// Record frame layout, little endian:
//
//	[0:4]   magic "DTXR"
//	[4]     format version
//	[5:9]   payload length
//	[9:13]  crc32 (IEEE) of the payload
//	[13:]   payload, the record encoded with DefaultMarshaler
//
// Bytes after the payload are ignored so frames can be padded to a block size.
const RecordHeaderSize = 13

const recordFormatVersion byte = 1

var recordMagic = [4]byte{'D', 'T', 'X', 'R'}

// ErrCorruptRecord is returned when a frame fails its header or checksum check.
var ErrCorruptRecord = errors.New("corrupt record frame")

// RecordEncoder frames cleanup records for stores that write raw blocks.
type RecordEncoder struct{}

// Instantiates a record frame Marshaler.
func NewRecordMarshaler() *RecordEncoder {
	return &RecordEncoder{}
}

// Marshal appends the frame of r to buffer.
func (re RecordEncoder) Marshal(r dtx.CleanupRecord, buffer []byte) ([]byte, error) {
	payload, err := DefaultMarshaler.Marshal(r)
	if err != nil {
		return nil, err
	}
	w := bytes.NewBuffer(buffer)
	w.Write(recordMagic[:])
	w.WriteByte(recordFormatVersion)

	var dummy4 [4]byte
	binary.LittleEndian.PutUint32(dummy4[:], uint32(len(payload)))
	w.Write(dummy4[:])
	binary.LittleEndian.PutUint32(dummy4[:], crc32.ChecksumIEEE(payload))
	w.Write(dummy4[:])

	w.Write(payload)
	return w.Bytes(), nil
}

// Unmarshal decodes a frame, padding included, into target.
func (re RecordEncoder) Unmarshal(data []byte, target *dtx.CleanupRecord) error {
	if len(data) < RecordHeaderSize || !bytes.Equal(data[:4], recordMagic[:]) {
		return fmt.Errorf("%w: bad header", ErrCorruptRecord)
	}
	if data[4] != recordFormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorruptRecord, data[4])
	}
	n := int(binary.LittleEndian.Uint32(data[5:9]))
	sum := binary.LittleEndian.Uint32(data[9:13])
	if len(data) < RecordHeaderSize+n {
		return fmt.Errorf("%w: payload truncated, want %d bytes got %d", ErrCorruptRecord, n, len(data)-RecordHeaderSize)
	}
	payload := data[RecordHeaderSize : RecordHeaderSize+n]
	if crc32.ChecksumIEEE(payload) != sum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}
	return DefaultMarshaler.Unmarshal(payload, target)
}
