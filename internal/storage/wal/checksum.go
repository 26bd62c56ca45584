package wal

import (
	"encoding/json"
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE of an event's type, sequence
// number and JSON job image. Timestamp is excluded.
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	h.Write([]byte{0})
	h.Write([]byte(event.JobID))
	h.Write([]byte{0})
	// json.Marshal sorts map keys, so the image encodes the same way after a round trip.
	b, err := json.Marshal(event.Job)
	if err == nil {
		h.Write(b)
	}
	return h.Sum32()
}

// VerifyChecksum returns a *ChecksumError when event was altered after it was written.
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
