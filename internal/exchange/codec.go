// codec.go parses the broker's market data frames.
//
// A frame is a sequence of length-prefixed binary records:
//
//	u16  record length N (big-endian, bytes that follow)
//	u8   ISIN length, then that many ASCII bytes
//	u8   exchange length, then that many ASCII bytes
//	i64  last traded price, in paise
//	i64  previous close, in paise (0 = unknown)
//	i64  traded volume since the previous record
//	i64  exchange timestamp, unix seconds
//
// Record order within a frame is irrelevant. Malformed records are counted
// and skipped; a corrupt length prefix abandons the rest of the frame since
// record boundaries can no longer be trusted.
package exchange

import (
	"encoding/binary"
	"fmt"
)

// priceScale converts wire paise to rupees.
const priceScale = 100

// recordFixedLen is the byte size of the four i64 fields.
const recordFixedLen = 32

// FeedRecord is one decoded wire record, prices still in paise.
type FeedRecord struct {
	ISIN      string
	Exchange  string
	LTPPaise  int64
	ClosePais int64
	Volume    int64
	Timestamp int64
}

// LTP returns the last traded price in rupees.
func (r FeedRecord) LTP() float64 { return float64(r.LTPPaise) / priceScale }

// PrevClose returns the previous close in rupees, 0 when unknown.
func (r FeedRecord) PrevClose() float64 { return float64(r.ClosePais) / priceScale }

// DecodeFrame parses every well-formed record out of a frame. It returns
// the records plus the number of malformed records encountered; it never
// fails outright, because a partially corrupt frame still carries usable
// ticks.
func DecodeFrame(frame []byte) (records []FeedRecord, malformed int) {
	for len(frame) > 0 {
		if len(frame) < 2 {
			return records, malformed + 1
		}
		recLen := int(binary.BigEndian.Uint16(frame[:2]))
		frame = frame[2:]
		if recLen == 0 || recLen > len(frame) {
			// Boundary lost. Drop the remainder.
			return records, malformed + 1
		}
		rec, ok := decodeRecord(frame[:recLen])
		frame = frame[recLen:]
		if !ok {
			malformed++
			continue
		}
		records = append(records, rec)
	}
	return records, malformed
}

func decodeRecord(buf []byte) (FeedRecord, bool) {
	if len(buf) < 1 {
		return FeedRecord{}, false
	}
	isinLen := int(buf[0])
	buf = buf[1:]
	if isinLen == 0 || len(buf) < isinLen+1 {
		return FeedRecord{}, false
	}
	isin := string(buf[:isinLen])
	buf = buf[isinLen:]

	exchLen := int(buf[0])
	buf = buf[1:]
	if len(buf) != exchLen+recordFixedLen {
		return FeedRecord{}, false
	}
	exch := string(buf[:exchLen])
	buf = buf[exchLen:]

	rec := FeedRecord{
		ISIN:      isin,
		Exchange:  exch,
		LTPPaise:  int64(binary.BigEndian.Uint64(buf[0:8])),
		ClosePais: int64(binary.BigEndian.Uint64(buf[8:16])),
		Volume:    int64(binary.BigEndian.Uint64(buf[16:24])),
		Timestamp: int64(binary.BigEndian.Uint64(buf[24:32])),
	}
	if rec.LTPPaise <= 0 || rec.Volume < 0 || rec.Timestamp <= 0 {
		return FeedRecord{}, false
	}
	return rec, true
}

// EncodeFrame builds a frame from records. Used by tests and the feed
// replay tooling.
func EncodeFrame(records []FeedRecord) ([]byte, error) {
	var out []byte
	for _, rec := range records {
		if len(rec.ISIN) == 0 || len(rec.ISIN) > 255 {
			return nil, fmt.Errorf("encode frame: isin length %d out of range", len(rec.ISIN))
		}
		if len(rec.Exchange) > 255 {
			return nil, fmt.Errorf("encode frame: exchange length %d out of range", len(rec.Exchange))
		}
		recLen := 1 + len(rec.ISIN) + 1 + len(rec.Exchange) + recordFixedLen
		if recLen > 0xFFFF {
			return nil, fmt.Errorf("encode frame: record length %d overflows prefix", recLen)
		}

		out = binary.BigEndian.AppendUint16(out, uint16(recLen))
		out = append(out, byte(len(rec.ISIN)))
		out = append(out, rec.ISIN...)
		out = append(out, byte(len(rec.Exchange)))
		out = append(out, rec.Exchange...)
		out = binary.BigEndian.AppendUint64(out, uint64(rec.LTPPaise))
		out = binary.BigEndian.AppendUint64(out, uint64(rec.ClosePais))
		out = binary.BigEndian.AppendUint64(out, uint64(rec.Volume))
		out = binary.BigEndian.AppendUint64(out, uint64(rec.Timestamp))
	}
	return out, nil
}
