package codec

import "time"

// Codec8 is the only codec id this relay decodes.
const Codec8 uint8 = 0x08

// Priority of an AVL record.
type Priority uint8

const (
	PriorityLow   Priority = 0
	PriorityHigh  Priority = 1
	PriorityPanic Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityPanic:
		return "panic"
	}
	return "unknown"
}

// TimestampWidth tells which wire encoding carried a record timestamp.
type TimestampWidth int

const (
	TimestampMillis64  TimestampWidth = 8
	TimestampSeconds32 TimestampWidth = 4
)

// IOProperty is one (id, value) pair from a width group. Raw keeps the wire bytes.
type IOProperty struct {
	ID    uint8  `json:"id"`
	Value uint64 `json:"value"`
	Raw   []byte `json:"-"`
}

// IOElement holds the four width-keyed groups in wire order. Ids may repeat
// across groups and are kept as they arrived.
type IOElement struct {
	EventIOID uint8        `json:"eventIOID"`
	TotalIO   uint8        `json:"nOfTotalIO"`
	Data1     []IOProperty `json:"data1"`
	Data2     []IOProperty `json:"data2"`
	Data4     []IOProperty `json:"data4"`
	Data8     []IOProperty `json:"data8"`
}

// Count returns how many pairs were read across all groups.
func (e *IOElement) Count() int {
	if e == nil {
		return 0
	}
	return len(e.Data1) + len(e.Data2) + len(e.Data4) + len(e.Data8)
}

// Lookup returns the first value carrying id, scanning groups narrowest first.
func (e *IOElement) Lookup(id uint8) (uint64, bool) {
	if e == nil {
		return 0, false
	}
	for _, group := range [][]IOProperty{e.Data1, e.Data2, e.Data4, e.Data8} {
		for _, p := range group {
			if p.ID == id {
				return p.Value, true
			}
		}
	}
	return 0, false
}

type GPSElement struct {
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	Altitude   uint16  `json:"altitude"`
	Angle      uint16  `json:"angle"`
	Satellites uint8   `json:"satellites"`
	Speed      uint16  `json:"speed"`

	// IO is the sub-block nested after the GPS fields on the wire.
	IO *IOElement `json:"-"`
}

type Record struct {
	// Timestamp in milliseconds since the Unix epoch.
	Timestamp      int64          `json:"timestamp"`
	TimestampWidth TimestampWidth `json:"-"`
	Priority       Priority       `json:"priority"`
	GPS            GPSElement     `json:"gpsElement"`
	IO             *IOElement     `json:"io,omitempty"`
}

// Time converts the record timestamp to UTC.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Packet is one decoded frame. It is never mutated after Decode returns.
type Packet struct {
	IMEI     string   `json:"imei"`
	CodecID  uint8    `json:"codecId"`
	Records  []Record `json:"records"`
	DataLen  uint32   `json:"-"`
	CRC      uint32   `json:"-"`
	Checksum uint16   `json:"-"`
}
