package pipeline

import (
	"encoding/hex"
	"time"

	"avl-relay/internal/codec"
)

// Source identifies this relay in collector requests.
type Source struct {
	Name     string
	ServerID string
	Version  string
}

// Payload is the JSON body of one collector call. It always carries exactly
// one record.
type Payload struct {
	ParsedData ParsedData      `json:"parsedData"`
	RawData    string          `json:"rawData"`
	Source     string          `json:"source"`
	Timestamp  string          `json:"timestamp"`
	ServerInfo ServerInfo      `json:"serverInfo"`
	Tracking   *TrackingObject `json:"tracking"`
}

type ParsedData struct {
	IMEI        string       `json:"imei"`
	Records     []RecordView `json:"records"`
	RecordCount int          `json:"recordCount"`
	CodecID     uint8        `json:"codecId"`
}

type ServerInfo struct {
	ServerID string `json:"serverId"`
	Version  string `json:"version"`
}

type RecordView struct {
	Timestamp  int64   `json:"timestamp"`
	Priority   uint8   `json:"priority"`
	GPSElement GPSView `json:"gpsElement"`
	IOElement  *IOView `json:"ioElement,omitempty"`
}

// GPSView flattens the nested IO block into the GPS element, the shape the
// collector has always received.
type GPSView struct {
	Longitude  float64 `json:"longitude"`
	Latitude   float64 `json:"latitude"`
	Altitude   uint16  `json:"altitude"`
	Angle      uint16  `json:"angle"`
	Satellites uint8   `json:"satellites"`
	Speed      uint16  `json:"speed"`
	IOView
}

type IOView struct {
	EventIOID uint8     `json:"eventIOID"`
	NOfTotal  uint8     `json:"nOfTotalIO"`
	NOfData1  int       `json:"nOfData1"`
	Data1     []IOValue `json:"data1"`
	NOfData2  int       `json:"nOfData2"`
	Data2     []IOValue `json:"data2"`
	NOfData4  int       `json:"nOfData4"`
	Data4     []IOValue `json:"data4"`
	NOfData8  int       `json:"nOfData8"`
	Data8     []IOHex   `json:"data8"`
}

type IOValue struct {
	ID    uint8  `json:"id"`
	Value uint64 `json:"value"`
}

// IOHex carries 8-byte values as hex so they survive JSON number precision.
type IOHex struct {
	ID    uint8  `json:"id"`
	Value string `json:"value"`
}

func newIOView(io *codec.IOElement) IOView {
	v := IOView{
		Data1: []IOValue{},
		Data2: []IOValue{},
		Data4: []IOValue{},
		Data8: []IOHex{},
	}
	if io == nil {
		return v
	}
	v.EventIOID = io.EventIOID
	v.NOfTotal = io.TotalIO
	for _, p := range io.Data1 {
		v.Data1 = append(v.Data1, IOValue{ID: p.ID, Value: p.Value})
	}
	for _, p := range io.Data2 {
		v.Data2 = append(v.Data2, IOValue{ID: p.ID, Value: p.Value})
	}
	for _, p := range io.Data4 {
		v.Data4 = append(v.Data4, IOValue{ID: p.ID, Value: p.Value})
	}
	for _, p := range io.Data8 {
		v.Data8 = append(v.Data8, IOHex{ID: p.ID, Value: hex.EncodeToString(p.Raw)})
	}
	v.NOfData1, v.NOfData2, v.NOfData4, v.NOfData8 = len(v.Data1), len(v.Data2), len(v.Data4), len(v.Data8)
	return v
}

func NewRecordView(rec codec.Record) RecordView {
	io := newIOView(rec.IO)
	g := rec.GPS
	rv := RecordView{
		Timestamp: rec.Timestamp,
		Priority:  uint8(rec.Priority),
		GPSElement: GPSView{
			Longitude:  g.Longitude,
			Latitude:   g.Latitude,
			Altitude:   g.Altitude,
			Angle:      g.Angle,
			Satellites: g.Satellites,
			Speed:      g.Speed,
			IOView:     io,
		},
	}
	if rec.IO != nil {
		rv.IOElement = &io
	}
	return rv
}

// BuildPayloads returns one payload per record, in record order.
func BuildPayloads(pkt *codec.Packet, raw []byte, src Source, now time.Time) []Payload {
	rawHex := hex.EncodeToString(raw)
	isBatch := len(pkt.Records) > 1
	stamp := now.UTC().Format(time.RFC3339Nano)

	out := make([]Payload, 0, len(pkt.Records))
	for _, rec := range pkt.Records {
		out = append(out, Payload{
			ParsedData: ParsedData{
				IMEI:        pkt.IMEI,
				Records:     []RecordView{NewRecordView(rec)},
				RecordCount: 1,
				CodecID:     pkt.CodecID,
			},
			RawData:    rawHex,
			Source:     src.Name,
			Timestamp:  stamp,
			ServerInfo: ServerInfo{ServerID: src.ServerID, Version: src.Version},
			Tracking:   BuildTracking(pkt.IMEI, rec, isBatch, now),
		})
	}
	return out
}
