package pipeline

import (
	"time"

	"avl-relay/internal/codec"
	"avl-relay/internal/codec/fmxxx"
)

// liveWindow is how old a record may be and still count as live.
const liveWindow = 120 * time.Second

func coordsValid(lat, lon float64) bool {
	if lat == 0 && lon == 0 {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return true
}

func CalcFix(sats int, lat, lon float64) int {
	if sats > 3 && coordsValid(lat, lon) {
		return 1
	}
	return 0
}

// DecideMsgType tells live records (1) from buffered ones (0). Records that
// arrive in a batch, or later than liveWindow, were buffered on the device.
func DecideMsgType(isBatch bool, ts, now time.Time) int {
	if isBatch {
		return 0
	}
	if !ts.IsZero() && now.Sub(ts) > liveWindow {
		return 0
	}
	return 1
}

// NamedAttributes maps known IO ids to attribute keys. The first occurrence
// of an id wins, narrowest width first.
func NamedAttributes(io *codec.IOElement) map[string]uint64 {
	if io == nil || io.Count() == 0 {
		return nil
	}
	out := make(map[string]uint64)
	for _, group := range [][]codec.IOProperty{io.Data1, io.Data2, io.Data4, io.Data8} {
		for _, p := range group {
			name, ok := fmxxx.Name(p.ID)
			if !ok {
				continue
			}
			if _, seen := out[name]; !seen {
				out[name] = p.Value
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func BuildTracking(imei string, rec codec.Record, isBatch bool, now time.Time) *TrackingObject {
	g := rec.GPS
	tr := &TrackingObject{
		IMEI:       imei,
		Datetime:   rec.Time().Format(time.RFC3339),
		Lat:        g.Latitude,
		Lon:        g.Longitude,
		Alt:        int(g.Altitude),
		Spd:        int(g.Speed),
		Crs:        int(g.Angle),
		Sats:       int(g.Satellites),
		Priority:   rec.Priority.String(),
		Attributes: NamedAttributes(rec.IO),
		MsgType:    DecideMsgType(isBatch, rec.Time(), now),
		Fix:        CalcFix(int(g.Satellites), g.Latitude, g.Longitude),
	}
	if rec.IO != nil {
		tr.EventIO = int(rec.IO.EventIOID)
	}
	return tr
}
