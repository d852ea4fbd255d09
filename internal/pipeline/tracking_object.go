package pipeline

// TrackingObject is the flat per-record summary sent next to the decoded record.
type TrackingObject struct {
	IMEI     string `json:"imei"`
	Datetime string `json:"dt"`

	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
	Alt  int     `json:"alt"`
	Spd  int     `json:"spd"`
	Crs  int     `json:"crs"`
	Sats int     `json:"sats"`

	Priority string `json:"priority"`
	EventIO  int    `json:"event_io"`

	Attributes map[string]uint64 `json:"attributes,omitempty"`

	MsgType int `json:"msg_type"` // 1=live, 0=buffer
	Fix     int `json:"fix"`      // 1 if sats>3 and coords valid
}
