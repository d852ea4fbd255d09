// Package fmxxx names the FMxxx-family IO ids that fit the one-byte id space
// of Codec 8.
package fmxxx

const (
	DIn1        uint8 = 1
	DIn2        uint8 = 2
	DIn3        uint8 = 3
	AIn1        uint8 = 9
	GSMSignal   uint8 = 21
	ExtVolt     uint8 = 66
	BatteryVolt uint8 = 67
	BattCurrent uint8 = 68
	GnssStatus  uint8 = 69
	BattLevel   uint8 = 113
	DOut1       uint8 = 179
	DOut2       uint8 = 180
	GnssPDOP    uint8 = 181
	GnssHDOP    uint8 = 182
	TripOdom    uint8 = 199
	SleepMode   uint8 = 200
	NetworkType uint8 = 237
	Ignition    uint8 = 239
	Movement    uint8 = 240
	ActiveGSMOp uint8 = 241
)

var names = map[uint8]string{
	DIn1:        "din1",
	DIn2:        "din2",
	DIn3:        "din3",
	AIn1:        "ain1",
	GSMSignal:   "gsm_signal",
	ExtVolt:     "external_voltage_mv",
	BatteryVolt: "battery_voltage_mv",
	BattCurrent: "battery_current_ma",
	GnssStatus:  "gnss_status",
	BattLevel:   "battery_level",
	DOut1:       "dout1",
	DOut2:       "dout2",
	GnssPDOP:    "gnss_pdop",
	GnssHDOP:    "gnss_hdop",
	TripOdom:    "trip_odometer_m",
	SleepMode:   "sleep_mode",
	NetworkType: "network_type",
	Ignition:    "ignition",
	Movement:    "movement",
	ActiveGSMOp: "active_gsm_operator",
}

// Name returns the attribute key for id.
func Name(id uint8) (string, bool) {
	n, ok := names[id]
	return n, ok
}
