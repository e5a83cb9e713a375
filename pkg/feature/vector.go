package feature

import "time"

// VectorSize is the number of numeric fields fed to the anomaly model.
const VectorSize = 15

// Vector is one sampling tick's worth of electrical, protocol and
// integrity state. Instances are immutable once assembled and are passed
// by value across task boundaries.
type Vector struct {
	VRMS float64 `json:"v_rms"`
	IRMS float64 `json:"i_rms"`
	PkW  float64 `json:"p_kw"`
	PF   float64 `json:"pf"`
	THDV float64 `json:"thd_v"`
	THDI float64 `json:"thd_i"`

	// Rate of change against the previous sample; zero on the first one.
	DVDT float64 `json:"dvdt"`
	DIDT float64 `json:"didt"`

	// Windowed protocol counters, merged in at assembly time.
	OCPPRate      float64 `json:"ocpp_rate"`
	RemoteStopCnt int     `json:"remote_stop_cnt"`
	MalformedCnt  int     `json:"malformed_cnt"`
	OutOfSeqCnt   int     `json:"out_of_seq_cnt"`

	FWOK   bool    `json:"fw_ok"`
	Tamper bool    `json:"tamper"`
	TempC  float64 `json:"temp_c"`

	Timestamp time.Time `json:"timestamp"`
}

// Slice returns the numeric fields in the fixed order the inference model
// was trained on. Booleans are encoded as 0/1.
func (v Vector) Slice() [VectorSize]float64 {
	b := func(x bool) float64 {
		if x {
			return 1
		}
		return 0
	}
	return [VectorSize]float64{
		v.VRMS, v.IRMS, v.PkW, v.PF, v.THDV, v.THDI,
		v.DVDT, v.DIDT,
		v.OCPPRate, float64(v.RemoteStopCnt), float64(v.MalformedCnt), float64(v.OutOfSeqCnt),
		b(v.FWOK), b(v.Tamper),
		v.TempC,
	}
}

// ProtocolCounts is a point-in-time snapshot of the protocol classifier's
// sliding windows.
type ProtocolCounts struct {
	RemoteStop int
	Malformed  int
	OutOfSeq   int
	Rate       float64
}
