package scoring

import "evsecure/pkg/feature"

// TableVersion identifies the normalization table the deployed model was
// trained against. Model and table must be updated together.
const TableVersion = "v1"

// Calibration table for the v1 autoencoder, in feature.Vector.Slice order:
// v_rms, i_rms, p_kw, pf, thd_v, thd_i, dvdt, didt, ocpp_rate,
// remote_stop_cnt, malformed_cnt, out_of_seq_cnt, fw_ok, tamper, temp_c.
var (
	featureMeans = [feature.VectorSize]float64{
		230.0, 15.0, 3.5, 0.95, 2.5, 3.5,
		0.0, 0.0,
		5.0, 0.0, 0.0, 0.0,
		1.0, 0.0,
		25.0,
	}
	featureStds = [feature.VectorSize]float64{
		20.0, 5.0, 1.5, 0.05, 1.0, 1.5,
		10.0, 5.0,
		2.0, 1.0, 1.0, 1.0,
		0.0, 0.0,
		10.0,
	}
)

// Normalizer applies the fixed (x - mean) / std transform expected by the
// inference model.
type Normalizer struct {
	means [feature.VectorSize]float64
	stds  [feature.VectorSize]float64
}

// NewNormalizer returns a normalizer loaded with the built-in v1 table.
// Zero standard deviations (constant features like the integrity booleans)
// are replaced by 1 to avoid division by zero.
func NewNormalizer() *Normalizer {
	n := &Normalizer{means: featureMeans, stds: featureStds}
	for i, s := range n.stds {
		if s == 0 {
			n.stds[i] = 1.0
		}
	}
	return n
}

// Normalize transforms a raw feature slice into model input space.
func (n *Normalizer) Normalize(raw [feature.VectorSize]float64) [feature.VectorSize]float64 {
	var out [feature.VectorSize]float64
	for i, x := range raw {
		out[i] = (x - n.means[i]) / n.stds[i]
	}
	return out
}
