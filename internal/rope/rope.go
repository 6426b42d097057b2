// Package rope computes rotary position encoding tables and applies the
// rotation to query/key projections.
package rope

import (
	"fmt"
	"math"

	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// initFn derives the inverse-frequency vector and attention scaling constant
// for one scaling scheme. Registered once; looked up by the name carried in
// the rope_scaling config.
type initFn func(cfg *config.Config) (invFreq []float64, attentionScaling float64, err error)

var scalingRegistry = map[string]initFn{
	"default": initDefault,
	"linear":  initLinear,
}

func initDefault(cfg *config.Config) ([]float64, float64, error) {
	headDim := cfg.ResolvedHeadDim()
	half := headDim / 2
	invFreq := make([]float64, half)
	for i := 0; i < half; i++ {
		invFreq[i] = 1.0 / math.Pow(cfg.RopeTheta, float64(2*i)/float64(headDim))
	}
	return invFreq, 1.0, nil
}

func initLinear(cfg *config.Config) ([]float64, float64, error) {
	invFreq, scaling, err := initDefault(cfg)
	if err != nil {
		return nil, 0, err
	}
	factor := cfg.RopeScaling.Factor
	if factor <= 0 {
		return nil, 0, fmt.Errorf("rope: linear scaling requires positive factor, got %f", factor)
	}
	for i := range invFreq {
		invFreq[i] /= factor
	}
	return invFreq, scaling, nil
}

// Encoder produces cos/sin rotation tables for position indices. It holds no
// per-call state; tables are recomputed each forward call and never cached.
type Encoder struct {
	invFreq          []float64
	attentionScaling float64
	headDim          int
}

// New derives the inverse-frequency vector from the configured scaling
// scheme. Unknown scheme names are a construction error.
func New(cfg *config.Config) (*Encoder, error) {
	name := cfg.RopeScaling.Name()
	fn, ok := scalingRegistry[name]
	if !ok {
		return nil, fmt.Errorf("rope: unknown rope scaling type %q", name)
	}
	invFreq, scaling, err := fn(cfg)
	if err != nil {
		return nil, err
	}
	return &Encoder{
		invFreq:          invFreq,
		attentionScaling: scaling,
		headDim:          cfg.ResolvedHeadDim(),
	}, nil
}

// HeadDim returns the head dimension the encoder was built for.
func (e *Encoder) HeadDim() int { return e.headDim }

// Tables computes cos/sin tables of shape [batch, len(positions), headDim]
// for the given position indices plus offset. The frequency is duplicated
// across both halves of the head dimension, so cos[i] == cos[i + headDim/2].
// Incremental cache mode passes the current cache depth as offset so later
// speculative steps get advanced rotary phase.
func (e *Encoder) Tables(positions []int, offset, batch int) (cos, sin *tensor.Tensor) {
	seq := len(positions)
	half := e.headDim / 2

	cos = tensor.New(batch, seq, e.headDim)
	sin = tensor.New(batch, seq, e.headDim)

	cd := cos.Data()
	sd := sin.Data()
	for b := 0; b < batch; b++ {
		for s, p := range positions {
			base := (b*seq + s) * e.headDim
			pos := float64(p + offset)
			for i := 0; i < half; i++ {
				freq := pos * e.invFreq[i]
				c := float32(math.Cos(freq) * e.attentionScaling)
				sn := float32(math.Sin(freq) * e.attentionScaling)
				cd[base+i] = c
				cd[base+i+half] = c
				sd[base+i] = sn
				sd[base+i+half] = sn
			}
		}
	}
	return cos, sin
}

// Apply rotates x in place using the rotate-half convention:
// out = x*cos + rotateHalf(x)*sin with rotateHalf(x) = (-x2, x1).
// x is [batch, heads, seq, headDim]; cos/sin are [batch, seq, headDim] and
// broadcast over heads.
func Apply(x, cos, sin *tensor.Tensor) {
	batch, heads, seq, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if cos.Dim(0) != batch || cos.Dim(1) != seq || cos.Dim(2) != headDim {
		panic(fmt.Sprintf("rope: table shape %v does not match input %v", cos.Shape(), x.Shape()))
	}
	half := headDim / 2

	xd := x.Data()
	cd := cos.Data()
	sd := sin.Data()

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				xBase := ((b*heads+h)*seq + s) * headDim
				tBase := (b*seq + s) * headDim
				for i := 0; i < half; i++ {
					x1 := xd[xBase+i]
					x2 := xd[xBase+i+half]
					c := cd[tBase+i]
					sn := sd[tBase+i]
					xd[xBase+i] = x1*c - x2*sn
					xd[xBase+i+half] = x2*c + x1*sn
				}
			}
		}
	}
}
