package zarr

import (
	"fmt"
)

// Affine is a per-axis scale and translation: world = index*Scale + Translation.
type Affine struct {
	Scale       []float64
	Translation []float64
}

func identityAffine(n int) Affine {
	a := Affine{Scale: make([]float64, n), Translation: make([]float64, n)}
	for i := range a.Scale {
		a.Scale[i] = 1
	}
	return a
}

// composeTransforms applies transforms in order to the identity. A scale also
// scales the translation accumulated so far.
func composeTransforms(transforms []Transform, n int) (Affine, error) {
	a := identityAffine(n)
	for _, t := range transforms {
		switch t.Type {
		case "scale":
			if len(t.Scale) < n {
				return Affine{}, fmt.Errorf("scale transform has %d values, want %d", len(t.Scale), n)
			}
			for i := 0; i < n; i++ {
				a.Scale[i] *= t.Scale[i]
				a.Translation[i] *= t.Scale[i]
			}
		case "translation":
			if len(t.Translation) < n {
				return Affine{}, fmt.Errorf("translation transform has %d values, want %d", len(t.Translation), n)
			}
			for i := 0; i < n; i++ {
				a.Translation[i] += t.Translation[i]
			}
		default:
			return Affine{}, fmt.Errorf("unknown transform type %q", t.Type)
		}
	}
	return a, nil
}

// computeTransform composes the dataset transforms followed by the
// multiscale-level transforms.
func computeTransform(ms *Multiscale, ds *Dataset, n int) (Affine, error) {
	global, err := composeTransforms(ms.CoordinateTransformations, n)
	if err != nil {
		return Affine{}, fmt.Errorf("multiscale transform: %w", err)
	}
	dataset, err := composeTransforms(ds.CoordinateTransformations, n)
	if err != nil {
		return Affine{}, fmt.Errorf("dataset %q transform: %w", ds.Path, err)
	}
	return composeTransforms([]Transform{
		{Type: "scale", Scale: dataset.Scale},
		{Type: "translation", Translation: dataset.Translation},
		{Type: "scale", Scale: global.Scale},
		{Type: "translation", Translation: global.Translation},
	}, n)
}

// ensureScaleTransforms gives every dataset a scale transform sized against
// the finest array when no dataset declares transforms.
func ensureScaleTransforms(datasets []Dataset, arrays []*ArrayMeta) []Dataset {
	for _, ds := range datasets {
		if len(ds.CoordinateTransformations) > 0 {
			return datasets
		}
	}
	target := arrays[0].Shape
	out := make([]Dataset, len(datasets))
	for i, ds := range datasets {
		shape := arrays[i].Shape
		scale := make([]float64, len(target))
		for j := range target {
			scale[j] = 1
			if j < len(shape) && shape[j] > 0 {
				scale[j] = float64(target[j]) / float64(shape[j])
			}
		}
		out[i] = Dataset{
			Path:                      ds.Path,
			CoordinateTransformations: []Transform{{Type: "scale", Scale: scale}},
		}
	}
	return out
}
