package compress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab-ai/model-service/nn"
)

func TestDynamicQuantizeRatio(t *testing.T) {
	q := NewQuantizer()
	model := nn.NewStudentModel(testConfig())

	quantized, report, err := q.Quantize(model, nil, QuantConfig{Mode: QuantDynamic})
	require.NoError(t, err)

	// int8 weights with float32 biases and scales land a little above 1/4.
	assert.Greater(t, report.CompressionRatio, 0.25)
	assert.Less(t, report.CompressionRatio, 0.35)
	assert.Len(t, report.Scales, len(model.Linears()))

	// Quantized weights sit on the int8 grid of their tensor scale.
	for _, layer := range quantized.Linears() {
		scale := report.Scales[layer.Weight().Name]
		if scale == 0 {
			continue
		}
		for _, v := range layer.Weight().Data {
			steps := v / scale
			assert.InDelta(t, float64(steps), float64(int32(steps+0.5*sign(steps))), 1e-3)
		}
	}
}

func sign(v float32) float32 {
	if v < 0 {
		return -1
	}
	return 1
}

func TestQuantizeDoesNotMutateSource(t *testing.T) {
	q := NewQuantizer()
	model := nn.NewStudentModel(testConfig())
	before := model.StateDict()

	_, _, err := q.Quantize(model, nil, QuantConfig{Mode: QuantDynamic})
	require.NoError(t, err)

	after := model.StateDict()
	for i := range before {
		assert.Equal(t, before[i].Data, after[i].Data)
	}
}

func TestStaticQuantizeRequiresCalibration(t *testing.T) {
	q := NewQuantizer()
	model := nn.NewStudentModel(testConfig())

	_, _, err := q.Quantize(model, nil, QuantConfig{Mode: QuantStatic})
	assert.Error(t, err)
	_, _, err = q.Quantize(model, nil, QuantConfig{Mode: QuantQAT})
	assert.Error(t, err)
}

func TestStaticQuantizeRecordsActivationRanges(t *testing.T) {
	q := NewQuantizer()
	cfg := testConfig()
	model := nn.NewStudentModel(cfg)
	ds := testDataset(t, cfg, 4)

	_, report, err := q.Quantize(model, ds, QuantConfig{Mode: QuantStatic})
	require.NoError(t, err)

	require.Contains(t, report.ActivationRanges, "weaknesses")
	r := report.ActivationRanges["weaknesses"]
	require.Len(t, r, 2)
	assert.LessOrEqual(t, r[0], r[1])
}

func TestQATQuantize(t *testing.T) {
	q := NewQuantizer()
	cfg := testConfig()
	model := nn.NewStudentModel(cfg)
	ds := testDataset(t, cfg, 4)

	quantized, report, err := q.Quantize(model, ds, QuantConfig{Mode: QuantQAT, Epochs: 2})
	require.NoError(t, err)
	assert.Equal(t, QuantQAT, report.Mode)
	assert.NotNil(t, quantized)
	assert.NotEmpty(t, report.ActivationRanges)
}

func TestParseQuantMode(t *testing.T) {
	for _, s := range []string{"dynamic", "static", "qat"} {
		mode, err := ParseQuantMode(s)
		require.NoError(t, err)
		assert.EqualValues(t, s, mode)
	}
	_, err := ParseQuantMode("int4")
	assert.Error(t, err)
}
