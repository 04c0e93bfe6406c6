package metrics

import (
	"testing"
	"time"
)

func TestRecordPrediction(t *testing.T) {
	RecordPrediction(10, 5, 100*time.Millisecond)
	RecordPrediction(300, 508, 2*time.Second)
}

func TestRecordRecycleIterations(t *testing.T) {
	RecordRecycleIterations(0)
	RecordRecycleIterations(3)
}

func TestRecordStageDuration(t *testing.T) {
	RecordStageDuration("preprocess", 5*time.Millisecond)
	RecordStageDuration("forward", 500*time.Millisecond)
	RecordStageDuration("postprocess", time.Millisecond)
}

func TestRecordSubbatchDecision(t *testing.T) {
	RecordSubbatchDecision(5120, 5120, true)
	RecordSubbatchDecision(1024, 4, false)
	RecordSubbatchDecision(2048, 4, false)
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("pair", 5, 0)
	RecordNumericalInstability("msa", 0, 3)
	RecordNumericalInstability("clean", 0, 0)
}

func TestRecordValidationError(t *testing.T) {
	RecordValidationError("preprocess", "missing_feature")
	RecordValidationError("predict", "subbatch_width")
}

func TestRecordFeatureCache(t *testing.T) {
	RecordFeatureCache(true)
	RecordFeatureCache(false)
}

func TestRecordParamsLoad(t *testing.T) {
	RecordParamsLoad(1205, 3*time.Second)
}

func TestRecordTemplates(t *testing.T) {
	RecordTemplates(0)
	RecordTemplates(4)
}

func TestWidthLabel(t *testing.T) {
	cases := []struct {
		width int
		want  string
	}{
		{5120, "5120"},
		{1024, "1024"},
		{2048, "other"},
		{0, "other"},
	}
	for _, tc := range cases {
		if got := widthLabel(tc.width); got != tc.want {
			t.Errorf("widthLabel(%d) = %q, want %q", tc.width, got, tc.want)
		}
	}
}
