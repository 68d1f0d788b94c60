package pipeline

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func page(i int) PageImage {
	return PageImage{Index: i, Image: image.NewGray(image.Rect(0, 0, i+1, 1))}
}

func TestEvaluator_Keyed(t *testing.T) {
	rec := newRecognizer(map[int]string{2: "0900123456"})
	ev := NewEvaluator(passPreparer{}, rec, time.Second, discardLogger())

	got := ev.Evaluate(context.Background(), page(2))

	assert.Equal(t, 2, got.Index)
	assert.Equal(t, "0900123456", got.Key.Value)
	assert.True(t, got.Key.Preferred)
	assert.Empty(t, got.Fault)
}

func TestEvaluator_NoKeyIsNotAFault(t *testing.T) {
	ev := NewEvaluator(passPreparer{}, newRecognizer(nil), 0, discardLogger())

	got := ev.Evaluate(context.Background(), page(0))

	assert.False(t, got.Key.Found())
	assert.Empty(t, got.Fault)
}

func TestEvaluator_Faults(t *testing.T) {
	tests := []struct {
		name  string
		prep  passPreparer
		page  PageImage
		fault string
	}{
		{"panic is recovered", passPreparer{panicOn: map[int]bool{1: true}}, page(1), "panic: corrupt raster"},
		{"prepare error", passPreparer{failOn: map[int]bool{1: true}}, page(1), "prepare: region is empty"},
		{"missing image", passPreparer{}, PageImage{Index: 4}, "page was not rasterized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvaluator(tt.prep, newRecognizer(nil), time.Second, discardLogger())

			got := ev.Evaluate(context.Background(), tt.page)

			assert.Equal(t, tt.page.Index, got.Index)
			assert.False(t, got.Key.Found())
			assert.Contains(t, got.Fault, tt.fault)
		})
	}
}

func TestEvaluator_Timeout(t *testing.T) {
	rec := newRecognizer(map[int]string{0: "0900000001"})
	rec.block = make(chan struct{})
	defer close(rec.block)
	ev := NewEvaluator(passPreparer{}, rec, 20*time.Millisecond, discardLogger())

	start := time.Now()
	got := ev.Evaluate(context.Background(), page(0))

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, got.Key.Found())
	assert.Contains(t, got.Fault, "timed out")
}

func TestEvaluator_TimeoutWaitsForEngine(t *testing.T) {
	doc := newFakeDoc(1)
	rec := newRecognizer(map[int]string{0: "0900000001"})
	rec.doc = doc
	rec.delay = 60 * time.Millisecond
	ev := NewEvaluator(passPreparer{}, rec, 5*time.Millisecond, discardLogger())

	start := time.Now()
	got := ev.Evaluate(context.Background(), page(0))

	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Zero(t, doc.inFlight.Load())
	assert.False(t, got.Key.Found())
	assert.Contains(t, got.Fault, "timed out")
}

func TestEvaluator_ParentCancelled(t *testing.T) {
	rec := newRecognizer(nil)
	rec.block = make(chan struct{})
	defer close(rec.block)
	ev := NewEvaluator(passPreparer{}, rec, time.Minute, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := ev.Evaluate(ctx, page(0))

	assert.Contains(t, got.Fault, context.Canceled.Error())
}
