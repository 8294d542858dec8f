package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/envirocomply/envirocomply-core/internal/audit"
	"github.com/envirocomply/envirocomply-core/internal/stages"
)

func TestRun_RecordsStageSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	registry := newRegistry(t,
		newFake(stages.Assess, succeed(stages.Output{Summary: "assessed"})),
		newFake(stages.Analyze, fail(errors.New("boom"))))
	o := New(Config{}, registry, audit.NewRecorder(audit.NewMemoryStore(), nil, nil),
		WithClock(clock), WithTracerProvider(tp))

	_, err := o.Run(context.Background(), RunRequest{Mode: ModeGaps})
	require.NoError(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range sr.Ended() {
		byName[s.Name()] = s
	}
	require.Contains(t, byName, "pipeline.run")
	require.Contains(t, byName, "stage.assess")
	require.Contains(t, byName, "stage.analyze")

	run := byName["pipeline.run"]
	assert.Equal(t, run.SpanContext().SpanID(), byName["stage.assess"].Parent().SpanID())
	assert.Equal(t, codes.Error, byName["stage.analyze"].Status().Code)
	assert.NotEqual(t, codes.Error, byName["stage.assess"].Status().Code)
}
