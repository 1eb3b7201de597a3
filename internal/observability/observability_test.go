package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsCount(t *testing.T) {
	m := NewMetrics()
	m.ProposalCreated("send_leads_ghl")
	m.ProposalCreated("send_leads_ghl")
	m.Decision("approved", "user")
	m.Execution("send_leads_ghl", "executed", 20*time.Millisecond)
	m.RateLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proposalsCreated.WithLabelValues("send_leads_ghl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("approved", "user")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("send_leads_ghl", "executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "actiongate_proposals_created_total"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ProposalCreated("x")
	m.Decision("approved", "agent")
	m.Execution("x", "failed", time.Second)
	m.HTTPRequest("GET", "/", 200)
	m.RateLimited()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTracerProviderExportsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewTracerProvider(exp, "test")
	require.NoError(t, err)
	_, span := tp.Tracer("t").Start(context.Background(), "proposal.execute")
	span.End()
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "proposal.execute", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(TracingOptions{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}
