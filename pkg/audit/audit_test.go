package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/core/pkg/audit"
	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestRecord_SecurityViolationLogsAsError(t *testing.T) {
	var buf bytes.Buffer
	l := audit.New(newTestLogger(&buf))

	l.Record(context.Background(), &envelope.Envelope{
		MessageID: "evt-1", Type: "evt.security.violation", Tenant: "acme", Workspace: "prod",
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, true, entry["AUDIT"])
	assert.Equal(t, "evt-1", entry["event_id"])
}

func TestRecord_UnknownTypeLogsAsInfo(t *testing.T) {
	var buf bytes.Buffer
	l := audit.New(newTestLogger(&buf))

	l.Record(context.Background(), &envelope.Envelope{MessageID: "evt-2", Type: "evt.orders.created"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "INFO", entry["level"])
}

func TestRecordAll_FiltersToAuditableTypes(t *testing.T) {
	var buf bytes.Buffer
	l := audit.New(newTestLogger(&buf))

	l.RecordAll(context.Background(), []*envelope.Envelope{
		{MessageID: "e1", Type: "evt.orders.created"},
		{MessageID: "e2", Type: "evt.runtime.error"},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "e2")
}
