package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/example/driver-dispatch/internal/models"
)

type fakeWriter struct{ msgs []kafka.Message }

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type recordingSink struct {
	got []models.Alert
	err error
}

func (r *recordingSink) Raise(_ context.Context, a models.Alert) error {
	r.got = append(r.got, a)
	return r.err
}

func TestKafkaSinkPublishesJSON(t *testing.T) {
	w := &fakeWriter{}
	s := &KafkaSink{writer: w}
	require.NoError(t, s.Raise(context.Background(), models.Alert{JobID: "j1", Kind: KindMatchingTimeout, Severity: models.SeverityCritical}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, KindMatchingTimeout, string(w.msgs[0].Key))
	var a models.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &a))
	assert.Equal(t, "j1", a.JobID)
}

func TestLogSinkUsesErrorForCritical(t *testing.T) {
	var buf bytes.Buffer
	s := &LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	require.NoError(t, s.Raise(context.Background(), models.Alert{Kind: KindSystemHealth, Severity: models.SeverityCritical}))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestMultiTriesEverySink(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	ok := &recordingSink{}
	err := Multi{failing, ok}.Raise(context.Background(), models.Alert{Kind: KindNoCandidates})

	assert.Len(t, multierr.Errors(err), 1)
	require.Len(t, ok.got, 1)
	assert.False(t, ok.got[0].RaisedAt.IsZero())
}
