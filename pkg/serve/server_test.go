package serve

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/ndarray"
	"github.com/wehubfusion/Conduit/pkg/schema"
	"github.com/wehubfusion/Conduit/pkg/transform"
)

type noConn struct{}

func (noConn) QueueSubscribe(string, string, nats.MsgHandler) (*nats.Subscription, error) {
	return nil, errors.New("not connected")
}

func newStep(t *testing.T) *transform.Step {
	t.Helper()
	first, err := schema.NewColumnSchema(schema.Column{Name: "first", Type: schema.TypeLong})
	require.NoError(t, err)

	step, err := transform.New(context.Background(), transform.StepConfig{
		InputNames:   []string{"in", "raw"},
		InputSchemas: map[string]*schema.ColumnSchema{"in": first},
		Ports: map[string]transform.PortConfig{
			"in": {
				Code:    "first += 2",
				Inputs:  map[string]string{"first": "INT"},
				Outputs: map[string]string{"first": "INT"},
			},
		},
	}, transform.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = step.Destroy() })
	return step
}

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(newStep(t), noConn{}, Config{Subject: "conduit.transform", RequestTimeout: 5 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func call(t *testing.T, s *Server, req string) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(s.Handle(context.Background(), []byte(req)), &resp))
	return resp
}

func TestHandlePortRequest(t *testing.T) {
	s := newServer(t)

	resp := call(t, s, `{"request_id": "req-1", "port": "in", "records": [[2], [5], ["x"]]}`)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.Records, 3)
	assert.Equal(t, []interface{}{float64(4)}, resp.Records[0])
	assert.Equal(t, []interface{}{float64(7)}, resp.Records[1])
	assert.Nil(t, resp.Records[2])

	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 2, resp.Errors[0].Index)
	assert.Equal(t, cerrors.CodeSchemaMismatch, resp.Errors[0].Code)
}

func TestHandleBatchRequest(t *testing.T) {
	s := newServer(t)

	resp := call(t, s, `{"records": [[1], ["kept", 2.5]]}`)
	_, err := uuid.Parse(resp.RequestID)
	assert.NoError(t, err)
	assert.Empty(t, resp.Errors)
	assert.Equal(t, []interface{}{float64(3)}, resp.Records[0])
	assert.Equal(t, []interface{}{"kept", 2.5}, resp.Records[1])
}

func TestHandleBatchReportsEachFailureOnce(t *testing.T) {
	s := newServer(t)

	resp := call(t, s, `{"records": [[1.5], ["kept"]]}`)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 0, resp.Errors[0].Index)
	assert.Nil(t, resp.Records[0])
	assert.Equal(t, []interface{}{"kept"}, resp.Records[1])

	resp = call(t, s, `{"records": [[], ["kept"]]}`)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, cerrors.CodeEmptyRecord, resp.Errors[0].Code)
}

func TestHandleInvalidRequest(t *testing.T) {
	s := newServer(t)

	resp := call(t, s, `{"records": `)
	assert.Contains(t, resp.Error, "invalid request")
	assert.NotEmpty(t, resp.RequestID)

	resp = call(t, s, `{"port": "missing", "records": [[1]]}`)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "unknown input name")
}

func TestNewServerValidation(t *testing.T) {
	step := newStep(t)

	_, err := NewServer(nil, noConn{}, Config{Subject: "x"}, nil)
	assert.Error(t, err)
	_, err = NewServer(step, nil, Config{Subject: "x"}, nil)
	assert.Error(t, err)
	_, err = NewServer(step, noConn{}, Config{}, nil)
	assert.Error(t, err)

	s, err := NewServer(step, noConn{}, Config{Subject: "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, s.config.RequestTimeout)
	assert.Error(t, s.Start(context.Background()))
	assert.NoError(t, s.Stop())
}

func TestDecodeCell(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		ct      schema.ColumnType
		want    interface{}
		wantErr bool
	}{
		{"integer", json.Number("7"), schema.TypeInteger, int32(7), false},
		{"integer overflow", json.Number("4294967296"), schema.TypeInteger, nil, true},
		{"long", json.Number("4294967296"), schema.TypeLong, int64(4294967296), false},
		{"long from fraction", json.Number("1.5"), schema.TypeLong, nil, true},
		{"float", json.Number("1.5"), schema.TypeFloat, float32(1.5), false},
		{"double", json.Number("2"), schema.TypeDouble, float64(2), false},
		{"categorical", "red", schema.TypeCategorical, "red", false},
		{"boolean", true, schema.TypeBoolean, true, false},
		{"boolean mismatch", "true", schema.TypeBoolean, nil, true},
		{"bytes", base64.StdEncoding.EncodeToString([]byte("hi")), schema.TypeBytes, []byte("hi"), false},
		{"time", "2024-03-01T10:00:00Z", schema.TypeTime, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), false},
		{"null", nil, schema.TypeLong, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeCell(tt.raw, tt.ct)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArrayCellsTravelAsBase64(t *testing.T) {
	d, err := ndarray.FromFloat64s([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)

	encoded, err := json.Marshal(encodeRow(schema.Record{d}))
	require.NoError(t, err)

	var row []interface{}
	dec := json.NewDecoder(bytes.NewReader(encoded))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&row))
	assert.NotContains(t, row[0], ndarray.KeyAddress)

	cell, err := decodeCell(row[0], schema.TypeNDArray)
	require.NoError(t, err)
	got := cell.(*ndarray.Descriptor)
	assert.Equal(t, d.Shape, got.Shape)
	assert.Equal(t, d.Stride, got.Stride)

	values, err := got.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, values)
}

func TestHandlerRecordsMetrics(t *testing.T) {
	h := NewHandler(newStep(t), 0, nil)
	requests := testutil.ToFloat64(requestCounter.WithLabelValues("port"))
	mismatches := testutil.ToFloat64(recordErrorCounter.WithLabelValues(cerrors.CodeSchemaMismatch))

	var resp Response
	require.NoError(t, json.Unmarshal(h.Handle(context.Background(), []byte(`{"port": "in", "records": [[1], ["x"]]}`)), &resp))
	assert.Equal(t, []interface{}{float64(3)}, resp.Records[0])

	assert.Equal(t, requests+1, testutil.ToFloat64(requestCounter.WithLabelValues("port")))
	assert.Equal(t, mismatches+1, testutil.ToFloat64(recordErrorCounter.WithLabelValues(cerrors.CodeSchemaMismatch)))
}
