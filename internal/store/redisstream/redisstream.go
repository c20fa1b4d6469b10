// Package redisstream publishes step records and alarms to Redis streams so
// live consumers can follow a run.
package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/internal/sink"
)

const (
	DefaultRecordStream = "gasnet:records"
	DefaultAlarmStream  = "gasnet:alarms"
	DefaultMaxLen       = 100000
)

// Stream appends records and alarms with XADD. It implements sink.Writer
// and alarm.Sink.
type Stream struct {
	client  *redis.Client
	records string
	alarms  string
	maxLen  int64
}

var (
	_ sink.Writer = (*Stream)(nil)
	_ alarm.Sink  = (*Stream)(nil)
)

// Option customises a Stream.
type Option func(*Stream)

// WithStreams overrides the record and alarm stream keys.
func WithStreams(records, alarms string) Option {
	return func(s *Stream) {
		if records != "" {
			s.records = records
		}
		if alarms != "" {
			s.alarms = alarms
		}
	}
}

// WithMaxLen caps each stream at roughly n entries; zero disables trimming.
func WithMaxLen(n int64) Option { return func(s *Stream) { s.maxLen = n } }

// New parses url, connects and pings the server.
func New(ctx context.Context, url string, opts ...Option) (*Stream, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 3 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	client := redis.NewClient(parsed)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewFromClient(client, opts...), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, opts ...Option) *Stream {
	s := &Stream{
		client:  client,
		records: DefaultRecordStream,
		alarms:  DefaultAlarmStream,
		maxLen:  DefaultMaxLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the client.
func (s *Stream) Close() error { return s.client.Close() }

// Write appends every record of a step in one pipeline.
func (s *Stream) Write(ctx context.Context, records []sink.Record) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, r := range records {
		values, err := recordValues(r)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, s.args(s.records, values))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd records: %w", err)
	}
	return nil
}

// Raise appends one alarm.
func (s *Stream) Raise(ctx context.Context, a alarm.Alarm) error {
	values := map[string]any{
		"run_id":        a.RunID,
		"controller_id": a.ControllerID,
		"code":          a.Code,
		"severity":      string(a.Severity),
		"message":       a.Message,
		"step":          a.Step,
		"sim_time":      strconv.FormatFloat(a.SimTime, 'f', -1, 64),
		"raised_at":     a.RaisedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.client.XAdd(ctx, s.args(s.alarms, values)).Err(); err != nil {
		return fmt.Errorf("xadd alarm: %w", err)
	}
	return nil
}

func (s *Stream) args(stream string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return args
}

func recordValues(r sink.Record) (map[string]any, error) {
	fields, err := EncodeFields(r.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s/%s: %w", r.Kind, r.ObjectID, err)
	}
	return map[string]any{
		"run_id":    r.RunID,
		"kind":      string(r.Kind),
		"step":      r.Step,
		"sim_time":  strconv.FormatFloat(r.SimTime, 'f', -1, 64),
		"ts":        r.Timestamp.UTC().Format(time.RFC3339Nano),
		"object_id": r.ObjectID,
		"fields":    fields,
	}, nil
}

// EncodeFields renders record fields as protojson of a Struct. Values the
// Struct type cannot hold are stored as their string form.
func EncodeFields(fields map[string]any) (string, error) {
	st := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(fields))}
	for k, v := range fields {
		pv, err := structpb.NewValue(v)
		if err != nil {
			pv = structpb.NewStringValue(fmt.Sprint(v))
		}
		st.Fields[k] = pv
	}
	b, err := protojson.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeFields parses the output of EncodeFields.
func DecodeFields(raw string) (map[string]any, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal([]byte(raw), &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}
