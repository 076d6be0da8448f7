// Package wire provides protobuf message framing for query results and the
// request/response protocol of the statistics server.
//
// A result is carried as a google.protobuf.Struct:
//
//	{"boundaries": [t0, t1, ...],
//	 "values":     {"name": [v0, v1, ...], ...},
//	 "errors":     {"name": "message", ...}}
//
// Requests and responses are Structs as well, see EncodeRequest and
// EncodeResponse. Messages are length-delimited using protobuf's standard
// varint encoding, so a stream of results can be written to a file or pipe
// and read back.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/statline/config"
	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/series"
)

// Field names of an encoded result.
const (
	FieldBoundaries = "boundaries"
	FieldValues     = "values"
	FieldErrors     = "errors"
)

// EncodeResult converts a result into a Struct.
func EncodeResult(r *series.Result) (*structpb.Struct, error) {
	if r == nil {
		return nil, errors.NewMissingField("result")
	}

	values := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(r.Values))}
	for name, v := range r.Values {
		values.Fields[name] = numberList(v)
	}

	errs := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(r.Errors))}
	for name, msg := range r.Errors {
		errs.Fields[name] = structpb.NewStringValue(msg)
	}

	return &structpb.Struct{
		Fields: map[string]*structpb.Value{
			FieldBoundaries: numberList(r.Boundaries),
			FieldValues:     structpb.NewStructValue(values),
			FieldErrors:     structpb.NewStructValue(errs),
		},
	}, nil
}

// DecodeResult converts a Struct produced by EncodeResult back into a result.
func DecodeResult(s *structpb.Struct) (*series.Result, error) {
	if s == nil {
		return nil, errors.NewMissingField("result")
	}

	boundaries, err := numbers(FieldBoundaries, s.Fields[FieldBoundaries])
	if err != nil {
		return nil, err
	}

	r := &series.Result{
		Boundaries: boundaries,
		Values:     make(map[string][]float64),
		Errors:     make(map[string]string),
	}

	for name, v := range s.Fields[FieldValues].GetStructValue().GetFields() {
		values, err := numbers(name, v)
		if err != nil {
			return nil, err
		}
		if len(values) != len(boundaries) {
			return nil, errors.NewInvalidValue("values", name,
				fmt.Sprintf("%d values for %d boundaries", len(values), len(boundaries)))
		}
		r.Values[name] = values
	}

	for name, v := range s.Fields[FieldErrors].GetStructValue().GetFields() {
		if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok {
			return nil, errors.NewInvalidValue("errors", name, "must be a string")
		}
		r.Errors[name] = v.GetStringValue()
	}

	return r, nil
}

func numberList(values []float64) *structpb.Value {
	list := make([]*structpb.Value, len(values))
	for i, v := range values {
		list[i] = structpb.NewNumberValue(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

func numbers(field string, v *structpb.Value) ([]float64, error) {
	if v == nil {
		return nil, errors.NewMissingField(field)
	}
	if _, ok := v.GetKind().(*structpb.Value_ListValue); !ok {
		return nil, errors.NewInvalidValue(field, v, "must be a list")
	}

	items := v.GetListValue().GetValues()
	out := make([]float64, len(items))
	for i, item := range items {
		if _, ok := item.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, errors.NewInvalidValue(field, item, fmt.Sprintf("item %d must be a number", i))
		}
		out[i] = item.GetNumberValue()
	}
	return out, nil
}

// Reader reads length-delimited Structs from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize int
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return NewReaderSize(r, config.DefaultMaxMessageSize)
}

// NewReaderSize creates a Reader that rejects messages over maxSize bytes.
func NewReaderSize(r io.Reader, maxSize int) *Reader {
	return &Reader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Read reads and unmarshals the next message. It returns io.EOF at a clean
// end of stream and ErrMessageTooLarge for oversized messages.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: int64(r.maxSize),
	}
	if err := opts.UnmarshalFrom(r.r, msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		var tooLarge *protodelim.SizeTooLargeError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("read message: %v: %w", err, errors.ErrMessageTooLarge)
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return msg, nil
}

// ReadResult reads the next message and decodes it as a result.
func (r *Reader) ReadResult() (*series.Result, error) {
	msg, err := r.Read()
	if err != nil {
		return nil, err
	}
	return DecodeResult(msg)
}

// ReadRequest reads the next message and decodes it as a request.
func (r *Reader) ReadRequest() (*Request, error) {
	msg, err := r.Read()
	if err != nil {
		return nil, err
	}
	return DecodeRequest(msg)
}

// ReadResponse reads the next message and decodes it as a response.
func (r *Reader) ReadResponse() (*Response, error) {
	msg, err := r.Read()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(msg)
}

// Writer writes length-delimited Structs to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w       io.Writer
	maxSize int
	mu      sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return NewWriterSize(w, config.DefaultMaxMessageSize)
}

// NewWriterSize creates a Writer that refuses messages over maxSize bytes.
func NewWriterSize(w io.Writer, maxSize int) *Writer {
	return &Writer{w: w, maxSize: maxSize}
}

// Write marshals and writes a message with length prefix.
func (w *Writer) Write(msg *structpb.Struct) error {
	if size := proto.Size(msg); size > w.maxSize {
		return fmt.Errorf("write message of %d bytes: %w", size, errors.ErrMessageTooLarge)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// WriteResult encodes and writes a result.
func (w *Writer) WriteResult(r *series.Result) error {
	msg, err := EncodeResult(r)
	if err != nil {
		return err
	}
	return w.Write(msg)
}

// WriteRequest encodes and writes a request.
func (w *Writer) WriteRequest(r *Request) error {
	msg, err := EncodeRequest(r)
	if err != nil {
		return err
	}
	return w.Write(msg)
}

// WriteResponse encodes and writes a response.
func (w *Writer) WriteResponse(r *Response) error {
	msg, err := EncodeResponse(r)
	if err != nil {
		return err
	}
	return w.Write(msg)
}
