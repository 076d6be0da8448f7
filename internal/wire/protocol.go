package wire

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/series"
)

// Operations a client can request. The first message on a connection must
// be OpAuth.
const (
	OpAuth   = "auth"
	OpQuery  = "query"
	OpNames  = "names"
	OpLast   = "last"
	OpRecord = "record"
	OpFlush  = "flush"
)

// Code is the status of a response.
type Code int

const (
	CodeOK Code = iota
	CodeBadRequest
	CodeNotAuthenticated
	CodeForbidden
	CodeUnavailable
	CodeInternal
)

// String returns the string representation of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeBadRequest:
		return "bad request"
	case CodeNotAuthenticated:
		return "not authenticated"
	case CodeForbidden:
		return "forbidden"
	case CodeUnavailable:
		return "unavailable"
	case CodeInternal:
		return "internal"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Request is one client message.
type Request struct {
	ID uint64
	Op string

	// Token authenticates an OpAuth request.
	Token string

	// Names, Start, End and Resolution describe an OpQuery request.
	// Zero values select the server's defaults.
	Names      []string
	Start      float64
	End        float64
	Resolution float64

	// Kind, Name, Value and Time describe an OpRecord event. Kind is one
	// of add, set, average or datapoint. Time 0 stamps the event on arrival.
	Kind  string
	Name  string
	Value float64
	Time  float64
}

// Response answers the request with the same ID.
type Response struct {
	ID    uint64
	Code  Code
	Error string

	// Session is set in the answer to OpAuth.
	Session string

	// Result answers OpQuery.
	Result *series.Result

	// Names answers OpNames.
	Names []string

	// Values answers OpLast.
	Values map[string]float64
}

// Err returns nil for a successful response.
func (r *Response) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	return fmt.Errorf("%s: %s", r.Code, r.Error)
}

// Field names of encoded requests and responses.
const (
	FieldID         = "id"
	FieldOp         = "op"
	FieldToken      = "token"
	FieldNames      = "names"
	FieldStart      = "start"
	FieldEnd        = "end"
	FieldResolution = "resolution"
	FieldKind       = "kind"
	FieldName       = "name"
	FieldValue      = "value"
	FieldTime       = "time"
	FieldCode       = "code"
	FieldError      = "error"
	FieldSession    = "session"
	FieldResult     = "result"
)

// EncodeRequest converts a request into a Struct. Empty fields are omitted.
func EncodeRequest(r *Request) (*structpb.Struct, error) {
	if r == nil {
		return nil, errors.NewMissingField("request")
	}
	if r.Op == "" {
		return nil, errors.NewMissingField(FieldOp)
	}

	f := map[string]*structpb.Value{
		FieldID: structpb.NewNumberValue(float64(r.ID)),
		FieldOp: structpb.NewStringValue(r.Op),
	}
	putString(f, FieldToken, r.Token)
	putString(f, FieldKind, r.Kind)
	putString(f, FieldName, r.Name)
	putNumber(f, FieldStart, r.Start)
	putNumber(f, FieldEnd, r.End)
	putNumber(f, FieldResolution, r.Resolution)
	putNumber(f, FieldValue, r.Value)
	putNumber(f, FieldTime, r.Time)
	if len(r.Names) > 0 {
		f[FieldNames] = stringList(r.Names)
	}

	return &structpb.Struct{Fields: f}, nil
}

// DecodeRequest converts a Struct produced by EncodeRequest back into a
// request.
func DecodeRequest(s *structpb.Struct) (*Request, error) {
	if s == nil {
		return nil, errors.NewMissingField("request")
	}

	r := &Request{}
	var err error

	if r.ID, err = id(s); err != nil {
		return nil, err
	}
	if r.Op, err = str(s, FieldOp); err != nil {
		return nil, err
	}
	if r.Op == "" {
		return nil, errors.NewMissingField(FieldOp)
	}
	if r.Token, err = str(s, FieldToken); err != nil {
		return nil, err
	}
	if r.Kind, err = str(s, FieldKind); err != nil {
		return nil, err
	}
	if r.Name, err = str(s, FieldName); err != nil {
		return nil, err
	}
	if r.Names, err = strs(s, FieldNames); err != nil {
		return nil, err
	}
	for field, dst := range map[string]*float64{
		FieldStart:      &r.Start,
		FieldEnd:        &r.End,
		FieldResolution: &r.Resolution,
		FieldValue:      &r.Value,
		FieldTime:       &r.Time,
	} {
		if *dst, err = num(s, field); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// EncodeResponse converts a response into a Struct.
func EncodeResponse(r *Response) (*structpb.Struct, error) {
	if r == nil {
		return nil, errors.NewMissingField("response")
	}

	f := map[string]*structpb.Value{
		FieldID:   structpb.NewNumberValue(float64(r.ID)),
		FieldCode: structpb.NewNumberValue(float64(r.Code)),
	}
	putString(f, FieldError, r.Error)
	putString(f, FieldSession, r.Session)

	if r.Result != nil {
		res, err := EncodeResult(r.Result)
		if err != nil {
			return nil, err
		}
		f[FieldResult] = structpb.NewStructValue(res)
	}
	if r.Names != nil {
		f[FieldNames] = stringList(r.Names)
	}
	if r.Values != nil {
		values := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(r.Values))}
		for name, v := range r.Values {
			values.Fields[name] = structpb.NewNumberValue(v)
		}
		f[FieldValues] = structpb.NewStructValue(values)
	}

	return &structpb.Struct{Fields: f}, nil
}

// DecodeResponse converts a Struct produced by EncodeResponse back into a
// response.
func DecodeResponse(s *structpb.Struct) (*Response, error) {
	if s == nil {
		return nil, errors.NewMissingField("response")
	}

	r := &Response{}
	var err error

	if r.ID, err = id(s); err != nil {
		return nil, err
	}
	code, err := num(s, FieldCode)
	if err != nil {
		return nil, err
	}
	r.Code = Code(code)
	if r.Error, err = str(s, FieldError); err != nil {
		return nil, err
	}
	if r.Session, err = str(s, FieldSession); err != nil {
		return nil, err
	}
	if r.Names, err = strs(s, FieldNames); err != nil {
		return nil, err
	}

	if v, ok := s.Fields[FieldResult]; ok {
		if r.Result, err = DecodeResult(v.GetStructValue()); err != nil {
			return nil, err
		}
	}

	if v, ok := s.Fields[FieldValues]; ok {
		if _, ok := v.GetKind().(*structpb.Value_StructValue); !ok {
			return nil, errors.NewInvalidValue(FieldValues, v, "must be a struct")
		}
		r.Values = make(map[string]float64)
		for name, item := range v.GetStructValue().GetFields() {
			if _, ok := item.GetKind().(*structpb.Value_NumberValue); !ok {
				return nil, errors.NewInvalidValue(FieldValues, name, "must be a number")
			}
			r.Values[name] = item.GetNumberValue()
		}
	}

	return r, nil
}

func putString(f map[string]*structpb.Value, field, v string) {
	if v != "" {
		f[field] = structpb.NewStringValue(v)
	}
}

func putNumber(f map[string]*structpb.Value, field string, v float64) {
	if v != 0 {
		f[field] = structpb.NewNumberValue(v)
	}
}

func stringList(values []string) *structpb.Value {
	list := make([]*structpb.Value, len(values))
	for i, v := range values {
		list[i] = structpb.NewStringValue(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: list})
}

func id(s *structpb.Struct) (uint64, error) {
	v, err := num(s, FieldID)
	if err != nil {
		return 0, err
	}
	if v < 0 || v != float64(uint64(v)) {
		return 0, errors.NewInvalidValue(FieldID, v, "must be a non-negative integer")
	}
	return uint64(v), nil
}

func str(s *structpb.Struct, field string) (string, error) {
	v, ok := s.Fields[field]
	if !ok {
		return "", nil
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok {
		return "", errors.NewInvalidValue(field, v, "must be a string")
	}
	return v.GetStringValue(), nil
}

func num(s *structpb.Struct, field string) (float64, error) {
	v, ok := s.Fields[field]
	if !ok {
		return 0, nil
	}
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
		return 0, errors.NewInvalidValue(field, v, "must be a number")
	}
	return v.GetNumberValue(), nil
}

func strs(s *structpb.Struct, field string) ([]string, error) {
	v, ok := s.Fields[field]
	if !ok {
		return nil, nil
	}
	if _, ok := v.GetKind().(*structpb.Value_ListValue); !ok {
		return nil, errors.NewInvalidValue(field, v, "must be a list")
	}

	items := v.GetListValue().GetValues()
	out := make([]string, len(items))
	for i, item := range items {
		if _, ok := item.GetKind().(*structpb.Value_StringValue); !ok {
			return nil, errors.NewInvalidValue(field, item, fmt.Sprintf("item %d must be a string", i))
		}
		out[i] = item.GetStringValue()
	}
	return out, nil
}
