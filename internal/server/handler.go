package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/logging"
	"github.com/xtxerr/statline/internal/storage/query"
	"github.com/xtxerr/statline/internal/storage/types"
	"github.com/xtxerr/statline/internal/wire"
)

// handle answers one request of an authenticated session.
func (s *Server) handle(session *Session, req *wire.Request) *wire.Response {
	ctx := logging.ContextWithRequestID(session.ctx, req.ID)

	var resp *wire.Response
	var err error

	switch req.Op {
	case wire.OpQuery:
		resp, err = s.handleQuery(ctx, session, req)
	case wire.OpNames:
		resp, err = s.handleNames(ctx, session)
	case wire.OpLast:
		resp, err = s.handleLast(ctx, session)
	case wire.OpRecord:
		resp, err = s.handleRecord(session, req)
	case wire.OpFlush:
		resp, err = s.handleFlush(ctx, session)
	case wire.OpAuth:
		err = fmt.Errorf("%w: session already authenticated", errBadRequest)
	default:
		err = fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
	}

	if err != nil {
		s.errors.Add(1)
		code := errorCode(err)
		if code == wire.CodeInternal {
			logging.WithContext(ctx).Error("request failed",
				"session_id", session.ID, "op", req.Op, "error", err)
		}
		return &wire.Response{ID: req.ID, Code: code, Error: err.Error()}
	}

	resp.ID = req.ID
	return resp
}

var (
	errBadRequest = errors.New("bad request")
	errForbidden  = errors.New("forbidden")
	errNoRecorder = errors.New("recording is not enabled")
)

func (s *Server) handleQuery(ctx context.Context, session *Session, req *wire.Request) (*wire.Response, error) {
	if len(req.Names) == 0 {
		return nil, errors.NewMissingField(wire.FieldNames)
	}
	for _, name := range req.Names {
		if !session.Allowed(name) {
			return nil, fmt.Errorf("%w: metric %q", errForbidden, name)
		}
	}

	result, err := s.queries.Collect(ctx, query.Request{
		Names:      req.Names,
		Start:      req.Start,
		End:        req.End,
		Resolution: req.Resolution,
	})
	if err != nil {
		return nil, err
	}
	return &wire.Response{Result: result}, nil
}

func (s *Server) handleNames(ctx context.Context, session *Session) (*wire.Response, error) {
	names, err := s.queries.Names(ctx)
	if err != nil {
		return nil, err
	}

	allowed := make([]string, 0, len(names))
	for _, name := range names {
		if session.Allowed(name) {
			allowed = append(allowed, name)
		}
	}
	sort.Strings(allowed)
	return &wire.Response{Names: allowed}, nil
}

func (s *Server) handleLast(ctx context.Context, session *Session) (*wire.Response, error) {
	values, err := s.queries.LastDatapoints(ctx)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]float64, len(values))
	for name, v := range values {
		if session.Allowed(name) {
			allowed[name] = v
		}
	}
	return &wire.Response{Values: allowed}, nil
}

func (s *Server) handleRecord(session *Session, req *wire.Request) (*wire.Response, error) {
	if err := s.checkWrite(session); err != nil {
		return nil, err
	}
	if !session.Allowed(req.Name) {
		return nil, fmt.Errorf("%w: metric %q", errForbidden, req.Name)
	}

	kind, err := types.ParseEventKind(req.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	err = s.recorder.Record(types.Event{
		Kind:  kind,
		Name:  req.Name,
		Value: req.Value,
		Time:  req.Time,
	})
	if err != nil {
		return nil, err
	}
	return &wire.Response{}, nil
}

func (s *Server) handleFlush(ctx context.Context, session *Session) (*wire.Response, error) {
	if err := s.checkWrite(session); err != nil {
		return nil, err
	}
	if err := s.recorder.Flush(ctx); err != nil {
		return nil, err
	}
	return &wire.Response{}, nil
}

func (s *Server) checkWrite(session *Session) error {
	if session.ReadOnly() {
		return fmt.Errorf("%w: token %s is read-only", errForbidden, session.TokenID)
	}
	if s.recorder == nil {
		return errNoRecorder
	}
	return nil
}

// errorCode maps an error to the status reported to the client.
func errorCode(err error) wire.Code {
	switch {
	case errors.Is(err, errBadRequest), errors.IsValidation(err), errors.IsNotFound(err):
		return wire.CodeBadRequest
	case errors.Is(err, errForbidden):
		return wire.CodeForbidden
	case errors.Is(err, errNoRecorder),
		errors.Is(err, errors.ErrNotRunning),
		errors.Is(err, errors.ErrEventsDropped),
		errors.Is(err, errors.ErrStoreClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return wire.CodeUnavailable
	default:
		return wire.CodeInternal
	}
}
