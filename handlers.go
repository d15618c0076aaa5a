// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// handlerFunc serves one method. c decodes the request body and encodes
// the answer in the protocol the caller used.
type handlerFunc func(ctx context.Context, c Codec, payload []byte) ([]byte, error)

// handlerSet maps method names to handlers. The zero value is ready.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[string]handlerFunc
}

var (
	typeOfError   = reflect.TypeFor[error]()
	typeOfContext = reflect.TypeFor[context.Context]()
)

func (h *handlerSet) addRaw(method string, handler RawHandler) error {
	return h.add(map[string]handlerFunc{
		method: func(ctx context.Context, _ Codec, payload []byte) ([]byte, error) {
			return handler(ctx, payload)
		},
	})
}

// addService publishes the methods of handler that look like
//
//	func (t *T) Method(args *A, reply *R) error
//	func (t *T) Method(ctx context.Context, args *A, reply *R) error
//
// as "name.Method". The argument may also be a value type. An empty name
// selects the type name of handler.
func (h *handlerSet) addService(name string, handler interface{}) error {
	rcvr := reflect.ValueOf(handler)
	if !rcvr.IsValid() {
		return fmt.Errorf("no service given for %q", name)
	}
	typ := rcvr.Type()
	if name == "" {
		name = reflect.Indirect(rcvr).Type().Name()
	}
	if name == "" {
		return fmt.Errorf("no service name for type %s", typ)
	}

	methods := make(map[string]handlerFunc)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		if fn := serviceMethod(rcvr, m); fn != nil {
			methods[name+"."+m.Name] = fn
		}
	}
	if len(methods) == 0 {
		return fmt.Errorf("type %s has no exported methods of suitable type", typ)
	}
	return h.add(methods)
}

func (h *handlerSet) add(methods map[string]handlerFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for method := range methods {
		if _, ok := h.handlers[method]; ok {
			return fmt.Errorf("method %s already registered", method)
		}
	}
	if h.handlers == nil {
		h.handlers = make(map[string]handlerFunc, len(methods))
	}
	for method, fn := range methods {
		h.handlers[method] = fn
	}
	return nil
}

func (h *handlerSet) lookup(method string) (handlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.handlers[method]
	return fn, ok
}

func serviceMethod(rcvr reflect.Value, m reflect.Method) handlerFunc {
	if !m.IsExported() {
		return nil
	}
	mt := m.Type
	if mt.NumOut() != 1 || mt.Out(0) != typeOfError {
		return nil
	}
	withCtx := false
	switch mt.NumIn() {
	case 3:
	case 4:
		if mt.In(1) != typeOfContext {
			return nil
		}
		withCtx = true
	default:
		return nil
	}
	argType, replyType := mt.In(mt.NumIn()-2), mt.In(mt.NumIn()-1)
	if replyType.Kind() != reflect.Pointer {
		return nil
	}

	return func(ctx context.Context, c Codec, payload []byte) ([]byte, error) {
		argIsPtr := argType.Kind() == reflect.Pointer
		var argv reflect.Value
		if argIsPtr {
			argv = reflect.New(argType.Elem())
		} else {
			argv = reflect.New(argType)
		}
		if err := c.Decode(payload, argv.Interface()); err != nil {
			return nil, fmt.Errorf("decoding arguments: %w", err)
		}
		if !argIsPtr {
			argv = argv.Elem()
		}
		replyv := reflect.New(replyType.Elem())

		in := []reflect.Value{rcvr}
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		out := m.Func.Call(append(in, argv, replyv))
		if err, _ := out[0].Interface().(error); err != nil {
			return nil, err
		}
		return c.Encode(replyv.Interface())
	}
}
