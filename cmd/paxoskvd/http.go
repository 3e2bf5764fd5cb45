package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/numberly/paxoskv/pkg/cas"
	"github.com/numberly/paxoskv/pkg/localstore"
	"github.com/numberly/paxoskv/pkg/mutation"
)

// CAS_TIMEOUT - overall deadline of one write, retries included.
const CAS_TIMEOUT = 5 * time.Second

// handleKV serves the key value surface. Rows hold a single column v:
//
//	GET    /kv/<key>   read v
//	PUT    /kv/<key>   write the request body to v
//	DELETE /kv/<key>   delete v
//
// Conditional headers turn a write into a compare-and-set:
//
//	If-None-Match: *       only when the key has no row
//	If-Match: <value>      only when v currently equals value
//
// A write that loses its condition answers 412 with the current value; a
// write that cannot get through answers 409.
func handleKV(executor *cas.Executor, replica *localstore.Replica, schema *mutation.Schema, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := mutation.Key(strings.TrimPrefix(r.URL.Path, "/kv/"))
		if len(key) == 0 {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), CAS_TIMEOUT)
		defer cancel()

		switch r.Method {
		case http.MethodGet:
			row, err := replica.Read(ctx, schema, key)
			if err != nil {
				logger.Warn("read failed", zap.Stringer("key", key), zap.Error(err))
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if row == nil {
				http.NotFound(w, r)
				return
			}
			w.Write(row["v"])

		case http.MethodPut, http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			write := cas.Write{Set: map[string][]byte{"v": body}, If: condition(r)}
			respond(w, logger, key)(executor.CAS(ctx, schema, key, write))

		case http.MethodDelete:
			write := cas.Write{Delete: []string{"v"}, If: condition(r)}
			respond(w, logger, key)(executor.CAS(ctx, schema, key, write))

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func condition(r *http.Request) func(mutation.Row) bool {
	if r.Header.Get("If-None-Match") == "*" {
		return cas.IfNotExists
	}
	if want := r.Header.Get("If-Match"); want != "" {
		return cas.IfValue("v", []byte(want))
	}
	return nil
}

func respond(w http.ResponseWriter, logger *zap.Logger, key mutation.Key) func(bool, mutation.Row, error) {
	return func(applied bool, current mutation.Row, err error) {
		if err != nil {
			var cerr *cas.ContentionError
			if errors.As(err, &cerr) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			logger.Warn("cas failed", zap.Stringer("key", key), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !applied {
			w.WriteHeader(http.StatusPreconditionFailed)
			w.Write(current["v"])
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
